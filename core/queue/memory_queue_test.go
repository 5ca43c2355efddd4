package queue

import (
	"context"
	"testing"
	"time"

	"upgrade-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(id string) models.JobDescriptor {
	return models.JobDescriptor{
		UpgradeID:      id,
		Repository:     "acme/api",
		Ecosystem:      models.EcosystemRust,
		PackageName:    "serde",
		CurrentVersion: "1.0.0",
		TargetVersion:  "1.0.5",
	}
}

func TestEncodeDecode(t *testing.T) {
	b, err := Encode(job("u-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"upgradeId": "u-1",
		"repository": "acme/api",
		"ecosystem": "rust",
		"packageName": "serde",
		"currentVersion": "1.0.0",
		"targetVersion": "1.0.5"
	}`, string(b))

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, job("u-1"), got)

	_, err = Decode([]byte(`{"repository":"x"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestMemoryQueue_FIFOAckNack(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, 0)

	require.NoError(t, q.Push(ctx, job("a")))
	require.NoError(t, q.Push(ctx, job("b")))

	got, err := q.Receive(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Job.UpgradeID)
	assert.Equal(t, "b", got[1].Job.UpgradeID)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, q.Ack(ctx, got[0]))
	require.NoError(t, q.Nack(ctx, got[1]))

	again, err := q.Receive(ctx, 5)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "b", again[0].Job.UpgradeID)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestMemoryQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Second, 0)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Push(ctx, job("a")))
	first, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	none, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	now = now.Add(2 * time.Second)
	redelivered, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "a", redelivered[0].Job.UpgradeID)
	assert.NotEqual(t, first[0].Receipt, redelivered[0].Receipt)
}

func TestMemoryQueue_ReceiveWaitsForPush(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, 2*time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(ctx, job("late"))
	}()

	start := time.Now()
	got, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryQueue_ReceiveHonoursCancel(t *testing.T) {
	q := NewMemoryQueue(time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Receive(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseReceipt(t *testing.T) {
	id, attempts, err := parseReceipt(receipt("0b7c3f0e-1c1d-4c55-9a53-9b5f7f0e8a11", 3))
	require.NoError(t, err)
	assert.Equal(t, "0b7c3f0e-1c1d-4c55-9a53-9b5f7f0e8a11", id)
	assert.Equal(t, 3, attempts)

	_, _, err = parseReceipt("no-colon")
	assert.Error(t, err)
	_, _, err = parseReceipt("id:x")
	assert.Error(t, err)
}
