package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	received *sqs.ReceiveMessageInput
	messages []types.Message
	deleted  []string
	released []string
	timeouts []int32
	attrErr  error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.released = append(f.released, aws.ToString(in.ReceiptHandle))
	f.timeouts = append(f.timeouts, in.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, f.attrErr
}

func newTestSQSQueue(t *testing.T, client *fakeSQS) *SQSQueue {
	q, err := NewSQSQueue(client, SQSOptions{
		QueueURL:          "https://sqs.us-east-1.amazonaws.com/123/upgrades",
		VisibilityTimeout: 45 * time.Second,
		WaitTime:          time.Minute,
	}, nil)
	require.NoError(t, err)
	return q
}

func TestSQSQueue_Push(t *testing.T) {
	client := &fakeSQS{}
	q := newTestSQSQueue(t, client)

	require.NoError(t, q.Push(context.Background(), job("u-1")))

	require.Len(t, client.sent, 1)
	assert.Contains(t, aws.ToString(client.sent[0].MessageBody), `"upgradeId":"u-1"`)
	assert.Equal(t, "rust", aws.ToString(client.sent[0].MessageAttributes["ecosystem"].StringValue))
}

func TestSQSQueue_ReceiveDecodesAndDropsGarbage(t *testing.T) {
	body, err := Encode(job("u-2"))
	require.NoError(t, err)

	client := &fakeSQS{messages: []types.Message{
		{
			MessageId:     aws.String("m-1"),
			ReceiptHandle: aws.String("rh-1"),
			Body:          aws.String(string(body)),
			Attributes:    map[string]string{"ApproximateReceiveCount": "2"},
		},
		{
			MessageId:     aws.String("m-2"),
			ReceiptHandle: aws.String("rh-bad"),
			Body:          aws.String("garbage"),
		},
	}}
	q := newTestSQSQueue(t, client)

	got, err := q.Receive(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u-2", got[0].Job.UpgradeID)
	assert.Equal(t, "rh-1", got[0].Receipt)
	assert.Equal(t, 2, got[0].Attempts)

	assert.Equal(t, []string{"rh-bad"}, client.deleted)
	assert.Equal(t, int32(10), client.received.MaxNumberOfMessages)
	assert.Equal(t, int32(20), client.received.WaitTimeSeconds)
	assert.Equal(t, int32(45), client.received.VisibilityTimeout)
}

func TestSQSQueue_AckNackPing(t *testing.T) {
	client := &fakeSQS{}
	q := newTestSQSQueue(t, client)
	ctx := context.Background()

	require.NoError(t, q.Ack(ctx, Delivery{Receipt: "rh-1"}))
	require.NoError(t, q.Nack(ctx, Delivery{Receipt: "rh-2"}))
	assert.Equal(t, []string{"rh-1"}, client.deleted)
	assert.Equal(t, []string{"rh-2"}, client.released)
	assert.Equal(t, []int32{0}, client.timeouts)

	ok, err := q.Ping(ctx)
	assert.True(t, ok)
	assert.NoError(t, err)

	client.attrErr = errors.New("access denied")
	ok, err = q.Ping(ctx)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestNewSQSQueue_RequiresURL(t *testing.T) {
	_, err := NewSQSQueue(&fakeSQS{}, SQSOptions{}, nil)
	assert.Error(t, err)
}
