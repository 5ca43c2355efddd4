// Package queue is the dispatch queue between the API and upgrade workers.
// Delivery is at-least-once: a message that is received but never acked
// becomes visible again after the visibility timeout.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"upgrade-orchestrator/core/models"
)

// Backend names accepted by configuration
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQS      = "sqs"
)

// DefaultVisibilityTimeout is how long a received message stays hidden
const DefaultVisibilityTimeout = 30 * time.Second

// Publisher pushes job descriptors. It is all the intake path needs.
type Publisher interface {
	Push(ctx context.Context, job models.JobDescriptor) error
}

// Delivery is one received message
type Delivery struct {
	Job      models.JobDescriptor
	Receipt  string
	Attempts int
}

// Consumer is the worker side of the queue
type Consumer interface {
	// Receive returns up to max deliveries. It may wait for new messages
	// and returns an empty slice when none arrived in time.
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack makes the message visible again for redelivery
	Nack(ctx context.Context, d Delivery) error
}

// Queue is a full backend
type Queue interface {
	Publisher
	Consumer
	Ping(ctx context.Context) (bool, error)
	Close() error
}

// Encode serialises a descriptor for the wire
func Encode(job models.JobDescriptor) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job descriptor: %w", err)
	}
	return b, nil
}

// Decode parses a wire message
func Decode(b []byte) (models.JobDescriptor, error) {
	var job models.JobDescriptor
	if err := json.Unmarshal(b, &job); err != nil {
		return job, fmt.Errorf("failed to decode job descriptor: %w", err)
	}
	if job.UpgradeID == "" {
		return job, fmt.Errorf("job descriptor has no upgradeId")
	}
	return job, nil
}
