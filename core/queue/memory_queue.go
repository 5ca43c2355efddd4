package queue

import (
	"context"
	"sync"
	"time"

	"upgrade-orchestrator/core/models"

	"github.com/google/uuid"
)

type inflight struct {
	job       models.JobDescriptor
	attempts  int
	visibleAt time.Time
}

type queuedJob struct {
	job      models.JobDescriptor
	attempts int
}

// MemoryQueue is an in-process FIFO with visibility timeouts
type MemoryQueue struct {
	mu         sync.Mutex
	items      []queuedJob
	inflight   map[string]inflight
	visibility time.Duration
	wait       time.Duration
	notify     chan struct{}
	now        func() time.Time
}

// NewMemoryQueue creates a memory queue. Receive waits up to wait for a
// message when the queue is empty.
func NewMemoryQueue(visibility, wait time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		items:      make([]queuedJob, 0, 128),
		inflight:   make(map[string]inflight),
		visibility: visibility,
		wait:       wait,
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Push appends job to the tail
func (q *MemoryQueue) Push(_ context.Context, job models.JobDescriptor) error {
	q.mu.Lock()
	q.items = append(q.items, queuedJob{job: job})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Receive claims up to max messages from the head
func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if out := q.claim(max); len(out) > 0 {
		return out, nil
	}
	if q.wait <= 0 {
		return []Delivery{}, nil
	}

	timer := time.NewTimer(q.wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.notify:
	case <-timer.C:
	}
	return q.claim(max), nil
}

func (q *MemoryQueue) claim(max int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 {
		max = 1
	}
	now := q.now()
	q.requeueExpiredLocked(now)

	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]Delivery, 0, max)
	for i := 0; i < max; i++ {
		item := q.items[0]
		q.items = q.items[1:]
		item.attempts++

		receipt := uuid.NewString()
		q.inflight[receipt] = inflight{
			job:       item.job,
			attempts:  item.attempts,
			visibleAt: now.Add(q.visibility),
		}
		out = append(out, Delivery{Job: item.job, Receipt: receipt, Attempts: item.attempts})
	}
	return out
}

// requeueExpiredLocked must be called with mu held
func (q *MemoryQueue) requeueExpiredLocked(now time.Time) {
	for receipt, f := range q.inflight {
		if f.visibleAt.After(now) {
			continue
		}
		q.items = append(q.items, queuedJob{job: f.job, attempts: f.attempts})
		delete(q.inflight, receipt)
	}
}

// Ack drops the delivery. Unknown receipts are ignored.
func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

// Nack returns the delivery to the tail of the queue
func (q *MemoryQueue) Nack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	f, ok := q.inflight[d.Receipt]
	if ok {
		delete(q.inflight, d.Receipt)
		q.items = append(q.items, queuedJob{job: f.job, attempts: f.attempts})
	}
	q.mu.Unlock()

	if ok {
		q.signal()
	}
	return nil
}

// Len returns the number of visible messages
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ping always succeeds
func (q *MemoryQueue) Ping(context.Context) (bool, error) { return true, nil }

// Close is a no-op
func (q *MemoryQueue) Close() error { return nil }

var _ Queue = (*MemoryQueue)(nil)
