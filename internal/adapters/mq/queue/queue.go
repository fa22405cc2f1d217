// Package queue provides the bounded FIFO that backs an asynchronous
// dispatch lane.
package queue

import (
	"context"
	"sync"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultCapacity = 1024
)

// Item is the payload type flowing through the queue.
type Item = model.CommittedChange

// Queue is a FIFO of committed changes with blocking enqueue.
type Queue interface {
	// Enqueue blocks until the item is accepted, ctx is done or the queue
	// is closed.
	Enqueue(ctx context.Context, item Item) error

	// Dequeue returns the receive side. It is closed once the queue is
	// closed and drained.
	Dequeue() <-chan Item

	// Len returns the current number of queued items.
	Len() int

	// Close stops accepting items. Items already queued stay readable.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	items    chan Item
	capacity int
	name     string

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultCapacity,
		name:     "0",
	}

	for _, opt := range opts {
		opt(q)
	}

	q.items = make(chan Item, q.capacity)
	metrics.UpdateLaneDepth(q.name, 0)

	return q
}

// Enqueue adds an item, waiting for room when the queue is full.
func (q *InMemoryQueue) Enqueue(ctx context.Context, item Item) error { //nolint:gocritic // hugeParam: items are passed by value for channel semantics
	// The read lock is held across the send so Close cannot close the
	// channel under a blocked sender.
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		return ErrClosed
	}

	select {
	case q.items <- item:
		metrics.RecordQueueEnqueue()
		metrics.UpdateLaneDepth(q.name, len(q.items))
		return nil
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError()
		return ctx.Err()
	}
}

// Dequeue returns the channel consumers range over.
func (q *InMemoryQueue) Dequeue() <-chan Item {
	return q.items
}

// Len returns the current number of queued items.
func (q *InMemoryQueue) Len() int {
	size := len(q.items)
	metrics.UpdateLaneDepth(q.name, size)
	return size
}

// Name returns the lane label used in metrics.
func (q *InMemoryQueue) Name() string { return q.name }

// Close gracefully shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.items)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
