// Package worker drains dispatch queues. Each queue gets exactly one
// worker, so items of a queue are handled strictly in order.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/okian/kudos/internal/adapters/mq/queue"
	"github.com/okian/kudos/pkg/logger"
	"github.com/okian/kudos/pkg/metrics"
)

// Default worker configuration constants.
const (
	poolShutdownTimeout = 30 * time.Second
)

// Item is what workers read off the queue.
type Item = queue.Item

// Handler processes one item.
type Handler interface {
	Handle(ctx context.Context, item Item) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item Item) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item Item) error { return f(ctx, item) }

// Queue defines how workers receive items.
type Queue interface {
	Dequeue() <-chan Item
}

// Worker processes items from one queue.
type Worker interface {
	// Run handles items until the queue is closed and drained or ctx is
	// canceled.
	Run(ctx context.Context)

	// Shutdown waits for Run to return.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue   Queue
	handler Handler
	name    string

	handlerTimeout time.Duration

	done chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, handler Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:   q,
		handler: handler,
		name:    "worker",
		done:    make(chan struct{}),
		logger:  logger.Default(),
	}

	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)

	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	items := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			if err := w.process(ctx, item); err != nil {
				w.logger.Error(ctx, "error processing item",
					logger.String("change", item.ID),
					logger.String("subject", item.SubjectID),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown waits for the worker to finish. Close the queue first so Run can
// drain and return.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process handles a single item. Handler panics are contained so one bad
// item does not stop the lane.
func (w *InMemoryWorker) process(ctx context.Context, item Item) (err error) { //nolint:gocritic // hugeParam: items are passed by value for channel semantics
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		if err != nil {
			metrics.RecordWorkerError()
		}
		metrics.RecordQueueDequeue()
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if w.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.handlerTimeout)
		defer cancel()
	}
	return w.handler.Handle(ctx, item)
}

// Closer is implemented by queues the pool can close on shutdown.
type Closer interface {
	Close() error
}

// Pool runs one worker per queue.
type Pool struct {
	workers []*InMemoryWorker
	queues  []Queue

	logger logger.Logger
}

// NewPool creates a pool with one worker per queue.
func NewPool(queues []Queue, handler Handler, opts ...Option) *Pool {
	pool := &Pool{
		workers: make([]*InMemoryWorker, len(queues)),
		queues:  queues,
		logger:  logger.Default().Named("worker-pool"),
	}

	for i, q := range queues {
		wopts := append(append([]Option{}, opts...), WithName("lane-"+strconv.Itoa(i)))
		pool.workers[i] = NewInMemoryWorker(q, handler, wopts...)
	}

	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	metrics.UpdateWorkerActiveCount(len(p.workers))
}

// Len returns the number of workers.
func (p *Pool) Len() int { return len(p.workers) }

// Shutdown closes every queue, then waits for the workers to drain them.
func (p *Pool) Shutdown(ctx context.Context) error {
	for _, q := range p.queues {
		if closer, ok := q.(Closer); ok {
			if err := closer.Close(); err != nil {
				p.logger.Error(ctx, "error closing queue", logger.Error(err))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var firstErr error
	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	return firstErr
}
