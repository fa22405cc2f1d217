// Package dispatch fans committed changes out to registered observers,
// either inline with the commit or through per-subject asynchronous lanes.
package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/okian/kudos/internal/adapters/mq/queue"
	"github.com/okian/kudos/internal/adapters/mq/worker"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/pkg/logger"
	"github.com/okian/kudos/pkg/metrics"
)

const (
	modeSync  = "sync"
	modeAsync = "async"

	defaultQueueSize      = 1024
	defaultEnqueueTimeout = 5 * time.Second
)

// Observer reacts to committed changes. It receives its own copy of the
// change and must not assume it runs on the committing goroutine.
type Observer interface {
	OnChange(ctx context.Context, change model.CommittedChange) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, change model.CommittedChange) error

// OnChange calls f.
func (f ObserverFunc) OnChange(ctx context.Context, change model.CommittedChange) error { //nolint:gocritic // hugeParam: observers get their own copy
	return f(ctx, change)
}

// Named is implemented by observers that want a stable label in logs,
// metrics and observer errors.
type Named interface {
	Name() string
}

type registration struct {
	name     string
	observer Observer
}

// Dispatcher delivers committed changes to observers in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []registration
	closed    bool

	laneCount       int
	queueSize       int
	enqueueTimeout  time.Duration
	deliveryTimeout time.Duration
	lanes           []*queue.InMemoryQueue
	pool            *worker.Pool

	log logger.Logger
}

// New creates a Dispatcher. Without WithAsync it delivers synchronously.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queueSize:      defaultQueueSize,
		enqueueTimeout: defaultEnqueueTimeout,
		log:            logger.Default().Named("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.laneCount > 0 {
		d.lanes = make([]*queue.InMemoryQueue, d.laneCount)
		qs := make([]worker.Queue, d.laneCount)
		for i := range d.lanes {
			d.lanes[i] = queue.NewInMemoryQueue(
				queue.WithCapacity(d.queueSize),
				queue.WithName(strconv.Itoa(i)),
			)
			qs[i] = d.lanes[i]
		}
		d.pool = worker.NewPool(qs, worker.HandlerFunc(d.deliver),
			worker.WithLogger(d.log),
			worker.WithHandlerTimeout(d.deliveryTimeout),
		)
	}
	return d
}

// Async reports whether changes go through lanes.
func (d *Dispatcher) Async() bool { return d.pool != nil }

// Mode returns "sync" or "async".
func (d *Dispatcher) Mode() string {
	if d.Async() {
		return modeAsync
	}
	return modeSync
}

// Start launches the lane workers. It is a no-op in synchronous mode.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.pool != nil {
		d.pool.Start(ctx)
	}
}

// Register appends an observer. Observers registered later are notified
// later.
func (d *Dispatcher) Register(o Observer) error {
	if o == nil {
		return ErrNilObserver
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	name := fmt.Sprintf("observer-%d", len(d.observers))
	if n, ok := o.(Named); ok && n.Name() != "" {
		name = n.Name()
	}
	d.observers = append(d.observers, registration{name: name, observer: o})
	d.log.Debug(context.Background(), "observer registered", logger.String("observer", name))
	return nil
}

// Observers returns the registered observer names in notification order.
func (d *Dispatcher) Observers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.observers))
	for i, r := range d.observers {
		out[i] = r.name
	}
	return out
}

// Notify calls every observer in registration order, each with its own
// copy of change. A failing observer never stops the others; all failures
// come back as a *BatchError.
func (d *Dispatcher) Notify(ctx context.Context, change model.CommittedChange) error { //nolint:gocritic // hugeParam: cloned per observer
	return d.notify(ctx, change, modeSync)
}

func (d *Dispatcher) notify(ctx context.Context, change model.CommittedChange, mode string) error { //nolint:gocritic // hugeParam: cloned per observer
	d.mu.RLock()
	regs := append([]registration(nil), d.observers...)
	d.mu.RUnlock()

	var failures []ObserverError
	for _, r := range regs {
		start := time.Now()
		err := call(ctx, r.observer, change.Clone())
		metrics.RecordObserverLatency(r.name, float64(time.Since(start).Microseconds())/1000)
		if err != nil {
			metrics.RecordObserverFailure(r.name, mode)
			failures = append(failures, ObserverError{Observer: r.name, Err: err})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &BatchError{Failures: failures}
}

func call(ctx context.Context, o Observer, change model.CommittedChange) (err error) { //nolint:gocritic // hugeParam: observers get their own copy
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrObserverPanic, r)
		}
	}()
	return o.OnChange(ctx, change)
}

// Hook delivers a freshly committed change and records the outcome on it.
// Its signature matches ledger.CommitHook, so it runs while the subject is
// still exclusively held and lane order follows commit order.
func (d *Dispatcher) Hook(ctx context.Context, change *model.CommittedChange) {
	if change.Empty() {
		change.Dispatch = model.DispatchNone
		return
	}
	if d.pool == nil {
		change.Dispatch = model.DispatchDelivered
		if err := d.Notify(ctx, *change); err != nil {
			change.ObserverErrors = failuresOf(err)
			d.log.Warn(ctx, "observers failed",
				logger.String("change", change.ID),
				logger.String("subject", change.SubjectID),
				logger.Error(err),
			)
		}
		return
	}

	if err := d.enqueue(ctx, change.Clone()); err != nil {
		change.Dispatch = model.DispatchFailed
		d.log.Error(ctx, "failed to queue change",
			logger.String("change", change.ID),
			logger.String("subject", change.SubjectID),
			logger.Error(err),
		)
		return
	}
	change.Dispatch = model.DispatchQueued
}

func (d *Dispatcher) enqueue(ctx context.Context, change model.CommittedChange) error { //nolint:gocritic // hugeParam: queued by value
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if d.enqueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.enqueueTimeout)
		defer cancel()
	}
	return d.lanes[d.laneFor(change.SubjectID)].Enqueue(ctx, change)
}

// laneFor pins a subject to one lane so its changes stay ordered.
func (d *Dispatcher) laneFor(subjectID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return int(h.Sum32() % uint32(len(d.lanes)))
}

// deliver is the lane worker handler.
func (d *Dispatcher) deliver(ctx context.Context, change worker.Item) error { //nolint:gocritic // hugeParam: matches worker.Handler
	return d.notify(ctx, change, modeAsync)
}

// Close stops accepting changes and waits for the lanes to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.pool == nil {
		return nil
	}
	return d.pool.Shutdown(ctx)
}

func failuresOf(err error) []model.ObserverFailure {
	batch, ok := err.(*BatchError) //nolint:errorlint // Notify returns the concrete type
	if !ok {
		return []model.ObserverFailure{{Observer: "unknown", Message: err.Error()}}
	}
	out := make([]model.ObserverFailure, len(batch.Failures))
	for i, f := range batch.Failures {
		out[i] = model.ObserverFailure{Observer: f.Observer, Message: f.Err.Error()}
	}
	return out
}
