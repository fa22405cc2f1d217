// Package engine is the single entry point for feeding events into the
// reputation ledger. It runs evaluate, apply and dispatch for each event and
// exposes the read side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/okian/kudos/internal/adapters/dispatch"
	"github.com/okian/kudos/internal/adapters/ledger"
	"github.com/okian/kudos/internal/domain/evaluator"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/pkg/logger"
	"github.com/okian/kudos/pkg/metrics"
)

const defaultMaxRetries = 3

// Engine orchestrates Evaluator, Ledger and Dispatcher. It has a two-phase
// lifecycle: Load the rules, then mark it Ready. Process refuses events
// until both have happened.
type Engine struct {
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher

	mu    sync.Mutex // serializes Load and Ready
	eval  atomic.Pointer[evaluator.Evaluator]
	ready atomic.Bool

	maxRetries uint
	backoff    func() backoff.BackOff
	evalOpts   []evaluator.Option
	now        func() time.Time
	log        logger.Logger
}

// New creates an Engine. A nil dispatcher gets a synchronous one.
func New(l *ledger.Ledger, d *dispatch.Dispatcher, opts ...Option) *Engine {
	if d == nil {
		d = dispatch.New()
	}
	e := &Engine{
		ledger:     l,
		dispatcher: d,
		maxRetries: defaultMaxRetries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Millisecond
			b.MaxInterval = 20 * time.Millisecond
			return b
		},
		now: time.Now,
		log: logger.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("engine")
	return e
}

// Load installs the rule set. It may be called again until Ready, after
// which the rules are fixed.
func (e *Engine) Load(rs *rules.RuleSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready.Load() {
		return ErrAlreadyReady
	}
	opts := append([]evaluator.Option{evaluator.WithClock(e.now), evaluator.WithLogger(e.log)}, e.evalOpts...)
	ev, err := evaluator.New(rs, opts...)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	e.eval.Store(ev)
	metrics.UpdateRulesLoaded(rs.Len())
	return nil
}

// Ready opens the engine for events. It fails if no rules were loaded.
func (e *Engine) Ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eval.Load() == nil {
		return ErrRulesNotLoaded
	}
	e.ready.Store(true)
	e.log.Info(context.Background(), "engine ready", logger.Int("rules", e.eval.Load().RuleSet().Len()))
	return nil
}

// RulesLoaded reports whether Load succeeded.
func (e *Engine) RulesLoaded() bool { return e.eval.Load() != nil }

// IsReady reports whether Process accepts events.
func (e *Engine) IsReady() bool { return e.ready.Load() }

// Rules returns the loaded rule set, or nil.
func (e *Engine) Rules() *rules.RuleSet {
	if ev := e.eval.Load(); ev != nil {
		return ev.RuleSet()
	}
	return nil
}

// Register adds an observer to the dispatcher.
func (e *Engine) Register(o dispatch.Observer) error {
	return e.dispatcher.Register(o)
}

// Dispatcher returns the dispatcher changes are delivered through.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Ledger returns the underlying ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Read returns a snapshot of the subject's ledger entry.
func (e *Engine) Read(ctx context.Context, subjectID string) (model.Entry, error) {
	return e.ledger.Read(ctx, subjectID)
}

// Leaderboard returns the n best subjects.
func (e *Engine) Leaderboard(ctx context.Context, n int) ([]ledger.Standing, error) {
	return e.ledger.Leaderboard(ctx, n)
}

// Standing returns the leaderboard position of one subject.
func (e *Engine) Standing(ctx context.Context, subjectID string) (ledger.Standing, error) {
	return e.ledger.Standing(ctx, subjectID)
}

// Process evaluates event against the subject's current entry, commits the
// resulting grants and dispatches the committed change. When no rule fires
// the returned change has no grants and nothing is dispatched. Observer
// failures are attached to the change and are not errors of Process.
//
// ctx bounds the call only until the first apply begins; from then on the
// pipeline runs to commit or failure.
func (e *Engine) Process(ctx context.Context, event model.Event) (model.CommittedChange, error) {
	if !e.ready.Load() {
		metrics.RecordEventProcessed(metrics.OutcomeNotReady)
		return model.CommittedChange{}, ErrNotReady
	}
	event, err := e.normalize(event)
	if err != nil {
		metrics.RecordEventProcessed(metrics.OutcomeInvalid)
		return model.CommittedChange{}, err
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordEventProcessed(metrics.OutcomeFailed)
		return model.CommittedChange{}, err
	}

	ev := e.eval.Load()
	runCtx := context.WithoutCancel(ctx)
	annotate := func(_ context.Context, c *model.CommittedChange) {
		c.Event = event
		c.EventName = event.Name
	}

	attempt := 0
	change, err := backoff.Retry(runCtx, func() (model.CommittedChange, error) {
		attempt++
		if attempt > 1 {
			metrics.RecordApplyRetry()
		}
		return e.attempt(runCtx, ev, event, annotate)
	}, backoff.WithBackOff(e.backoff()), backoff.WithMaxTries(e.maxRetries+1))

	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrConcurrentModification):
		metrics.RecordEventProcessed(metrics.OutcomeFailed)
		e.log.Warn(ctx, "giving up after conflicting applies",
			logger.String("subject", event.SubjectID),
			logger.Int("attempts", attempt),
		)
		return model.CommittedChange{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	default:
		metrics.RecordEventProcessed(metrics.OutcomeFailed)
		return model.CommittedChange{}, err
	}

	if change.Empty() {
		metrics.RecordEventProcessed(metrics.OutcomeEmpty)
	} else {
		metrics.RecordEventProcessed(metrics.OutcomeCommitted)
	}
	return change, nil
}

// attempt runs one snapshot, evaluate and apply cycle. Only a version
// conflict is worth retrying.
func (e *Engine) attempt(ctx context.Context, ev *evaluator.Evaluator, event model.Event, annotate ledger.CommitHook) (model.CommittedChange, error) {
	snap, err := e.ledger.Read(ctx, event.SubjectID)
	if err != nil {
		return model.CommittedChange{}, backoff.Permanent(err)
	}

	delta, err := ev.Evaluate(ctx, event, snap)
	if err != nil {
		return model.CommittedChange{}, backoff.Permanent(fmt.Errorf("evaluate: %w", err))
	}
	if delta.Empty() {
		return e.unchanged(event, snap), nil
	}

	change, err := e.ledger.Apply(ctx, event.SubjectID, delta, annotate, e.dispatcher.Hook)
	if err != nil {
		if errors.Is(err, ledger.ErrConcurrentModification) {
			return model.CommittedChange{}, err
		}
		return model.CommittedChange{}, backoff.Permanent(err)
	}
	if change.Empty() {
		annotate(ctx, &change)
	}
	return change, nil
}

func (e *Engine) unchanged(event model.Event, snap model.Entry) model.CommittedChange { //nolint:gocritic // hugeParam: snapshot is a value
	return model.CommittedChange{
		SubjectID:    event.SubjectID,
		Event:        event,
		EventName:    event.Name,
		PointsBefore: snap.Points,
		PointsAfter:  snap.Points,
		CurrentRank:  snap.Rank,
		Version:      snap.Version,
		Dispatch:     model.DispatchNone,
	}
}

func (e *Engine) normalize(event model.Event) (model.Event, error) {
	event.Name = strings.TrimSpace(event.Name)
	event.SubjectID = strings.TrimSpace(event.SubjectID)
	if event.Name == "" {
		return event, fmt.Errorf("%w: name is required", ErrInvalidEvent)
	}
	if event.SubjectID == "" {
		return event, fmt.Errorf("%w: subject_id is required", ErrInvalidEvent)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	return event.Clone(), nil
}
