package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/okian/kudos/internal/domain/evaluator"
	"github.com/okian/kudos/pkg/logger"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMaxRetries bounds how many times a conflicting apply is re-evaluated.
func WithMaxRetries(n uint) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithRetryBackOff replaces the schedule between conflicting applies.
func WithRetryBackOff(fn func() backoff.BackOff) Option {
	return func(e *Engine) {
		if fn != nil {
			e.backoff = fn
		}
	}
}

// WithClock sets the clock used for event timestamps and grants.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvaluatorOptions passes options to the evaluator built by Load.
func WithEvaluatorOptions(opts ...evaluator.Option) Option {
	return func(e *Engine) {
		e.evalOpts = append(e.evalOpts, opts...)
	}
}
