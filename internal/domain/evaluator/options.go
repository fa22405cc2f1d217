package evaluator

import (
	"time"

	"github.com/okian/kudos/pkg/logger"
)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger used for skipped rules.
func WithLogger(l logger.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the grant timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}
