package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for dispatch.
var (
	ErrObserverPanic = errors.New("observer panicked")
	ErrNilObserver   = errors.New("nil observer")
	ErrClosed        = errors.New("dispatcher closed")
)

// ObserverError records one observer that failed to handle a change.
type ObserverError struct {
	Observer string
	Err      error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer %s: %v", e.Observer, e.Err)
}

func (e *ObserverError) Unwrap() error { return e.Err }

// BatchError collects every observer failure of one notification.
type BatchError struct {
	Failures []ObserverError
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Failures))
	for i := range e.Failures {
		parts[i] = e.Failures[i].Error()
	}
	return fmt.Sprintf("%d observer(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i := range e.Failures {
		out[i] = &e.Failures[i]
	}
	return out
}
