package dispatch

import (
	"time"

	"github.com/okian/kudos/pkg/logger"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithAsync switches the dispatcher to asynchronous lanes. Each lane is a
// bounded FIFO drained by exactly one worker.
func WithAsync(lanes, queueSize int) Option {
	return func(d *Dispatcher) {
		if lanes > 0 {
			d.laneCount = lanes
		}
		if queueSize > 0 {
			d.queueSize = queueSize
		}
	}
}

// WithEnqueueTimeout bounds how long a commit waits for room in a full
// lane. Zero waits as long as the caller's context allows.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.enqueueTimeout = d
		}
	}
}

// WithDeliveryTimeout bounds one asynchronous delivery of a change to all
// observers. Zero means no bound.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.deliveryTimeout = d
		}
	}
}
