package observers

import "errors"

// Sentinel errors for the built-in observers.
var (
	ErrEmptyURL       = errors.New("webhook url is empty")
	ErrWebhookStatus  = errors.New("webhook returned non-success status")
	ErrInvalidHistory = errors.New("activity history size must be positive")
)
