package redis

import "errors"

// Sentinel errors for the redis adapters.
var (
	ErrEmptyAddr    = errors.New("redis address is empty")
	ErrEmptyChannel = errors.New("redis channel is empty")
	ErrEmptyKey     = errors.New("redis key is empty")
)
