package engine

import "errors"

// Sentinel errors for the engine.
var (
	ErrNotReady         = errors.New("engine not ready")
	ErrRulesNotLoaded   = errors.New("rules not loaded")
	ErrAlreadyReady     = errors.New("engine already ready")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrRetriesExhausted = errors.New("apply retries exhausted")
)
