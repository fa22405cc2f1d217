package rank

import "errors"

// Sentinel kinds for rank table errors.
var (
	ErrInvalidThreshold = errors.New("invalid rank threshold")
)
