package ledger

import "errors"

// Sentinel kinds for ledger errors.
var (
	ErrConcurrentModification = errors.New("ledger entry changed since the delta was computed")
	ErrInvalidSubject         = errors.New("invalid subject id")
	ErrSubjectMismatch        = errors.New("delta belongs to another subject")
	ErrNotFound               = errors.New("subject not found")
	ErrInvalidLimit           = errors.New("invalid leaderboard limit")
)
