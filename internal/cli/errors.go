package cli

import "errors"

var (
	ErrInvalidFormat = errors.New("invalid format")
	ErrInvalidRules  = errors.New("rules file is invalid")
	ErrBadEventLine  = errors.New("malformed event line")
	ErrNoEventNames  = errors.New("no event names to generate from")
	ErrSubmitFailed  = errors.New("some events failed")
)
