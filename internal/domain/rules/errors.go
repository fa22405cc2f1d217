package rules

import (
	"errors"
	"fmt"
)

// Sentinel kinds for rule loading and lookup errors.
var (
	ErrDuplicateRuleName  = errors.New("duplicate rule name")
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrInvalidDeclaration = errors.New("invalid rule declaration")
	ErrBadgeNotFound      = errors.New("badge not found")
)

// LoadError reports a declaration that could not be loaded. The RuleSet is
// never built when any LoadError occurs.
type LoadError struct {
	Rule     string
	Category Category
	Err      error
}

func (e *LoadError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("rule %q: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("%s rule %q: %v", e.Category, e.Rule, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
