package evaluator

import "errors"

// Sentinel errors for the evaluator.
var (
	ErrNoRuleSet           = errors.New("evaluator requires a rule set")
	ErrRulePanic           = errors.New("rule panicked")
	ErrUnexpectedDeduction = errors.New("negative score from a rule that does not allow deductions")
)
