// Package evaluator turns an event and a subject snapshot into a Delta by
// running the matching rules of a RuleSet.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/pkg/logger"
	"github.com/okian/kudos/pkg/metrics"
)

// Evaluator is a pure function of (event, snapshot, RuleSet). It holds no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	rules *rules.RuleSet
	log   logger.Logger
	now   func() time.Time
}

// New creates an Evaluator over rs.
func New(rs *rules.RuleSet, opts ...Option) (*Evaluator, error) {
	if rs == nil {
		return nil, ErrNoRuleSet
	}
	e := &Evaluator{
		rules: rs,
		log:   logger.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RuleSet returns the rules the evaluator runs.
func (e *Evaluator) RuleSet() *rules.RuleSet { return e.rules }

// Evaluate runs every candidate rule for event.Name in declaration order.
// Badge rules see the snapshot merged with the grants produced earlier in the
// same pass. A failing rule is logged and skipped; an error wrapping
// rules.ErrInvalidDeclaration aborts the pass. No rule firing yields an empty
// Delta and no error.
func (e *Evaluator) Evaluate(ctx context.Context, event model.Event, snapshot model.Entry) (model.Delta, error) {
	if err := ctx.Err(); err != nil {
		return model.Delta{}, err
	}

	start := time.Now()
	defer func() {
		metrics.RecordEvaluationLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	delta := model.Delta{SubjectID: event.SubjectID, BaseVersion: snapshot.Version}
	working := snapshot.Clone()
	at := e.now()

	for _, r := range e.rules.RulesFor(event.Name) {
		switch rule := r.(type) {
		case *rules.PointRule:
			grant, ok, err := e.evalPoint(ctx, rule, event, working)
			if err != nil {
				return model.Delta{}, err
			}
			if !ok {
				continue
			}
			grant.GrantedAt = at
			delta.Points = append(delta.Points, grant)
			working.Points += grant.Amount
			working.Grants = append(working.Grants, grant)
			metrics.RecordRuleFired(rule.RuleName(), string(rules.CategoryPoint))

		case *rules.BadgeRule:
			grant, ok := e.evalBadge(ctx, rule, event, working)
			if !ok {
				continue
			}
			grant.GrantedAt = at
			delta.Badges = append(delta.Badges, grant)
			working.AddBadge(grant.BadgeKey)
			metrics.RecordRuleFired(rule.RuleName(), string(rules.CategoryBadge))
		}
	}

	return delta, nil
}

func (e *Evaluator) evalPoint(ctx context.Context, rule *rules.PointRule, event model.Event, working model.Entry) (model.PointGrant, bool, error) {
	var applies bool
	if err := guard(func() { applies = rule.Applies(event, working) }); err != nil {
		e.ruleFailed(ctx, rule, event, "predicate", err)
		return model.PointGrant{}, false, nil
	}
	if !applies {
		return model.PointGrant{}, false, nil
	}

	var (
		amount   int64
		scoreErr error
	)
	if err := guard(func() { amount, scoreErr = rule.Score(event) }); err != nil {
		e.ruleFailed(ctx, rule, event, "score", err)
		return model.PointGrant{}, false, nil
	}
	if scoreErr != nil {
		if errors.Is(scoreErr, rules.ErrInvalidDeclaration) {
			return model.PointGrant{}, false, fmt.Errorf("point rule %q: %w", rule.RuleName(), scoreErr)
		}
		e.ruleFailed(ctx, rule, event, "score", scoreErr)
		return model.PointGrant{}, false, nil
	}
	if amount < 0 && !rule.AllowsDeduction() {
		e.ruleFailed(ctx, rule, event, "score", fmt.Errorf("%w: %d", ErrUnexpectedDeduction, amount))
		return model.PointGrant{}, false, nil
	}
	if amount == 0 {
		return model.PointGrant{}, false, nil
	}

	return model.PointGrant{
		Rule:      rule.RuleName(),
		Amount:    amount,
		Category:  rule.PointCategory(),
		EventName: event.Name,
		EventID:   event.ID,
	}, true, nil
}

func (e *Evaluator) evalBadge(ctx context.Context, rule *rules.BadgeRule, event model.Event, working model.Entry) (model.BadgeGrant, bool) {
	var applies bool
	if err := guard(func() { applies = rule.Applies(event, working) }); err != nil {
		e.ruleFailed(ctx, rule, event, "predicate", err)
		return model.BadgeGrant{}, false
	}
	if !applies {
		return model.BadgeGrant{}, false
	}

	var metric int64
	if err := guard(func() { metric = rule.Measure(event, working) }); err != nil {
		e.ruleFailed(ctx, rule, event, "metric", err)
		return model.BadgeGrant{}, false
	}

	tier, ok := rule.NextTier(working, metric)
	if !ok {
		return model.BadgeGrant{}, false
	}
	return model.BadgeGrant{
		BadgeKey:  model.BadgeKey{Name: rule.RuleName(), Level: tier.Level},
		Rule:      rule.RuleName(),
		EventName: event.Name,
		EventID:   event.ID,
	}, true
}

func (e *Evaluator) ruleFailed(ctx context.Context, rule rules.Rule, event model.Event, stage string, err error) {
	metrics.RecordRuleError(rule.RuleName())
	e.log.Warn(ctx, "rule skipped",
		logger.String("rule", rule.RuleName()),
		logger.String("category", string(rule.Kind())),
		logger.String("stage", stage),
		logger.String("event", event.Name),
		logger.String("subject", event.SubjectID),
		logger.Error(err),
	)
}

// guard runs fn and converts a panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRulePanic, r)
		}
	}()
	fn()
	return nil
}
