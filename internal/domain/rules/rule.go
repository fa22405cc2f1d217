// Package rules defines point and badge rules and the immutable RuleSet that
// indexes them by event name.
package rules

import (
	"github.com/okian/kudos/internal/domain/model"
)

// Category distinguishes the two rule variants.
type Category string

// Rule categories.
const (
	CategoryPoint Category = "point"
	CategoryBadge Category = "badge"
)

// AnyEvent makes a rule apply to every event name.
const AnyEvent = "*"

// Predicate decides whether a rule applies to an event given the subject's
// current ledger snapshot. Predicates must be pure.
type Predicate func(event model.Event, snapshot model.Entry) bool

// ScoreFunc computes the points a rule awards for an event. It must be pure
// and deterministic.
type ScoreFunc func(event model.Event) (int64, error)

// MetricFunc measures the quantity badge tiers are compared against.
type MetricFunc func(event model.Event, snapshot model.Entry) int64

// Tier is one level of a badge. A tier is earned once the badge metric
// reaches Threshold.
type Tier struct {
	Level     int   `json:"level"`
	Threshold int64 `json:"threshold"`
}

// Rule is either a *PointRule or a *BadgeRule.
type Rule interface {
	RuleName() string
	Kind() Category
	Description() string
	Events() []string
	position() int
}

// PointRule awards (or, when allowed, deducts) points.
type PointRule struct {
	name           string
	description    string
	category       string
	events         []string
	predicate      Predicate
	score          ScoreFunc
	allowDeduction bool
	order          int
}

// RuleName returns the rule's unique name within the point category.
func (r *PointRule) RuleName() string { return r.name }

// Kind returns CategoryPoint.
func (r *PointRule) Kind() Category { return CategoryPoint }

// Description returns the human readable description.
func (r *PointRule) Description() string { return r.description }

// Events returns the event names the rule is indexed under.
func (r *PointRule) Events() []string { return append([]string(nil), r.events...) }

// PointCategory is the reporting bucket of the points awarded.
func (r *PointRule) PointCategory() string { return r.category }

// AllowsDeduction reports whether the rule may produce negative amounts.
func (r *PointRule) AllowsDeduction() bool { return r.allowDeduction }

// Applies runs the rule predicate. A rule without predicate always applies.
func (r *PointRule) Applies(event model.Event, snapshot model.Entry) bool {
	if r.predicate == nil {
		return true
	}
	return r.predicate(event, snapshot)
}

// Score runs the rule's score function.
func (r *PointRule) Score(event model.Event) (int64, error) {
	return r.score(event)
}

func (r *PointRule) position() int { return r.order }

// BadgeRule grants badge tiers based on the subject's ledger state.
type BadgeRule struct {
	name        string
	description string
	events      []string
	predicate   Predicate
	tiers       []Tier
	metric      MetricFunc
	order       int
}

// RuleName returns the badge name.
func (r *BadgeRule) RuleName() string { return r.name }

// Kind returns CategoryBadge.
func (r *BadgeRule) Kind() Category { return CategoryBadge }

// Description returns the human readable description.
func (r *BadgeRule) Description() string { return r.description }

// Events returns the event names the rule is indexed under.
func (r *BadgeRule) Events() []string { return append([]string(nil), r.events...) }

// Tiers returns the badge tiers in ascending order.
func (r *BadgeRule) Tiers() []Tier { return append([]Tier(nil), r.tiers...) }

// Applies runs the rule predicate. A rule without predicate always applies.
func (r *BadgeRule) Applies(event model.Event, snapshot model.Entry) bool {
	if r.predicate == nil {
		return true
	}
	return r.predicate(event, snapshot)
}

// Measure evaluates the badge metric; total points by default.
func (r *BadgeRule) Measure(event model.Event, snapshot model.Entry) int64 {
	if r.metric == nil {
		return snapshot.Points
	}
	return r.metric(event, snapshot)
}

// NextTier returns the lowest tier not yet granted to the snapshot's subject
// whose threshold is met by metric.
func (r *BadgeRule) NextTier(snapshot model.Entry, metric int64) (Tier, bool) {
	for _, t := range r.tiers {
		if snapshot.HasBadge(model.BadgeKey{Name: r.name, Level: t.Level}) {
			continue
		}
		if metric >= t.Threshold {
			return t, true
		}
		// Tiers ascend; nothing above an unmet threshold can be met.
		return Tier{}, false
	}
	return Tier{}, false
}

func (r *BadgeRule) position() int { return r.order }
