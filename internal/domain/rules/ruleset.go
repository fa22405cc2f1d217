package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/okian/kudos/internal/domain/model"
)

// Declaration is the configuration-time description of one rule. Point
// declarations use Score or ScoreFunc; badge declarations use Tiers and an
// optional Metric.
type Declaration struct {
	Name        string
	Category    Category
	Description string

	// AppliesTo lists the event names the rule listens to; AnyEvent matches all.
	AppliesTo []string
	Predicate Predicate

	// Point rules.
	Score          int64
	ScoreFunc      ScoreFunc
	AllowDeduction bool
	PointCategory  string

	// Badge rules.
	Tiers  []Tier
	Metric MetricFunc
}

// RuleSet is the immutable collection of loaded rules. It is safe for
// concurrent use.
type RuleSet struct {
	rules    []Rule
	index    map[string][]Rule
	wildcard []Rule
	badges   map[string]*BadgeRule
	points   map[string]*PointRule
}

// Load validates declarations and builds the event-name index. Every invalid
// declaration is reported; the returned error joins one *LoadError per
// problem.
func Load(decls []Declaration) (*RuleSet, error) {
	rs := &RuleSet{
		index:  make(map[string][]Rule),
		badges: make(map[string]*BadgeRule),
		points: make(map[string]*PointRule),
	}

	var errs []error
	for i := range decls {
		r, err := build(i, &decls[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch rule := r.(type) {
		case *PointRule:
			if _, dup := rs.points[rule.name]; dup {
				errs = append(errs, &LoadError{Rule: rule.name, Category: CategoryPoint, Err: ErrDuplicateRuleName})
				continue
			}
			rs.points[rule.name] = rule
		case *BadgeRule:
			if _, dup := rs.badges[rule.name]; dup {
				errs = append(errs, &LoadError{Rule: rule.name, Category: CategoryBadge, Err: ErrDuplicateRuleName})
				continue
			}
			rs.badges[rule.name] = rule
		}
		rs.rules = append(rs.rules, r)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	rs.buildIndex()
	return rs, nil
}

// buildIndex resolves, once, the ordered candidate list for every declared
// event name. Names never declared fall back to the wildcard list.
func (rs *RuleSet) buildIndex() {
	names := make(map[string]struct{})
	for _, r := range rs.rules {
		for _, ev := range r.Events() {
			if ev == AnyEvent {
				rs.wildcard = append(rs.wildcard, r)
				continue
			}
			names[ev] = struct{}{}
		}
	}
	for name := range names {
		var list []Rule
		for _, r := range rs.rules {
			if matches(r, name) {
				list = append(list, r)
			}
		}
		rs.index[name] = list
	}
}

func matches(r Rule, eventName string) bool {
	for _, ev := range r.Events() {
		if ev == AnyEvent || ev == eventName {
			return true
		}
	}
	return false
}

// RulesFor returns, in declaration order, the rules that may fire for the
// named event.
func (rs *RuleSet) RulesFor(eventName string) []Rule {
	if rs == nil {
		return nil
	}
	if list, ok := rs.index[eventName]; ok {
		return append([]Rule(nil), list...)
	}
	return append([]Rule(nil), rs.wildcard...)
}

// Rules returns every rule in declaration order.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	return append([]Rule(nil), rs.rules...)
}

// Len returns the number of loaded rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// EventNames returns the explicitly indexed event names, sorted.
func (rs *RuleSet) EventNames() []string {
	if rs == nil {
		return nil
	}
	out := make([]string, 0, len(rs.index))
	for name := range rs.index {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Badge looks up a badge rule by name.
func (rs *RuleSet) Badge(name string) (*BadgeRule, error) {
	if rs != nil {
		if b, ok := rs.badges[name]; ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("badge %q: %w", name, ErrBadgeNotFound)
}

// PointRule looks up a point rule by name.
func (rs *RuleSet) PointRule(name string) (*PointRule, bool) {
	if rs == nil {
		return nil, false
	}
	r, ok := rs.points[name]
	return r, ok
}

func build(order int, d *Declaration) (Rule, error) {
	name := strings.TrimSpace(d.Name)
	fail := func(err error) (Rule, error) {
		return nil, &LoadError{Rule: name, Category: d.Category, Err: err}
	}
	if name == "" {
		return fail(fmt.Errorf("declaration %d has no name: %w", order, ErrInvalidDeclaration))
	}
	events, err := normalizeEvents(d.AppliesTo)
	if err != nil {
		return fail(err)
	}

	switch d.Category {
	case CategoryPoint:
		score, err := pointScore(d)
		if err != nil {
			return fail(err)
		}
		return &PointRule{
			name:           name,
			description:    d.Description,
			category:       d.PointCategory,
			events:         events,
			predicate:      d.Predicate,
			score:          score,
			allowDeduction: d.AllowDeduction,
			order:          order,
		}, nil
	case CategoryBadge:
		tiers, err := normalizeTiers(d.Tiers)
		if err != nil {
			return fail(err)
		}
		return &BadgeRule{
			name:        name,
			description: d.Description,
			events:      events,
			predicate:   d.Predicate,
			tiers:       tiers,
			metric:      d.Metric,
			order:       order,
		}, nil
	default:
		return fail(fmt.Errorf("unknown category %q: %w", d.Category, ErrInvalidDeclaration))
	}
}

func normalizeEvents(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, ev := range in {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			return nil, fmt.Errorf("empty event name: %w", ErrInvalidDeclaration)
		}
		if _, dup := seen[ev]; dup {
			continue
		}
		seen[ev] = struct{}{}
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("applies to no event: %w", ErrInvalidDeclaration)
	}
	return out, nil
}

func pointScore(d *Declaration) (ScoreFunc, error) {
	switch {
	case d.ScoreFunc != nil && d.Score != 0:
		return nil, fmt.Errorf("both score and score function set: %w", ErrInvalidDeclaration)
	case d.ScoreFunc != nil:
		return d.ScoreFunc, nil
	case d.Score == 0:
		return nil, fmt.Errorf("no score: %w", ErrInvalidDeclaration)
	case d.Score < 0 && !d.AllowDeduction:
		return nil, fmt.Errorf("negative score %d without deduction: %w", d.Score, ErrInvalidDeclaration)
	}
	fixed := d.Score
	return func(_ model.Event) (int64, error) { return fixed, nil }, nil
}

// normalizeTiers requires strictly increasing thresholds. Zero levels are
// numbered by position; explicit levels must strictly increase as well.
func normalizeTiers(in []Tier) ([]Tier, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("badge has no tiers: %w", ErrInvalidThreshold)
	}
	out := make([]Tier, len(in))
	for i, t := range in {
		if t.Level == 0 {
			t.Level = i + 1
		}
		if t.Level < 0 {
			return nil, fmt.Errorf("tier %d has negative level: %w", i, ErrInvalidThreshold)
		}
		if i > 0 {
			prev := out[i-1]
			if t.Threshold <= prev.Threshold {
				return nil, fmt.Errorf("tier %d threshold %d does not exceed %d: %w", t.Level, t.Threshold, prev.Threshold, ErrInvalidThreshold)
			}
			if t.Level <= prev.Level {
				return nil, fmt.Errorf("tier level %d does not exceed %d: %w", t.Level, prev.Level, ErrInvalidThreshold)
			}
		}
		out[i] = t
	}
	return out, nil
}
