package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rank"
)

// File is a compiled rules document: rule declarations plus the rank ladder.
//
// Example:
//
//	point_rules:
//	  - name: login
//	    events: [login]
//	    score: 1
//	  - name: long-comment
//	    events: [comment.created]
//	    score_from: words
//	    multiplier: 2
//	    when:
//	      where: {lang: en}
//	badge_rules:
//	  - name: veteran
//	    events: ["*"]
//	    tiers:
//	      - {threshold: 5}
//	      - {threshold: 50}
//	ranks:
//	  - {name: bronze, min_points: 10}
type File struct {
	Declarations []Declaration
	Ranks        []rank.Threshold
}

type conditionSpec struct {
	Where         map[string]string `koanf:"where"`
	MinPoints     *int64            `koanf:"min_points"`
	MaxPoints     *int64            `koanf:"max_points"`
	RequiresBadge string            `koanf:"requires_badge"`
	LacksBadge    string            `koanf:"lacks_badge"`
}

type pointRuleSpec struct {
	Name           string        `koanf:"name"`
	Description    string        `koanf:"description"`
	Events         []string      `koanf:"events"`
	Category       string        `koanf:"category"`
	Score          int64         `koanf:"score"`
	ScoreFrom      string        `koanf:"score_from"`
	Multiplier     int64         `koanf:"multiplier"`
	AllowDeduction bool          `koanf:"allow_deduction"`
	When           conditionSpec `koanf:"when"`
}

type tierSpec struct {
	Level     int   `koanf:"level"`
	Threshold int64 `koanf:"threshold"`
}

type badgeRuleSpec struct {
	Name        string        `koanf:"name"`
	Description string        `koanf:"description"`
	Events      []string      `koanf:"events"`
	Metric      string        `koanf:"metric"`
	Tiers       []tierSpec    `koanf:"tiers"`
	When        conditionSpec `koanf:"when"`
}

// LoadFile reads a YAML rules document and compiles it into declarations.
// The returned declarations still have to go through Load.
func LoadFile(path string) (*File, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	conf := koanf.UnmarshalConf{Tag: "koanf"}
	var (
		points []pointRuleSpec
		badges []badgeRuleSpec
		ranks  []rank.Threshold
	)
	if err := k.UnmarshalWithConf("point_rules", &points, conf); err != nil {
		return nil, fmt.Errorf("decode point_rules: %w", err)
	}
	if err := k.UnmarshalWithConf("badge_rules", &badges, conf); err != nil {
		return nil, fmt.Errorf("decode badge_rules: %w", err)
	}
	if err := k.UnmarshalWithConf("ranks", &ranks, conf); err != nil {
		return nil, fmt.Errorf("decode ranks: %w", err)
	}

	out := &File{Ranks: ranks}
	var errs []error
	for _, p := range points {
		d, err := p.compile()
		if err != nil {
			errs = append(errs, &LoadError{Rule: p.Name, Category: CategoryPoint, Err: err})
			continue
		}
		out.Declarations = append(out.Declarations, d)
	}
	for _, b := range badges {
		d, err := b.compile()
		if err != nil {
			errs = append(errs, &LoadError{Rule: b.Name, Category: CategoryBadge, Err: err})
			continue
		}
		out.Declarations = append(out.Declarations, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (p pointRuleSpec) compile() (Declaration, error) {
	pred, err := p.When.compile()
	if err != nil {
		return Declaration{}, err
	}
	d := Declaration{
		Name:           p.Name,
		Category:       CategoryPoint,
		Description:    p.Description,
		AppliesTo:      p.Events,
		Predicate:      pred,
		AllowDeduction: p.AllowDeduction,
		PointCategory:  p.Category,
	}
	if p.ScoreFrom == "" {
		d.Score = p.Score
		return d, nil
	}
	if p.Score != 0 {
		return Declaration{}, fmt.Errorf("score and score_from are exclusive: %w", ErrInvalidDeclaration)
	}
	key, mult := p.ScoreFrom, p.Multiplier
	if mult == 0 {
		mult = 1
	}
	d.ScoreFunc = func(ev model.Event) (int64, error) {
		n, err := ev.AttrInt64(key)
		if err != nil {
			return 0, err
		}
		return n * mult, nil
	}
	return d, nil
}

func (b badgeRuleSpec) compile() (Declaration, error) {
	pred, err := b.When.compile()
	if err != nil {
		return Declaration{}, err
	}
	metric, err := compileMetric(b.Metric)
	if err != nil {
		return Declaration{}, err
	}
	tiers := make([]Tier, len(b.Tiers))
	for i, t := range b.Tiers {
		tiers[i] = Tier{Level: t.Level, Threshold: t.Threshold}
	}
	return Declaration{
		Name:        b.Name,
		Category:    CategoryBadge,
		Description: b.Description,
		AppliesTo:   b.Events,
		Predicate:   pred,
		Tiers:       tiers,
		Metric:      metric,
	}, nil
}

// compileMetric understands "points" (default), "badges", "grants:<rule>"
// and "payload:<key>".
func compileMetric(spec string) (MetricFunc, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch kind {
	case "", "points":
		return nil, nil
	case "badges":
		return func(_ model.Event, s model.Entry) int64 { return int64(len(s.Badges)) }, nil
	case "grants":
		if arg == "" {
			return nil, fmt.Errorf("metric %q needs a rule name: %w", spec, ErrInvalidDeclaration)
		}
		return func(_ model.Event, s model.Entry) int64 { return s.GrantCount(arg) }, nil
	case "payload":
		if arg == "" {
			return nil, fmt.Errorf("metric %q needs a payload key: %w", spec, ErrInvalidDeclaration)
		}
		return func(ev model.Event, _ model.Entry) int64 {
			n, err := ev.AttrInt64(arg)
			if err != nil {
				return 0
			}
			return n
		}, nil
	default:
		return nil, fmt.Errorf("unknown metric %q: %w", spec, ErrInvalidDeclaration)
	}
}

func (c conditionSpec) compile() (Predicate, error) {
	var checks []Predicate

	for key, want := range c.Where {
		key, want := key, want
		checks = append(checks, func(ev model.Event, _ model.Entry) bool {
			got, ok := ev.AttrString(key)
			return ok && got == want
		})
	}
	if c.MinPoints != nil {
		min := *c.MinPoints
		checks = append(checks, func(_ model.Event, s model.Entry) bool { return s.Points >= min })
	}
	if c.MaxPoints != nil {
		max := *c.MaxPoints
		checks = append(checks, func(_ model.Event, s model.Entry) bool { return s.Points <= max })
	}
	if c.RequiresBadge != "" {
		has, err := badgeCheck(c.RequiresBadge)
		if err != nil {
			return nil, err
		}
		checks = append(checks, has)
	}
	if c.LacksBadge != "" {
		has, err := badgeCheck(c.LacksBadge)
		if err != nil {
			return nil, err
		}
		checks = append(checks, func(ev model.Event, s model.Entry) bool { return !has(ev, s) })
	}

	if len(checks) == 0 {
		return nil, nil
	}
	return func(ev model.Event, s model.Entry) bool {
		for _, check := range checks {
			if !check(ev, s) {
				return false
			}
		}
		return true
	}, nil
}

// badgeCheck parses "name" (any tier) or "name:level".
func badgeCheck(spec string) (Predicate, error) {
	name, lvl, hasLevel := strings.Cut(spec, ":")
	if name == "" {
		return nil, fmt.Errorf("badge condition %q: %w", spec, ErrInvalidDeclaration)
	}
	if !hasLevel {
		return func(_ model.Event, s model.Entry) bool { return s.HighestLevel(name) > 0 }, nil
	}
	level, err := strconv.Atoi(lvl)
	if err != nil || level <= 0 {
		return nil, fmt.Errorf("badge condition %q: bad level: %w", spec, ErrInvalidDeclaration)
	}
	key := model.BadgeKey{Name: name, Level: level}
	return func(_ model.Event, s model.Entry) bool { return s.HasBadge(key) }, nil
}

// Build loads the declarations into a RuleSet and the thresholds into a rank
// table. Rule and rank problems are reported together.
func (f *File) Build() (*RuleSet, *rank.Table, error) {
	rs, ruleErr := Load(f.Declarations)
	ranks, rankErr := rank.New(f.Ranks)
	if err := errors.Join(ruleErr, rankErr); err != nil {
		return nil, nil, err
	}
	return rs, ranks, nil
}
