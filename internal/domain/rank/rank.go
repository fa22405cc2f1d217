// Package rank maps cumulative points to rank names.
package rank

import (
	"fmt"
	"sort"
	"strings"

	"github.com/okian/kudos/internal/domain/model"
)

// Unranked is returned for point totals below the smallest threshold.
const Unranked = model.Unranked

// Threshold is the minimum number of points required to hold a rank.
type Threshold struct {
	MinPoints int64  `koanf:"min_points" json:"min_points"`
	Name      string `koanf:"name" json:"name"`
}

// Table is an immutable, ordered set of thresholds. The zero value and a nil
// *Table rank every total as Unranked.
type Table struct {
	thresholds []Threshold
}

// New validates thresholds and builds a table.
func New(thresholds []Threshold) (*Table, error) {
	if err := Validate(thresholds); err != nil {
		return nil, err
	}
	return &Table{thresholds: append([]Threshold(nil), thresholds...)}, nil
}

// MustNew is New for statically known tables; it panics on invalid input.
func MustNew(thresholds []Threshold) *Table {
	t, err := New(thresholds)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate checks that minimum points strictly increase and that every rank
// has a unique, non-empty name distinct from Unranked.
func Validate(thresholds []Threshold) error {
	seen := make(map[string]struct{}, len(thresholds))
	for i, th := range thresholds {
		name := strings.TrimSpace(th.Name)
		switch {
		case name == "":
			return fmt.Errorf("threshold %d: empty name: %w", i, ErrInvalidThreshold)
		case name == Unranked:
			return fmt.Errorf("threshold %d: name %q is reserved: %w", i, Unranked, ErrInvalidThreshold)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("threshold %d: duplicate name %q: %w", i, name, ErrInvalidThreshold)
		}
		seen[name] = struct{}{}
		if i > 0 && th.MinPoints <= thresholds[i-1].MinPoints {
			return fmt.Errorf("threshold %q (%d) must exceed %q (%d): %w",
				th.Name, th.MinPoints, thresholds[i-1].Name, thresholds[i-1].MinPoints, ErrInvalidThreshold)
		}
	}
	return nil
}

// RankFor returns the name of the greatest threshold whose minimum is at most
// points, or Unranked.
func (t *Table) RankFor(points int64) string {
	if t == nil {
		return Unranked
	}
	// First threshold strictly above points; the one before it holds.
	i := sort.Search(len(t.thresholds), func(i int) bool { return t.thresholds[i].MinPoints > points })
	if i == 0 {
		return Unranked
	}
	return t.thresholds[i-1].Name
}

// Next returns the first threshold strictly above points.
func (t *Table) Next(points int64) (Threshold, bool) {
	if t == nil {
		return Threshold{}, false
	}
	i := sort.Search(len(t.thresholds), func(i int) bool { return t.thresholds[i].MinPoints > points })
	if i == len(t.thresholds) {
		return Threshold{}, false
	}
	return t.thresholds[i], true
}

// Thresholds returns a copy of the table's thresholds in ascending order.
func (t *Table) Thresholds() []Threshold {
	if t == nil {
		return nil
	}
	return append([]Threshold(nil), t.thresholds...)
}

// Len returns the number of thresholds.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.thresholds)
}
