package model

import (
	"sort"
	"time"
)

// Unranked is the rank of a subject whose points are below the smallest
// rank threshold.
const Unranked = "unranked"

// PointGrant records points awarded (or deducted) by a single rule.
type PointGrant struct {
	Rule      string    `json:"rule"`
	Amount    int64     `json:"amount"`
	Category  string    `json:"category,omitempty"`
	EventName string    `json:"event"`
	EventID   string    `json:"event_id,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// BadgeKey identifies one tier of a badge.
type BadgeKey struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Less orders badge keys by name, then level.
func (k BadgeKey) Less(o BadgeKey) bool {
	if k.Name != o.Name {
		return k.Name < o.Name
	}
	return k.Level < o.Level
}

// BadgeGrant records a badge tier awarded by a rule.
type BadgeGrant struct {
	BadgeKey
	Rule      string    `json:"rule"`
	EventName string    `json:"event"`
	EventID   string    `json:"event_id,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// Entry is the per-subject ledger aggregate. Values handed out by the ledger
// are snapshots: callers may read them freely but mutations never reach the
// ledger.
type Entry struct {
	SubjectID string       `json:"subject_id"`
	Points    int64        `json:"points"`
	Grants    []PointGrant `json:"grants,omitempty"`
	Badges    []BadgeKey   `json:"badges"`
	Rank      string       `json:"rank"`
	Version   uint64       `json:"version"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// HasBadge reports whether the given badge tier was granted.
func (e Entry) HasBadge(k BadgeKey) bool {
	i := sort.Search(len(e.Badges), func(i int) bool { return !e.Badges[i].Less(k) })
	return i < len(e.Badges) && e.Badges[i] == k
}

// HighestLevel returns the highest granted tier of the named badge, or 0.
func (e Entry) HighestLevel(name string) int {
	lvl := 0
	for _, b := range e.Badges {
		if b.Name == name && b.Level > lvl {
			lvl = b.Level
		}
	}
	return lvl
}

// GrantCount counts point grants produced by the named rule.
func (e Entry) GrantCount(rule string) int64 {
	var n int64
	for _, g := range e.Grants {
		if g.Rule == rule {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	if e.Grants != nil {
		out.Grants = append([]PointGrant(nil), e.Grants...)
	}
	if e.Badges != nil {
		out.Badges = append([]BadgeKey(nil), e.Badges...)
	}
	return out
}

// AddBadge inserts k keeping Badges sorted. It returns false when k was
// already present.
func (e *Entry) AddBadge(k BadgeKey) bool {
	i := sort.Search(len(e.Badges), func(i int) bool { return !e.Badges[i].Less(k) })
	if i < len(e.Badges) && e.Badges[i] == k {
		return false
	}
	e.Badges = append(e.Badges, BadgeKey{})
	copy(e.Badges[i+1:], e.Badges[i:])
	e.Badges[i] = k
	return true
}

// Delta is the outcome of one evaluation pass: grants to apply atomically to
// one subject. BaseVersion is the version of the snapshot the delta was
// computed against.
type Delta struct {
	SubjectID   string       `json:"subject_id"`
	BaseVersion uint64       `json:"base_version"`
	Points      []PointGrant `json:"points,omitempty"`
	Badges      []BadgeGrant `json:"badges,omitempty"`
}

// Empty reports whether the delta carries no grants.
func (d Delta) Empty() bool {
	return len(d.Points) == 0 && len(d.Badges) == 0
}

// PointTotal sums the point grants of the delta.
func (d Delta) PointTotal() int64 {
	var sum int64
	for _, p := range d.Points {
		sum += p.Amount
	}
	return sum
}
