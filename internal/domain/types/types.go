// Package types contains the read and write shapes exchanged over the API.
package types

import (
	"errors"
	"strings"
	"time"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rules"
)

// Validation errors for EventRequest.
var (
	ErrMissingName      = errors.New("missing name")
	ErrMissingSubjectID = errors.New("missing subject_id")
	ErrInvalidTimestamp = errors.New("invalid occurred_at; must be RFC3339")
)

// EventRequest is the body of POST /events.
type EventRequest struct {
	EventID    string         `json:"event_id,omitempty"`
	Name       string         `json:"name"`
	SubjectID  string         `json:"subject_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt string         `json:"occurred_at,omitempty"`
}

// Validate checks the required fields.
func (r EventRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return ErrMissingName
	case strings.TrimSpace(r.SubjectID) == "":
		return ErrMissingSubjectID
	}
	if r.OccurredAt != "" {
		if _, err := time.Parse(time.RFC3339, r.OccurredAt); err != nil {
			return ErrInvalidTimestamp
		}
	}
	return nil
}

// Event converts a validated request into a domain event.
func (r EventRequest) Event() model.Event {
	e := model.Event{
		ID:        strings.TrimSpace(r.EventID),
		Name:      strings.TrimSpace(r.Name),
		SubjectID: strings.TrimSpace(r.SubjectID),
		Payload:   r.Payload,
	}
	if ts, err := time.Parse(time.RFC3339, r.OccurredAt); err == nil {
		e.OccurredAt = ts
	}
	return e
}

// EventResponse is returned by POST /events.
type EventResponse struct {
	Status    string                 `json:"status"`
	Duplicate bool                   `json:"duplicate"`
	Change    *model.CommittedChange `json:"change,omitempty"`
}

// Event statuses.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
)

// NextRank tells a subject how far the next rank is.
type NextRank struct {
	Name         string `json:"name"`
	MinPoints    int64  `json:"min_points"`
	PointsNeeded int64  `json:"points_needed"`
}

// Subject is the read shape of one subject's reputation.
type Subject struct {
	SubjectID string           `json:"subject_id"`
	Points    int64            `json:"points"`
	Rank      string           `json:"rank"`
	NextRank  *NextRank        `json:"next_rank,omitempty"`
	Position  int              `json:"position,omitempty"`
	Badges    []model.BadgeKey `json:"badges"`
	Version   uint64           `json:"version"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

// LeaderboardEntry is one row of GET /leaderboard.
type LeaderboardEntry struct {
	Position  int    `json:"position"`
	SubjectID string `json:"subject_id"`
	Points    int64  `json:"points"`
	Rank      string `json:"rank"`
	Badges    int    `json:"badges"`
}

// Rule describes a loaded rule.
type Rule struct {
	Name           string       `json:"name"`
	Category       string       `json:"category"`
	Description    string       `json:"description,omitempty"`
	Events         []string     `json:"events"`
	PointCategory  string       `json:"point_category,omitempty"`
	AllowDeduction bool         `json:"allow_deduction,omitempty"`
	Tiers          []rules.Tier `json:"tiers,omitempty"`
}

// FromRule builds the read shape of r.
func FromRule(r rules.Rule) Rule {
	out := Rule{
		Name:        r.RuleName(),
		Category:    string(r.Kind()),
		Description: r.Description(),
		Events:      r.Events(),
	}
	switch rule := r.(type) {
	case *rules.PointRule:
		out.PointCategory = rule.PointCategory()
		out.AllowDeduction = rule.AllowsDeduction()
	case *rules.BadgeRule:
		out.Tiers = rule.Tiers()
	}
	return out
}

// FromRuleSet lists every rule of rs in declaration order.
func FromRuleSet(rs *rules.RuleSet) []Rule {
	list := rs.Rules()
	out := make([]Rule, len(list))
	for i, r := range list {
		out[i] = FromRule(r)
	}
	return out
}
