package model

import "time"

// DispatchStatus describes how a committed change reached the observers.
type DispatchStatus string

// Dispatch statuses.
const (
	DispatchNone      DispatchStatus = "none"      // nothing committed, nothing sent
	DispatchDelivered DispatchStatus = "delivered" // observers ran synchronously
	DispatchQueued    DispatchStatus = "queued"    // handed to an async lane
	DispatchFailed    DispatchStatus = "failed"    // could not be handed to a lane
)

// RankTransition is present on a change when the subject's rank moved.
type RankTransition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ObserverFailure summarises one observer that failed to handle a change.
type ObserverFailure struct {
	Observer string `json:"observer"`
	Message  string `json:"message"`
}

// CommittedChange is the result of processing one event. When nothing fired
// it carries no grants and Dispatch is DispatchNone.
type CommittedChange struct {
	ID             string            `json:"id,omitempty"`
	SubjectID      string            `json:"subject_id"`
	Event          Event             `json:"-"`
	EventName      string            `json:"event"`
	Points         []PointGrant      `json:"points,omitempty"`
	Badges         []BadgeGrant      `json:"badges,omitempty"`
	PointsBefore   int64             `json:"points_before"`
	PointsAfter    int64             `json:"points_after"`
	Rank           *RankTransition   `json:"rank,omitempty"`
	CurrentRank    string            `json:"current_rank"`
	Version        uint64            `json:"version"`
	CommittedAt    time.Time         `json:"committed_at,omitempty"`
	Dispatch       DispatchStatus    `json:"dispatch"`
	ObserverErrors []ObserverFailure `json:"observer_errors,omitempty"`
}

// Empty reports whether the change carries no grants.
func (c CommittedChange) Empty() bool {
	return len(c.Points) == 0 && len(c.Badges) == 0
}

// Clone returns a deep copy of the change.
func (c CommittedChange) Clone() CommittedChange {
	out := c
	out.Event = c.Event.Clone()
	if c.Points != nil {
		out.Points = append([]PointGrant(nil), c.Points...)
	}
	if c.Badges != nil {
		out.Badges = append([]BadgeGrant(nil), c.Badges...)
	}
	if c.Rank != nil {
		r := *c.Rank
		out.Rank = &r
	}
	if c.ObserverErrors != nil {
		out.ObserverErrors = append([]ObserverFailure(nil), c.ObserverErrors...)
	}
	return out
}
