// Package ledger owns per-subject reputation state: it applies evaluator
// deltas atomically per subject and serves point-in-time reads.
package ledger

import (
	"context"

	"github.com/okian/kudos/internal/domain/model"
)

// Commit is one atomic write to a Store. Entry is the full state after the
// write; Points and Badges are the grants it adds.
type Commit struct {
	SubjectID   string
	BaseVersion uint64
	Entry       model.Entry
	Points      []model.PointGrant
	Badges      []model.BadgeGrant
}

// Standing is a leaderboard row. Subjects with equal points share a
// Position.
type Standing struct {
	Position  int    `json:"position"`
	SubjectID string `json:"subject_id"`
	Points    int64  `json:"points"`
	Rank      string `json:"rank"`
	Badges    int    `json:"badges"`
}

// Store is the persistence boundary of the ledger.
type Store interface {
	// Load returns the subject's entry. Unknown subjects yield a zero entry
	// with version 0 and no error.
	Load(ctx context.Context, subjectID string) (model.Entry, error)

	// Commit writes c if the stored version still equals c.BaseVersion and
	// returns ErrConcurrentModification otherwise. Badge grants must be
	// unique per (subject, name, level) in durable storage.
	Commit(ctx context.Context, c Commit) error

	// TopN returns the n best subjects by points desc, subject id asc.
	TopN(ctx context.Context, n int) ([]Standing, error)

	// Standing returns the leaderboard row of one subject or ErrNotFound.
	Standing(ctx context.Context, subjectID string) (Standing, error)

	// Count returns the number of subjects with an entry.
	Count(ctx context.Context) (int, error)
}
