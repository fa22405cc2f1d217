package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rank"
	"github.com/okian/kudos/pkg/logger"
	"github.com/okian/kudos/pkg/metrics"
)

// CommitHook runs after a successful commit while the subject's exclusive
// section is still held, so hooks for one subject observe commit order. A
// hook may annotate the change (dispatch status, observer errors).
type CommitHook func(ctx context.Context, change *model.CommittedChange)

// Ledger applies deltas to a Store with per-subject serialization. Each
// subject gets its own section; unrelated subjects never wait on each other.
type Ledger struct {
	store Store
	ranks *rank.Table
	locks *subjectLocks
	log   logger.Logger
	now   func() time.Time
	newID func() string
}

// New creates a Ledger over store. A nil rank table ranks everyone as
// unranked.
func New(store Store, ranks *rank.Table, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		ranks: ranks,
		locks: newSubjectLocks(),
		log:   logger.Default(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ranks returns the rank table used on commit.
func (l *Ledger) Ranks() *rank.Table { return l.ranks }

// Apply commits delta for subjectID atomically. A delta computed against an
// older version fails with ErrConcurrentModification. Badge tiers the subject
// already holds are dropped silently. Hooks run after the commit, in order,
// before the subject's section is released.
func (l *Ledger) Apply(ctx context.Context, subjectID string, delta model.Delta, hooks ...CommitHook) (model.CommittedChange, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return model.CommittedChange{}, ErrInvalidSubject
	}
	if delta.SubjectID != "" && delta.SubjectID != subjectID {
		return model.CommittedChange{}, fmt.Errorf("%w: %q != %q", ErrSubjectMismatch, delta.SubjectID, subjectID)
	}

	start := time.Now()
	defer func() {
		metrics.RecordLedgerApplyLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	unlock := l.locks.lock(subjectID)
	defer unlock()

	cur, err := l.store.Load(ctx, subjectID)
	if err != nil {
		return model.CommittedChange{}, fmt.Errorf("load %s: %w", subjectID, err)
	}
	if cur.Version != delta.BaseVersion {
		metrics.RecordLedgerConflict()
		return model.CommittedChange{}, fmt.Errorf("%w: base %d, current %d", ErrConcurrentModification, delta.BaseVersion, cur.Version)
	}

	at := l.now()
	next := cur.Clone()
	next.SubjectID = subjectID

	points := append([]model.PointGrant(nil), delta.Points...)
	for _, g := range points {
		next.Points += g.Amount
		next.Grants = append(next.Grants, g)
	}

	var badges []model.BadgeGrant
	for _, b := range delta.Badges {
		if next.AddBadge(b.BadgeKey) {
			badges = append(badges, b)
		}
	}

	change := model.CommittedChange{
		SubjectID:    subjectID,
		PointsBefore: cur.Points,
		PointsAfter:  cur.Points,
		CurrentRank:  l.rankOf(cur),
		Version:      cur.Version,
		Dispatch:     model.DispatchNone,
	}
	if len(points) == 0 && len(badges) == 0 {
		return change, nil
	}

	next.Rank = l.ranks.RankFor(next.Points)
	next.Version = cur.Version + 1
	next.UpdatedAt = at

	err = l.store.Commit(ctx, Commit{
		SubjectID:   subjectID,
		BaseVersion: cur.Version,
		Entry:       next,
		Points:      points,
		Badges:      badges,
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			metrics.RecordLedgerConflict()
		}
		return model.CommittedChange{}, fmt.Errorf("commit %s: %w", subjectID, err)
	}

	change.ID = l.newID()
	change.Points = points
	change.Badges = badges
	change.PointsAfter = next.Points
	change.CurrentRank = next.Rank
	change.Version = next.Version
	change.CommittedAt = at
	if from := l.rankOf(cur); from != next.Rank {
		change.Rank = &model.RankTransition{From: from, To: next.Rank}
	}

	l.log.Debug(ctx, "ledger commit",
		logger.String("subject", subjectID),
		logger.Int64("points", next.Points),
		logger.Int("badges", len(badges)),
		logger.Uint64("version", next.Version),
	)

	for _, hook := range hooks {
		hook(ctx, &change)
	}
	return change, nil
}

// rankOf derives the rank from points with the current table.
func (l *Ledger) rankOf(e model.Entry) string {
	return l.ranks.RankFor(e.Points)
}

// Read returns a point-in-time snapshot of the subject. It does not take
// the subject's section. Unknown subjects read as a zero, unranked entry.
func (l *Ledger) Read(ctx context.Context, subjectID string) (model.Entry, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return model.Entry{}, ErrInvalidSubject
	}

	start := time.Now()
	defer func() {
		metrics.RecordLedgerReadLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	e, err := l.store.Load(ctx, subjectID)
	if err != nil {
		return model.Entry{}, fmt.Errorf("load %s: %w", subjectID, err)
	}
	e.SubjectID = subjectID
	e.Rank = l.rankOf(e)
	return e, nil
}

// Leaderboard returns the best n subjects.
func (l *Ledger) Leaderboard(ctx context.Context, n int) ([]Standing, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	rows, err := l.store.TopN(ctx, n)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Rank = l.ranks.RankFor(rows[i].Points)
	}
	return rows, nil
}

// Standing returns the leaderboard position of one subject.
func (l *Ledger) Standing(ctx context.Context, subjectID string) (Standing, error) {
	st, err := l.store.Standing(ctx, subjectID)
	if err != nil {
		return Standing{}, err
	}
	st.Rank = l.ranks.RankFor(st.Points)
	return st, nil
}

// Count returns the number of subjects with a ledger entry.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	return l.store.Count(ctx)
}
