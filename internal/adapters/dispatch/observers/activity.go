package observers

import (
	"context"
	"sync"

	"github.com/okian/kudos/internal/domain/model"
)

const defaultHistory = 50

// ActivityLog keeps the most recent committed changes of every subject.
// It is the default observer of the service.
type ActivityLog struct {
	mu       sync.RWMutex
	size     int
	subjects map[string][]model.CommittedChange // oldest first
}

// NewActivityLog creates an ActivityLog keeping size changes per subject.
// Zero selects the default.
func NewActivityLog(size int) (*ActivityLog, error) {
	if size < 0 {
		return nil, ErrInvalidHistory
	}
	if size == 0 {
		size = defaultHistory
	}
	return &ActivityLog{size: size, subjects: make(map[string][]model.CommittedChange)}, nil
}

// Name implements dispatch.Named.
func (*ActivityLog) Name() string { return "activity" }

// OnChange implements dispatch.Observer.
func (a *ActivityLog) OnChange(_ context.Context, c model.CommittedChange) error { //nolint:gocritic // hugeParam: observers get their own copy
	c.Event = model.Event{}

	a.mu.Lock()
	defer a.mu.Unlock()

	h := append(a.subjects[c.SubjectID], c)
	if len(h) > a.size {
		h = append(h[:0:0], h[len(h)-a.size:]...)
	}
	a.subjects[c.SubjectID] = h
	return nil
}

// Recent returns up to n changes of subjectID, newest first. n <= 0 returns
// everything kept.
func (a *ActivityLog) Recent(subjectID string, n int) []model.CommittedChange {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := a.subjects[subjectID]
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	out := make([]model.CommittedChange, 0, n)
	for i := len(h) - 1; i >= len(h)-n; i-- {
		out = append(out, h[i].Clone())
	}
	return out
}

// Subjects returns the number of subjects with recorded activity.
func (a *ActivityLog) Subjects() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subjects)
}
