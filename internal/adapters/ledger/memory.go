package ledger

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/okian/kudos/internal/domain/model"
)

// MemoryStore is an in-memory Store. Entries live in a map; a treap keyed by
// (points DESC, subject ASC) keeps the leaderboard ordered with O(log n)
// updates and position lookups.
type MemoryStore struct {
	mu   sync.RWMutex
	root *node
	byID map[string]model.Entry
}

// treap node
type node struct {
	id     string
	points int64
	prio   uint64
	left   *node
	right  *node
	size   int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aPoints, aID) should appear before (bPoints, bID)
// in the leaderboard.
func less(aPoints int64, aID string, bPoints int64, bID string) bool {
	if aPoints != bPoints {
		return aPoints > bPoints
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, id string, points int64) *node {
	if n == nil {
		return &node{id: id, points: points, prio: rand.Uint64(), size: 1}
	}
	if less(points, id, n.points, n.id) {
		n.left = insert(n.left, id, points)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, points)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, id string, points int64) *node {
	if n == nil {
		return nil
	}
	if points == n.points && id == n.id {
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, id, points)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, id, points)
		}
	} else if less(points, id, n.points, n.id) {
		n.left = deleteNode(n.left, id, points)
	} else {
		n.right = deleteNode(n.right, id, points)
	}
	fix(n)
	return n
}

// countAbove returns how many subjects have strictly more than points.
func countAbove(n *node, points int64) int {
	c := 0
	for n != nil {
		if n.points > points {
			c += nsize(n.left) + 1
			n = n.right
		} else {
			n = n.left
		}
	}
	return c
}

// collectTopN appends up to limit ids in leaderboard order.
func collectTopN(n *node, limit int, out *[]string) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTopN(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, n.id)
	}
	if len(*out) < limit {
		collectTopN(n.right, limit, out)
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]model.Entry)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, subjectID string) (model.Entry, error) {
	s.mu.RLock()
	e, ok := s.byID[subjectID]
	s.mu.RUnlock()
	if !ok {
		return model.Entry{SubjectID: subjectID, Rank: model.Unranked}, nil
	}
	return e.Clone(), nil
}

// Commit implements Store with a version compare-and-swap.
func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	next := c.Entry.Clone()
	next.SubjectID = c.SubjectID

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.byID[c.SubjectID]
	if old.Version != c.BaseVersion {
		return ErrConcurrentModification
	}
	for _, b := range c.Badges {
		if old.HasBadge(b.BadgeKey) {
			return ErrConcurrentModification
		}
	}
	if exists {
		s.root = deleteNode(s.root, c.SubjectID, old.Points)
	}
	s.byID[c.SubjectID] = next
	s.root = insert(s.root, c.SubjectID, next.Points)
	return nil
}

// TopN implements Store.
func (s *MemoryStore) TopN(_ context.Context, n int) ([]Standing, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, min(n, len(s.byID)))
	collectTopN(s.root, n, &ids)

	out := make([]Standing, len(ids))
	for i, id := range ids {
		e := s.byID[id]
		pos := i + 1
		if i > 0 && out[i-1].Points == e.Points {
			pos = out[i-1].Position
		}
		out[i] = Standing{Position: pos, SubjectID: id, Points: e.Points, Rank: e.Rank, Badges: len(e.Badges)}
	}
	return out, nil
}

// Standing implements Store in O(log n).
func (s *MemoryStore) Standing(_ context.Context, subjectID string) (Standing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[subjectID]
	if !ok {
		return Standing{}, ErrNotFound
	}
	return Standing{
		Position:  countAbove(s.root, e.Points) + 1,
		SubjectID: subjectID,
		Points:    e.Points,
		Rank:      e.Rank,
		Badges:    len(e.Badges),
	}, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}
