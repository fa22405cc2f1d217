package ledger

import "sync"

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

// subjectLocks hands out one mutex per subject. Entries live only while a
// caller holds or waits on them.
type subjectLocks struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: make(map[string]*subjectLock)}
}

// lock blocks until subjectID's section is held and returns its release.
func (s *subjectLocks) lock(subjectID string) func() {
	s.mu.Lock()
	l, ok := s.locks[subjectID]
	if !ok {
		l = &subjectLock{}
		s.locks[subjectID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, subjectID)
		}
		s.mu.Unlock()
	}
}

// held returns the number of subjects with a live section.
func (s *subjectLocks) held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
