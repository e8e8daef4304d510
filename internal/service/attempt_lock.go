package service

import (
	"sync"

	"github.com/google/uuid"
)

// attemptLocks serializes writers per attempt id. Entries are reference
// counted and removed when the last holder unlocks.
type attemptLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*attemptLock
}

type attemptLock struct {
	mu   sync.Mutex
	refs int
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{locks: make(map[uuid.UUID]*attemptLock)}
}

// Lock blocks until the caller holds the lock for id and returns its release.
func (l *attemptLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &attemptLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *attemptLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
