package schedule

import "sync"

// Locks serializes schedule mutations per profile. One value is shared by
// the Manager, the Agent and LogSync of a process.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the profile's lock is held and returns its release.
func (l *Locks) Lock(profileID string) func() {
	l.mu.Lock()
	m, ok := l.locks[profileID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[profileID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
