package flows

import "sync"

// lockMap serialises progress updates per flow id. Locks are refcounted so
// the map does not grow with every flow ever seen; different flows proceed
// fully in parallel.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*flowLock
}

type flowLock struct {
	sync.Mutex
	refs int
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*flowLock)}
}

func (m *lockMap) acquire(flowID string) *flowLock {
	m.mu.Lock()
	l, ok := m.locks[flowID]
	if !ok {
		l = &flowLock{}
		m.locks[flowID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return l
}

func (m *lockMap) release(flowID string, l *flowLock) {
	l.Unlock()

	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, flowID)
	}
	m.mu.Unlock()
}
