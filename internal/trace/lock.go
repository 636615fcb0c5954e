package trace

import "sync"

// traceLocks serializes ingest writes per trace id. Entries are reference
// counted and removed once no writer holds or waits on them.
type traceLocks struct {
	mu    sync.Mutex
	locks map[string]*traceLock
}

type traceLock struct {
	mu   sync.Mutex
	refs int
}

func newTraceLocks() *traceLocks {
	return &traceLocks{locks: make(map[string]*traceLock)}
}

// lock blocks until the caller owns traceID and returns the release func.
func (l *traceLocks) lock(traceID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[traceID]
	if !ok {
		entry = &traceLock{}
		l.locks[traceID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, traceID)
		}
		l.mu.Unlock()
	}
}

func (l *traceLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
