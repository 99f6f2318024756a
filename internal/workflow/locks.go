package workflow

import "sync"

// Locks hands out one execution token per run.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryLock takes the token for runID or fails with ErrRunBusy. The returned
// release func must be called exactly once.
func (l *Locks) TryLock(runID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[runID]; ok {
		return nil, ErrRunBusy
	}
	l.held[runID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, runID)
		l.mu.Unlock()
	}, nil
}

func (l *Locks) Held(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[runID]
	return ok
}
