package ipc

import "sync"

// connLimiter caps concurrent long-lived connections. A zero max is unlimited.
type connLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newConnLimiter(max int) *connLimiter {
	return &connLimiter{max: max}
}

func (l *connLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *connLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// Active reports the number of held slots.
func (l *connLimiter) Active() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
