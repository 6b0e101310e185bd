package storage

import (
	"sync"
	"time"
)

// Autosaver coalesces rapid content saves. The latest content per document is
// written once maxWait has passed since the first unsaved change, or on Flush
// and Close.
//
//	saver := store.NewAutosaver(500*time.Millisecond, onErr)
//	defer saver.Close()
//	saver.Save(docID, buf.Text())
type Autosaver struct {
	store   *Store
	maxWait time.Duration
	onError func(id string, err error)

	mu      sync.Mutex
	pending map[string]string
	timer   *time.Timer
	closed  bool
	flushMu sync.Mutex
	saved   int
}

// NewAutosaver returns an autosaver. onError, when non-nil, receives write
// failures from timer-driven flushes.
func (s *Store) NewAutosaver(maxWait time.Duration, onError func(id string, err error)) *Autosaver {
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	return &Autosaver{
		store:   s,
		maxWait: maxWait,
		onError: onError,
		pending: make(map[string]string),
	}
}

// Save queues content for id, replacing any unsaved content for it.
func (a *Autosaver) Save(id, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrStoreClosed
	}
	a.pending[id] = content
	if a.timer == nil {
		a.timer = time.AfterFunc(a.maxWait, func() {
			for id, err := range a.flush() {
				if a.onError != nil {
					a.onError(id, err)
				}
			}
		})
	}
	return nil
}

// Flush writes everything pending and returns the first failure.
func (a *Autosaver) Flush() error {
	for _, err := range a.flush() {
		return err
	}
	return nil
}

// Close flushes and rejects further saves.
func (a *Autosaver) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return a.Flush()
}

// Pending reports the number of documents with unsaved content.
func (a *Autosaver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Saved reports how many writes have reached the store.
func (a *Autosaver) Saved() int {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	return a.saved
}

func (a *Autosaver) flush() map[string]error {
	// flushMu keeps timer and manual flushes from writing out of order.
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	batch := a.pending
	a.pending = make(map[string]string)
	a.mu.Unlock()

	var errs map[string]error
	for id, content := range batch {
		if err := a.store.SaveContent(id, content); err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[id] = err
			continue
		}
		a.saved++
	}
	return errs
}
