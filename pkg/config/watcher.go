package config

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces bursts of editor writes into one reload.
var reloadDelay = 100 * time.Millisecond

// Watcher reloads configuration when any watched config file changes.
type Watcher struct {
	files   []string
	reload  func() (*Config, error)
	watcher *fsnotify.Watcher
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewWatcher watches files and calls reload after changes. A nil reload uses Load.
func NewWatcher(files []string, reload func() (*Config, error)) *Watcher {
	if reload == nil {
		reload = Load
	}
	return &Watcher{files: files, reload: reload}
}

// Start begins watching. callback receives either the reloaded config or the
// load error; it runs on a timer goroutine.
func (w *Watcher) Start(callback func(*Config, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if callback == nil {
		return errors.New("config watcher: callback must not be nil")
	}
	if w.running {
		return errors.New("config watcher: already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch parent directories so files created after startup are seen.
	added := 0
	seen := make(map[string]bool)
	for _, file := range w.files {
		dir := filepath.Dir(file)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := watcher.Add(dir); err == nil {
			added++
		}
	}
	if added == 0 {
		watcher.Close()
		return errors.New("config watcher: no config directory exists")
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true
	go w.eventLoop(callback)
	return nil
}

// Stop ceases watching. Safe to call when not started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	close(w.done)
	w.running = false
	return w.watcher.Close()
}

func (w *Watcher) eventLoop(callback func(*Config, error)) {
	targets := make(map[string]bool, len(w.files))
	for _, file := range w.files {
		targets[filepath.Clean(file)] = true
	}
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				callback(w.reload())
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			callback(nil, err)
		}
	}
}
