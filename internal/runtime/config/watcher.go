package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Tunables is the subset of Config that may change while the runtime is
// running. The watcher hands a fresh copy to the registered callbacks whenever
// the file is rewritten; everything else in Config is fixed at boot.
type Tunables struct {
	BlockedReactorNotifyMs         int
	BlockedReactorReportsPerMinute int
}

// ChangeCallback observes a tunables update. Callbacks run on the watcher
// goroutine and must not block.
type ChangeCallback func(old, new Tunables)

// Watcher hot-reloads the tunable subset of a YAML config file.
type Watcher struct {
	path string

	mu       sync.RWMutex
	current  Tunables
	callback []ChangeCallback

	fs   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher loads path and begins watching it for rewrites.
func NewWatcher(path string, initial Tunables) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files by rename and
	// the inode-level watch would go stale after the first save.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		current: initial,
		fs:      fs,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// OnChange registers cb for future tunables updates.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = append(w.callback, cb)
}

// Current returns the last loaded tunables.
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	c, err := Load(w.path)
	if err != nil {
		// A half-written file is normal during saves; keep the old tunables.
		return
	}
	next := Tunables{
		BlockedReactorNotifyMs:         c.BlockedReactorNotifyMs,
		BlockedReactorReportsPerMinute: c.BlockedReactorReportsPerMinute,
	}
	w.mu.Lock()
	old := w.current
	if next == old {
		w.mu.Unlock()
		return
	}
	w.current = next
	cbs := append([]ChangeCallback(nil), w.callback...)
	w.mu.Unlock()
	for _, cb := range cbs {
		cb(old, next)
	}
}
