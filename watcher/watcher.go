// Package watcher provides the recursive directory watcher backing the
// local replica's change-event source.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/bertl4398/MiGBox/fs"
)

// Config holds watcher configuration.
type Config struct {
	RootPath        string
	ExcludePatterns []string
	DebounceTime    time.Duration
	BufferSize      int
}

// DefaultConfig returns a configuration that ignores editor droppings and
// in-progress patch temporaries.
func DefaultConfig(rootPath string) Config {
	return Config{
		RootPath: rootPath,
		ExcludePatterns: []string{
			"*.tmp",
			"*.temp",
			"~$*",
			".DS_Store",
			"Thumbs.db",
			"desktop.ini",
			"*.patched",
		},
		DebounceTime: 200 * time.Millisecond,
		BufferSize:   1024,
	}
}

// Watcher watches a directory tree and reports changes as fs.Events.
// Platform watch backends do not pair rename cookies reliably, so a local
// move surfaces as a delete plus a create; the reconciler converges
// either way.
type Watcher struct {
	watcher         *fsnotify.Watcher
	rootPath        string
	excludePatterns []string
	events          chan fs.Event
	logger          zerolog.Logger

	debounceTime time.Duration
	pending      map[string]*time.Timer
	knownDirs    map[string]struct{}
	mu           sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for cfg.RootPath.
func New(cfg Config, logger zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:         fsWatcher,
		rootPath:        cfg.RootPath,
		excludePatterns: cfg.ExcludePatterns,
		events:          make(chan fs.Event, cfg.BufferSize),
		logger:          logger.With().Str("component", "watcher").Logger(),
		debounceTime:    cfg.DebounceTime,
		pending:         make(map[string]*time.Timer),
		knownDirs:       make(map[string]struct{}),
		done:            make(chan struct{}),
	}
	return w, nil
}

// Start begins watching the root and all subdirectories.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.run()
	w.logger.Info().Str("path", w.rootPath).Msg("watcher started")
	return nil
}

// Stop stops the watcher. Pending debounced events are discarded.
// Stopping twice is harmless.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		for p, timer := range w.pending {
			timer.Stop()
			delete(w.pending, p)
		}
		w.mu.Unlock()
	})
	return err
}

// Events returns the event channel.
func (w *Watcher) Events() <-chan fs.Event {
	return w.events
}

// Poll drains pending events without blocking, satisfying fs.EventSource.
func (w *Watcher) Poll() ([]fs.Event, error) {
	var out []fs.Event
	for {
		select {
		case ev := <-w.events:
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

// Close implements fs.EventSource.
func (w *Watcher) Close() error { return w.Stop() }

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				w.logger.Warn().Str("path", path).Msg("permission denied, skipping")
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.shouldExclude(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to watch path")
			return nil
		}
		w.mu.Lock()
		w.knownDirs[path] = struct{}{}
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) shouldExclude(path string) bool {
	name := filepath.Base(path)
	for _, pattern := range w.excludePatterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.shouldExclude(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// New directories are watched immediately so nested creates
			// are not missed.
			if err := w.watcher.Add(ev.Name); err == nil {
				w.mu.Lock()
				w.knownDirs[ev.Name] = struct{}{}
				w.mu.Unlock()
			}
			w.emit(fs.Event{Kind: fs.DirCreated, Path: ev.Name})
			return
		}
		w.debounce(ev.Name, fs.Event{Kind: fs.FileCreated, Path: ev.Name})

	case ev.Has(fsnotify.Write):
		w.debounce(ev.Name, fs.Event{Kind: fs.FileModified, Path: ev.Name})

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		_, wasDir := w.knownDirs[ev.Name]
		if wasDir {
			delete(w.knownDirs, ev.Name)
		}
		w.mu.Unlock()
		w.watcher.Remove(ev.Name)
		if wasDir {
			w.emit(fs.Event{Kind: fs.DirDeleted, Path: ev.Name})
		} else {
			w.emit(fs.Event{Kind: fs.FileDeleted, Path: ev.Name})
		}
	}
}

// debounce coalesces rapid write bursts to the same path, preserving the
// first event kind observed.
func (w *Watcher) debounce(path string, ev fs.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounceTime)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounceTime, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.emit(ev)
	})
}

func (w *Watcher) emit(ev fs.Event) {
	select {
	case <-w.done:
	case w.events <- ev:
	default:
		w.logger.Warn().Str("path", ev.Path).Msg("event channel full, dropping event")
	}
}

// RelativePath returns path relative to the watch root.
func (w *Watcher) RelativePath(path string) (string, error) {
	return filepath.Rel(w.rootPath, path)
}

var _ fs.EventSource = (*Watcher)(nil)

// Excluded reports whether path would be ignored under patterns, for
// callers that filter scan results the same way the watcher filters
// events.
func Excluded(patterns []string, path string) bool {
	name := filepath.Base(path)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
