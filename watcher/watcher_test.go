package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bertl4398/MiGBox/fs"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig(root)
	cfg.DebounceTime = 20 * time.Millisecond
	w, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w, root
}

func waitFor(t *testing.T, w *Watcher, match func(fs.Event) bool) fs.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestWatcherReportsFileCreate(t *testing.T) {
	w, root := newTestWatcher(t)

	p := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	ev := waitFor(t, w, func(ev fs.Event) bool { return ev.Path == p })
	assert.Equal(t, fs.FileCreated, ev.Kind)
}

func TestWatcherReportsDirCreateAndNestedFile(t *testing.T) {
	w, root := newTestWatcher(t)

	dir := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(dir, 0o755))
	ev := waitFor(t, w, func(ev fs.Event) bool { return ev.Path == dir })
	assert.Equal(t, fs.DirCreated, ev.Kind)

	// The new directory is watched immediately; a nested create is seen.
	// Give the watch registration a moment on slower platforms.
	time.Sleep(50 * time.Millisecond)
	p := filepath.Join(dir, "nested.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	ev = waitFor(t, w, func(ev fs.Event) bool { return ev.Path == p })
	assert.Equal(t, fs.FileCreated, ev.Kind)
}

func TestWatcherReportsDelete(t *testing.T) {
	w, root := newTestWatcher(t)

	p := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	waitFor(t, w, func(ev fs.Event) bool { return ev.Path == p })

	require.NoError(t, os.Remove(p))
	ev := waitFor(t, w, func(ev fs.Event) bool {
		return ev.Path == p && (ev.Kind == fs.FileDeleted || ev.Kind == fs.DirDeleted)
	})
	assert.Equal(t, fs.FileDeleted, ev.Kind)
}

func TestWatcherExcludesPatterns(t *testing.T) {
	w, root := newTestWatcher(t)

	excluded := filepath.Join(root, "f.patched")
	visible := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(excluded, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(visible, []byte("x"), 0o644))

	ev := waitFor(t, w, func(ev fs.Event) bool { return true })
	assert.Equal(t, visible, ev.Path)
}

func TestExcluded(t *testing.T) {
	patterns := DefaultConfig("/x").ExcludePatterns
	assert.True(t, Excluded(patterns, "/x/a/b.patched"))
	assert.True(t, Excluded(patterns, "/x/.DS_Store"))
	assert.False(t, Excluded(patterns, "/x/a/b.txt"))
}

func TestPollDrainsWithoutBlocking(t *testing.T) {
	w, root := newTestWatcher(t)

	evs, err := w.Poll()
	require.NoError(t, err)
	assert.Empty(t, evs)

	p := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		evs, _ := w.Poll()
		for _, ev := range evs {
			if ev.Path == p {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
