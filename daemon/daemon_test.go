package daemon

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

func newTestDaemon(t *testing.T) (*Daemon, string, string) {
	t.Helper()
	rootA := t.TempDir()
	rootB := t.TempDir()

	local, err := fs.NewLocal(rootA, nil, zerolog.Nop())
	require.NoError(t, err)
	peer, err := fs.NewLocal(rootB, nil, zerolog.Nop())
	require.NoError(t, err)
	local.SetBlockSize(4)
	peer.SetBlockSize(4)

	d := New(Options{
		Local:        local,
		Peer:         peer,
		ScanInterval: 100 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	return d, rootA, rootB
}

func TestLifecycle(t *testing.T) {
	d, rootA, rootB := newTestDaemon(t)
	assert.Equal(t, Idle, d.State())

	require.NoError(t, d.Start())
	assert.Equal(t, Running, d.State())
	assert.ErrorIs(t, d.Start(), ErrRunning)

	// The scan-driven pipeline converges a created file.
	require.NoError(t, os.MkdirAll(filepath.Join(rootA, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootA, "a", "b.txt"), []byte("hello"), 0o644))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(rootB, "a", "b.txt"))
		return err == nil && string(data) == "hello"
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.Equal(t, Idle, d.State())
}

func TestStopIsIdempotent(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())
	assert.NoError(t, d.Stop())
}

func TestInitialScanConvergesExistingTrees(t *testing.T) {
	d, rootA, rootB := newTestDaemon(t)

	require.NoError(t, os.WriteFile(filepath.Join(rootA, "seeded.txt"), []byte("from a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rootB, "reverse.txt"), []byte("from b"), 0o644))

	require.NoError(t, d.Start())
	require.Eventually(t, func() bool {
		_, errA := os.Stat(filepath.Join(rootB, "seeded.txt"))
		_, errB := os.Stat(filepath.Join(rootA, "reverse.txt"))
		return errA == nil && errB == nil
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, d.Stop())
}

func TestDeletePropagatesThroughEvents(t *testing.T) {
	// A one-sided path looks like a create to the scan, so deletes need
	// the event channel; drive it like the watcher would.
	rootA := t.TempDir()
	rootB := t.TempDir()
	local, err := fs.NewLocal(rootA, nil, zerolog.Nop())
	require.NoError(t, err)
	peer, err := fs.NewLocal(rootB, nil, zerolog.Nop())
	require.NoError(t, err)

	events := make(chan fs.Event, 16)
	d := New(Options{
		Local:        local,
		Peer:         peer,
		Events:       events,
		ScanInterval: time.Hour, // keep the scan out of the way
		PollInterval: time.Hour,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, d.Start())

	require.NoError(t, os.WriteFile(filepath.Join(rootA, "f"), []byte("v"), 0o644))
	events <- fs.Event{Kind: fs.FileCreated, Path: filepath.Join(rootA, "f")}
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(rootB, "f"))
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(rootA, "f")))
	events <- fs.Event{Kind: fs.FileDeleted, Path: filepath.Join(rootA, "f")}
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(rootB, "f"))
		return os.IsNotExist(err)
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, d.Stop())
}
