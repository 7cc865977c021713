package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state", "migbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestActivityJournal(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.LogActivity("copy", "a/b.txt", "src ==> dst"))
	require.NoError(t, db.LogActivity("remove", "a/c.txt", ""))

	rows, err := db.RecentActivity(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first.
	assert.Equal(t, "remove", rows[0].Op)
	assert.Equal(t, "a/c.txt", rows[0].Path)
	assert.Equal(t, "copy", rows[1].Op)
	assert.Equal(t, "src ==> dst", rows[1].Detail)
}

func TestActivityLimit(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.LogActivity("sync", "f", ""))
	}
	rows, err := db.RecentActivity(3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestConflicts(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.LogConflict("f", 100, 101))
	rows, err := db.Conflicts(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "f", rows[0].Path)
	assert.Equal(t, int64(100), rows[0].LocalMtime)
	assert.Equal(t, int64(101), rows[0].RemoteMtime)
}

func TestDiscard(t *testing.T) {
	var j Journal = Discard{}
	assert.NoError(t, j.LogActivity("copy", "p", ""))
	assert.NoError(t, j.LogConflict("p", 0, 0))
	assert.NoError(t, j.Close())
}
