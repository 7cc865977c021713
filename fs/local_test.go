package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), nil, zerolog.Nop())
	require.NoError(t, err)
	l.SetBlockSize(4)
	return l
}

func TestNewLocalRejectsMissingRoot(t *testing.T) {
	_, err := NewLocal(filepath.Join(t.TempDir(), "nope"), nil, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStatKinds(t *testing.T) {
	l := newTestLocal(t)

	dir := l.JoinPath(l.Root(), "d")
	require.NoError(t, l.Mkdir(dir))
	st, err := l.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, KindDir, st.Kind)

	file := l.JoinPath(l.Root(), "f")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o644))
	st, err = l.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, KindFile, st.Kind)
	assert.Equal(t, uint64(4), st.Size)

	link := l.JoinPath(l.Root(), "l")
	require.NoError(t, os.Symlink(file, link))
	st, err = l.Stat(link)
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, st.Kind)

	_, err = l.Stat(l.JoinPath(l.Root(), "missing"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalListAndRelativeKey(t *testing.T) {
	l := newTestLocal(t)
	require.NoError(t, l.Mkdirs(l.JoinPath(l.Root(), "a", "b")))
	require.NoError(t, os.WriteFile(l.JoinPath(l.Root(), "a", "b", "c.txt"), []byte("x"), 0o644))

	names, err := l.List(l.JoinPath(l.Root(), "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	key := l.RelativeKey(l.JoinPath(l.Root(), "a", "b", "c.txt"))
	assert.Equal(t, "a/b/c.txt", key)
}

func TestLocalErrorKinds(t *testing.T) {
	l := newTestLocal(t)
	dir := l.JoinPath(l.Root(), "d")
	require.NoError(t, l.Mkdir(dir))

	err := l.Mkdir(dir)
	assert.True(t, errors.Is(err, ErrExists))

	err = l.Remove(l.JoinPath(l.Root(), "missing"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnder(t *testing.T) {
	l := newTestLocal(t)
	assert.True(t, Under(l, l.Root()))
	assert.True(t, Under(l, l.JoinPath(l.Root(), "x")))
	assert.False(t, Under(l, l.Root()+"sibling"))
	assert.False(t, Under(l, "/somewhere/else"))
}

func TestCopyBetweenLocals(t *testing.T) {
	src := newTestLocal(t)
	dst := newTestLocal(t)

	p := src.JoinPath(src.Root(), "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	pp := dst.JoinPath(dst.Root(), "f.txt")
	require.NoError(t, Copy(src, p, dst, pp))

	data, err := os.ReadFile(pp)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestCopyCreatesMissingParentOnce(t *testing.T) {
	src := newTestLocal(t)
	dst := newTestLocal(t)

	require.NoError(t, src.Mkdirs(src.JoinPath(src.Root(), "a", "b")))
	p := src.JoinPath(src.Root(), "a", "b", "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("nested"), 0o644))

	pp := dst.JoinPath(dst.Root(), "a", "b", "f.txt")
	require.NoError(t, Copy(src, p, dst, pp))

	data, err := os.ReadFile(pp)
	require.NoError(t, err)
	assert.Equal(t, []byte("nested"), data)
}

func TestCopyMissingSource(t *testing.T) {
	src := newTestLocal(t)
	dst := newTestLocal(t)
	err := Copy(src, src.JoinPath(src.Root(), "nope"), dst, dst.JoinPath(dst.Root(), "nope"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalDeltaRoundTrip(t *testing.T) {
	l := newTestLocal(t)

	oldPath := l.JoinPath(l.Root(), "old")
	newPath := l.JoinPath(l.Root(), "new")
	require.NoError(t, os.WriteFile(oldPath, []byte("hello world"), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte("hello brave world"), 0o644))

	table, err := l.BlockChecksums(oldPath)
	require.NoError(t, err)
	instrs, err := l.Delta(newPath, table)
	require.NoError(t, err)
	require.NoError(t, l.Patch(oldPath, instrs))

	data, err := os.ReadFile(oldPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello brave world"), data)
}

func TestLocalOpenWriteTruncates(t *testing.T) {
	l := newTestLocal(t)
	p := l.JoinPath(l.Root(), "f")
	require.NoError(t, os.WriteFile(p, []byte("long old content"), 0o644))

	w, err := l.OpenWrite(p)
	require.NoError(t, err)
	_, err = io.WriteString(w, "new")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestCacheWitness(t *testing.T) {
	c := NewCache()
	_, _, ok := c.Get("/p")
	assert.False(t, ok)

	c.Put("/p", 100, nil)
	mtime, _, ok := c.Get("/p")
	require.True(t, ok)
	assert.Equal(t, int64(100), mtime)

	c.Evict("/p")
	_, _, ok = c.Get("/p")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
