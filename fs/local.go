package fs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/bertl4398/MiGBox/delta"
)

// Local is a replica over a directory on the local filesystem. Change
// events come from an attached EventSource (a recursive watcher); without
// one, Poll reports nothing and the periodic full scan carries the sync.
type Local struct {
	root      string
	blockSize int
	events    EventSource
	logger    zerolog.Logger
}

// NewLocal creates a local replica rooted at root. events may be nil.
func NewLocal(root string, events EventSource, logger zerolog.Logger) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, classify(err)
	}
	if !info.IsDir() {
		return nil, wrap(ErrNotFound, &os.PathError{Op: "open", Path: abs, Err: os.ErrInvalid})
	}
	return &Local{
		root:      abs,
		blockSize: delta.BlockSize,
		events:    events,
		logger:    logger.With().Str("component", "local-replica").Logger(),
	}, nil
}

// SetBlockSize overrides the block size used for checksum and delta
// operations. Intended for tests.
func (l *Local) SetBlockSize(bs int) { l.blockSize = bs }

func (l *Local) Root() string { return l.root }

func (l *Local) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (l *Local) Stat(path string) (Stat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Stat{}, classify(err)
	}
	return statFromInfo(info), nil
}

func statFromInfo(info os.FileInfo) Stat {
	st := Stat{
		Size:  uint64(info.Size()),
		Mtime: info.ModTime().Unix(),
		Mode:  uint32(info.Mode().Perm()),
	}
	switch {
	case info.IsDir():
		st.Kind = KindDir
	case info.Mode()&os.ModeSymlink != 0:
		st.Kind = KindSymlink
	default:
		st.Kind = KindFile
	}
	return st
}

func (l *Local) Mkdir(path string) error {
	return classify(os.Mkdir(path, 0o755))
}

func (l *Local) Mkdirs(path string) error {
	return classify(os.MkdirAll(path, 0o755))
}

func (l *Local) Rmdir(path string) error {
	return classify(os.Remove(path))
}

func (l *Local) Remove(path string) error {
	return classify(os.Remove(path))
}

func (l *Local) Rename(src, dst string) error {
	return classify(os.Rename(src, dst))
}

func (l *Local) OpenRead(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

func (l *Local) OpenWrite(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

func (l *Local) BlockChecksums(path string) (delta.Table, error) {
	t, err := delta.BlockChecksums(path, l.blockSize)
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

func (l *Local) Delta(path string, t delta.Table) ([]delta.Instruction, error) {
	instrs, err := delta.Compute(path, t, l.blockSize)
	if err != nil {
		return nil, classify(err)
	}
	return instrs, nil
}

func (l *Local) Patch(path string, instrs []delta.Instruction) error {
	return classify(delta.Patch(path, instrs, l.blockSize))
}

func (l *Local) Poll() ([]Event, error) {
	if l.events == nil {
		return nil, nil
	}
	return l.events.Poll()
}

func (l *Local) JoinPath(parts ...string) string {
	return filepath.Join(parts...)
}

func (l *Local) RelativeKey(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (l *Local) Close() error {
	if l.events == nil {
		return nil
	}
	return l.events.Close()
}
