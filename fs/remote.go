package fs

import (
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bertl4398/MiGBox/delta"
	"github.com/bertl4398/MiGBox/sftp"
)

// Remote is a replica over the secure transport. Checksum, delta and
// patch run server-side through the protocol extension, so only tables,
// deltas and literals cross the wire. Change events come from a snapshot
// poll that diffs the remote tree against the previous observation.
type Remote struct {
	client *sftp.Client
	root   string
	logger zerolog.Logger

	snapshot map[string]Stat
	primed   bool
}

// NewRemote creates a remote replica over an established client. root is
// the remote tree root in the transport's slash convention.
func NewRemote(client *sftp.Client, root string, logger zerolog.Logger) (*Remote, error) {
	if root == "" {
		root = "/"
	}
	root = path.Clean("/" + strings.TrimPrefix(root, "/"))
	r := &Remote{
		client: client,
		root:   root,
		logger: logger.With().Str("component", "remote-replica").Logger(),
	}
	if _, err := r.Stat(root); err != nil {
		return nil, err
	}
	return r, nil
}

// mapRemoteErr folds transport status codes into replica error kinds.
func mapRemoteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case sftp.StatusNoSuchFile:
			return wrap(ErrNotFound, err)
		case sftp.StatusFileAlreadyExists:
			return wrap(ErrExists, err)
		case sftp.StatusPermissionDenied:
			return wrap(ErrPermission, err)
		default:
			return err
		}
	}
	if err == io.EOF {
		return err
	}
	return wrap(ErrTransport, err)
}

func statFromAttr(a sftp.Attr) Stat {
	st := Stat{Size: a.Size, Mtime: a.Mtime, Mode: a.Mode}
	switch a.Kind {
	case sftp.AttrDir:
		st.Kind = KindDir
	case sftp.AttrSymlink:
		st.Kind = KindSymlink
	default:
		st.Kind = KindFile
	}
	return st
}

func (r *Remote) Root() string { return r.root }

func (r *Remote) List(dir string) ([]string, error) {
	entries, err := r.client.List(dir)
	if err != nil {
		return nil, mapRemoteErr(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

func (r *Remote) Stat(p string) (Stat, error) {
	a, err := r.client.Stat(p)
	if err != nil {
		return Stat{}, mapRemoteErr(err)
	}
	return statFromAttr(a), nil
}

func (r *Remote) Mkdir(p string) error {
	return mapRemoteErr(r.client.Mkdir(p))
}

func (r *Remote) Mkdirs(p string) error {
	key := r.RelativeKey(p)
	if key == "" || key == "." {
		return nil
	}
	cur := r.root
	for _, part := range strings.Split(key, "/") {
		cur = path.Join(cur, part)
		if err := r.Mkdir(cur); err != nil && !errors.Is(err, ErrExists) {
			if _, statErr := r.Stat(cur); statErr != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Remote) Rmdir(p string) error {
	return mapRemoteErr(r.client.Rmdir(p))
}

func (r *Remote) Remove(p string) error {
	return mapRemoteErr(r.client.Remove(p))
}

func (r *Remote) Rename(src, dst string) error {
	return mapRemoteErr(r.client.Rename(src, dst))
}

func (r *Remote) OpenRead(p string) (io.ReadCloser, error) {
	if _, err := r.Stat(p); err != nil {
		return nil, err
	}
	return &remoteReader{client: r.client, path: p}, nil
}

func (r *Remote) OpenWrite(p string) (io.WriteCloser, error) {
	return &remoteWriter{client: r.client, path: p}, nil
}

func (r *Remote) BlockChecksums(p string) (delta.Table, error) {
	t, err := r.client.Checksums(p)
	if err != nil {
		return nil, mapRemoteErr(err)
	}
	return t, nil
}

func (r *Remote) Delta(p string, t delta.Table) ([]delta.Instruction, error) {
	instrs, err := r.client.Delta(p, t)
	if err != nil {
		return nil, mapRemoteErr(err)
	}
	return instrs, nil
}

func (r *Remote) Patch(p string, instrs []delta.Instruction) error {
	return mapRemoteErr(r.client.Patch(p, instrs))
}

func (r *Remote) JoinPath(parts ...string) string {
	return path.Join(parts...)
}

func (r *Remote) RelativeKey(p string) string {
	p = path.Clean(p)
	if p == r.root {
		return "."
	}
	prefix := r.root
	if prefix != "/" {
		prefix += "/"
	}
	return strings.TrimPrefix(p, prefix)
}

func (r *Remote) Close() error {
	return r.client.Close()
}

// Poll walks the remote tree and synthesizes events by diffing the
// snapshot against the previous one. The first poll establishes the
// baseline and reports nothing; initial divergence is the full scan's
// job. Remote moves surface as a delete plus a create.
func (r *Remote) Poll() ([]Event, error) {
	snap := make(map[string]Stat)
	if err := r.walk(r.root, snap); err != nil {
		return nil, err
	}
	prev := r.snapshot
	r.snapshot = snap
	if !r.primed {
		r.primed = true
		return nil, nil
	}

	var events []Event
	var created, deleted []string
	for p := range snap {
		if _, ok := prev[p]; !ok {
			created = append(created, p)
		}
	}
	for p := range prev {
		if _, ok := snap[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	// Parents before children for creates, children first for deletes.
	sort.Strings(created)
	sort.Sort(sort.Reverse(sort.StringSlice(deleted)))

	for _, p := range created {
		if snap[p].Kind == KindDir {
			events = append(events, Event{Kind: DirCreated, Path: p})
		} else {
			events = append(events, Event{Kind: FileCreated, Path: p})
		}
	}
	for _, p := range deleted {
		if prev[p].Kind == KindDir {
			events = append(events, Event{Kind: DirDeleted, Path: p})
		} else {
			events = append(events, Event{Kind: FileDeleted, Path: p})
		}
	}
	for p, st := range snap {
		old, ok := prev[p]
		if !ok || st.Kind != KindFile || old.Kind != KindFile {
			continue
		}
		if st.Mtime > old.Mtime || st.Size != old.Size {
			events = append(events, Event{Kind: FileModified, Path: p})
		}
	}
	return events, nil
}

func (r *Remote) walk(dir string, out map[string]Stat) error {
	entries, err := r.client.List(dir)
	if err != nil {
		return mapRemoteErr(err)
	}
	for _, e := range entries {
		p := path.Join(dir, e.Name)
		st := statFromAttr(e.Attr)
		out[p] = st
		if st.Kind == KindDir {
			if err := r.walk(p, out); err != nil {
				return err
			}
		}
	}
	return nil
}

type remoteReader struct {
	client *sftp.Client
	path   string
	offset uint64
	buf    []byte
	eof    bool
}

func (rr *remoteReader) Read(p []byte) (int, error) {
	if len(rr.buf) == 0 && !rr.eof {
		data, err := rr.client.Read(rr.path, rr.offset, 128*1024)
		if err == io.EOF || (err == nil && len(data) == 0) {
			rr.eof = true
		} else if err != nil {
			return 0, mapRemoteErr(err)
		}
		rr.buf = data
		rr.offset += uint64(len(data))
	}
	if len(rr.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, rr.buf)
	rr.buf = rr.buf[n:]
	return n, nil
}

func (rr *remoteReader) Close() error { return nil }

type remoteWriter struct {
	client *sftp.Client
	path   string
	offset uint64
	wrote  bool
}

func (rw *remoteWriter) Write(p []byte) (int, error) {
	truncate := !rw.wrote
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > 128*1024 {
			chunk = chunk[:128*1024]
		}
		if err := rw.client.Write(rw.path, rw.offset, chunk, truncate); err != nil {
			return written, mapRemoteErr(err)
		}
		truncate = false
		rw.wrote = true
		rw.offset += uint64(len(chunk))
		written += len(chunk)
	}
	return written, nil
}

func (rw *remoteWriter) Close() error {
	if !rw.wrote {
		// Zero-length copy still creates the file.
		return mapRemoteErr(rw.client.Write(rw.path, 0, nil, true))
	}
	return nil
}
