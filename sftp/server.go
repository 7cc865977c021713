package sftp

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bertl4398/MiGBox/delta"
)

// Server serves the transport's basic file operations and the three
// extension requests over a root directory. Wire paths are slash
// separated and resolved under the root; escapes are rejected.
type Server struct {
	root      string
	blockSize int
	logger    zerolog.Logger
}

// NewServer creates a server rooted at root.
func NewServer(root string, logger zerolog.Logger) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sftp: server root %s is not a directory", abs)
	}
	return &Server{
		root:      abs,
		blockSize: delta.BlockSize,
		logger:    logger.With().Str("component", "sftp-server").Logger(),
	}, nil
}

// SetBlockSize overrides the block size used by the extension handlers.
func (s *Server) SetBlockSize(bs int) { s.blockSize = bs }

// Serve processes requests from conn until it closes.
func (s *Server) Serve(conn io.ReadWriter) error {
	for {
		typ, payload, err := readPacket(conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		msg := parseMessage(payload)
		id := msg.Uint32()
		if err := s.dispatch(conn, typ, id, msg); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(conn io.Writer, typ byte, id uint32, msg *Message) error {
	switch typ {
	case opList:
		return s.handleList(conn, id, msg)
	case opStat:
		return s.handleStat(conn, id, msg)
	case opMkdir:
		return s.status(conn, id, s.withPath(msg, func(p string) error {
			return os.Mkdir(p, 0o755)
		}))
	case opRmdir, opRemove:
		return s.status(conn, id, s.withPath(msg, func(p string) error {
			return os.Remove(p)
		}))
	case opRename:
		src, errSrc := s.resolve(msg.String())
		dst, errDst := s.resolve(msg.String())
		if err := firstErr(msg.Err(), errSrc, errDst); err != nil {
			return s.status(conn, id, err)
		}
		return s.status(conn, id, os.Rename(src, dst))
	case opRead:
		return s.handleRead(conn, id, msg)
	case opWrite:
		return s.handleWrite(conn, id, msg)
	case ReqChecksums:
		return s.handleChecksums(conn, id, msg)
	case ReqDelta:
		return s.handleDelta(conn, id, msg)
	case ReqPatch:
		return s.handlePatch(conn, id, msg)
	default:
		s.logger.Debug().Int("type", int(typ)).Msg("unsupported request")
		return s.sendStatus(conn, id, StatusOpUnsupported, "unsupported request")
	}
}

// resolve maps a wire path onto the filesystem under the server root.
func (s *Server) resolve(wire string) (string, error) {
	rel := path.Clean(strings.TrimLeft(wire, "/"))
	if rel == "." {
		return s.root, nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("sftp: path %q escapes root", wire)
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

func (s *Server) withPath(msg *Message, fn func(string) error) error {
	wire := msg.String()
	if err := msg.Err(); err != nil {
		return err
	}
	p, err := s.resolve(wire)
	if err != nil {
		return err
	}
	return fn(p)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) status(conn io.Writer, id uint32, err error) error {
	if err == nil {
		return s.sendStatus(conn, id, StatusOK, "")
	}
	code := uint32(StatusFailure)
	switch {
	case errors.Is(err, iofs.ErrNotExist):
		code = StatusNoSuchFile
	case errors.Is(err, iofs.ErrExist):
		code = StatusFileAlreadyExists
	case errors.Is(err, iofs.ErrPermission):
		code = StatusPermissionDenied
	}
	s.logger.Debug().Err(err).Uint32("code", code).Msg("request failed")
	return s.sendStatus(conn, id, code, err.Error())
}

func (s *Server) sendStatus(conn io.Writer, id uint32, code uint32, text string) error {
	msg := NewMessage().AddUint32(id).AddUint32(code).AddString(text)
	return writePacket(conn, respStatus, msg.Bytes())
}

func attrFromInfo(info os.FileInfo) Attr {
	a := Attr{
		Size:  uint64(info.Size()),
		Mtime: info.ModTime().Unix(),
		Mode:  uint32(info.Mode().Perm()),
	}
	switch {
	case info.IsDir():
		a.Kind = AttrDir
	case info.Mode()&os.ModeSymlink != 0:
		a.Kind = AttrSymlink
	default:
		a.Kind = AttrFile
	}
	return a
}

func (s *Server) handleList(conn io.Writer, id uint32, msg *Message) error {
	wire := msg.String()
	if err := firstErr(msg.Err()); err != nil {
		return s.status(conn, id, err)
	}
	p, err := s.resolve(wire)
	if err != nil {
		return s.status(conn, id, err)
	}
	dirents, err := os.ReadDir(p)
	if err != nil {
		return s.status(conn, id, err)
	}
	entries := make([]NameEntry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, NameEntry{Name: de.Name(), Attr: attrFromInfo(info)})
	}
	entries = sortedNames(entries)
	out := NewMessage().AddUint32(id).AddUint32(uint32(len(entries)))
	for _, e := range entries {
		out.AddString(e.Name).AddAttr(e.Attr)
	}
	return writePacket(conn, respName, out.Bytes())
}

func (s *Server) handleStat(conn io.Writer, id uint32, msg *Message) error {
	wire := msg.String()
	if err := firstErr(msg.Err()); err != nil {
		return s.status(conn, id, err)
	}
	p, err := s.resolve(wire)
	if err != nil {
		return s.status(conn, id, err)
	}
	info, err := os.Lstat(p)
	if err != nil {
		return s.status(conn, id, err)
	}
	out := NewMessage().AddUint32(id).AddAttr(attrFromInfo(info))
	return writePacket(conn, respAttrs, out.Bytes())
}

func (s *Server) handleRead(conn io.Writer, id uint32, msg *Message) error {
	wire := msg.String()
	offset := msg.Uint64()
	length := msg.Uint32()
	if err := firstErr(msg.Err()); err != nil {
		return s.status(conn, id, err)
	}
	p, err := s.resolve(wire)
	if err != nil {
		return s.status(conn, id, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return s.status(conn, id, err)
	}
	defer f.Close()
	if length > readChunk {
		length = readChunk
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if n == 0 {
		if err == io.EOF {
			return s.sendStatus(conn, id, StatusEOF, "")
		}
		if err != nil {
			return s.status(conn, id, err)
		}
	}
	out := NewMessage().AddUint32(id).AddBytes(buf[:n])
	return writePacket(conn, respData, out.Bytes())
}

func (s *Server) handleWrite(conn io.Writer, id uint32, msg *Message) error {
	wire := msg.String()
	offset := msg.Uint64()
	flags := msg.Uint32()
	data := msg.BytesField()
	if err := firstErr(msg.Err()); err != nil {
		return s.status(conn, id, err)
	}
	p, err := s.resolve(wire)
	if err != nil {
		return s.status(conn, id, err)
	}
	mode := os.O_WRONLY | os.O_CREATE
	if flags&1 != 0 {
		mode |= os.O_TRUNC
	}
	f, err := os.OpenFile(p, mode, 0o644)
	if err != nil {
		return s.status(conn, id, err)
	}
	_, werr := f.WriteAt(data, int64(offset))
	cerr := f.Close()
	return s.status(conn, id, firstErr(werr, cerr))
}

func (s *Server) handleChecksums(conn io.Writer, id uint32, msg *Message) error {
	wire := msg.String()
	if err := firstErr(msg.Err()); err != nil {
		return s.status(conn, id, err)
	}
	p, err := s.resolve(wire)
	if err != nil {
		return s.status(conn, id, err)
	}
	table, err := delta.BlockChecksums(p, s.blockSize)
	if err != nil {
		return s.status(conn, id, err)
	}
	encoded, err := encodeTable(table)
	if err != nil {
		return s.status(conn, id, err)
	}
	out := NewMessage().AddUint32(id).AddBytes(encoded)
	return writePacket(conn, ReqChecksums, out.Bytes())
}

func (s *Server) handleDelta(conn io.Writer, id uint32, msg *Message) error {
	wire := msg.String()
	encoded := msg.BytesField()
	if err := firstErr(msg.Err()); err != nil {
		return s.status(conn, id, err)
	}
	p, err := s.resolve(wire)
	if err != nil {
		return s.status(conn, id, err)
	}
	table, err := decodeTable(encoded)
	if err != nil {
		return s.status(conn, id, err)
	}
	instrs, err := delta.Compute(p, table, s.blockSize)
	if err != nil {
		return s.status(conn, id, err)
	}
	payload, err := encodeDelta(instrs)
	if err != nil {
		return s.status(conn, id, err)
	}
	out := NewMessage().AddUint32(id).AddBytes(payload)
	return writePacket(conn, ReqDelta, out.Bytes())
}

func (s *Server) handlePatch(conn io.Writer, id uint32, msg *Message) error {
	wire := msg.String()
	encoded := msg.BytesField()
	if err := firstErr(msg.Err()); err != nil {
		return s.status(conn, id, err)
	}
	p, err := s.resolve(wire)
	if err != nil {
		return s.status(conn, id, err)
	}
	instrs, err := decodeDelta(encoded)
	if err != nil {
		return s.status(conn, id, err)
	}
	return s.status(conn, id, delta.Patch(p, instrs, s.blockSize))
}
