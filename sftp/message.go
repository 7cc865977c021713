// Package sftp implements the secure file-transfer transport contract the
// sync core rides on: a framed request/response channel with numbered
// requests carrying basic file operations, extended with three request
// kinds that expose the delta codec to a remote replica.
package sftp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Request and response packet types. The extension kinds live outside the
// host protocol's reserved range.
const (
	opList   = 11
	opRemove = 13
	opMkdir  = 14
	opRmdir  = 15
	opStat   = 17
	opRename = 18
	opRead   = 21
	opWrite  = 22

	respStatus = 101
	respData   = 103
	respName   = 104
	respAttrs  = 105

	// ReqChecksums asks the server for a file's block checksum table.
	ReqChecksums = 205
	// ReqDelta asks the server to compute a delta against a peer table.
	ReqDelta = 206
	// ReqPatch asks the server to apply a delta and commit it atomically.
	ReqPatch = 207
)

// Status codes carried by status responses.
const (
	StatusOK = iota
	StatusEOF
	StatusNoSuchFile
	StatusPermissionDenied
	StatusFailure
	_
	_
	_
	StatusOpUnsupported
	_
	_
	StatusFileAlreadyExists
)

// StatusError is a non-OK status response from the peer.
type StatusError struct {
	Code uint32
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("sftp: status %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("sftp: status %d", e.Code)
}

// Wire values of Attr.Kind.
const (
	AttrDir uint32 = iota
	AttrFile
	AttrSymlink
)

// Attr is the wire form of a stat record.
type Attr struct {
	Kind  uint32
	Size  uint64
	Mtime int64
	Mode  uint32
}

// NameEntry is one row of a directory listing response.
type NameEntry struct {
	Name string
	Attr Attr
}

// Message builds and parses typed packet payloads: 32-bit unsigned
// integers in network order, 64-bit unsigned integers, and
// length-prefixed byte strings.
type Message struct {
	buf []byte
	off int
	err error
}

// NewMessage returns an empty message for building a payload.
func NewMessage() *Message { return &Message{} }

func parseMessage(payload []byte) *Message { return &Message{buf: payload} }

// Bytes returns the encoded payload.
func (m *Message) Bytes() []byte { return m.buf }

// Err returns the first decode error encountered, if any.
func (m *Message) Err() error { return m.err }

func (m *Message) AddUint32(v uint32) *Message {
	m.buf = binary.BigEndian.AppendUint32(m.buf, v)
	return m
}

func (m *Message) AddUint64(v uint64) *Message {
	m.buf = binary.BigEndian.AppendUint64(m.buf, v)
	return m
}

func (m *Message) AddString(s string) *Message {
	return m.AddBytes([]byte(s))
}

func (m *Message) AddBytes(p []byte) *Message {
	m.AddUint32(uint32(len(p)))
	m.buf = append(m.buf, p...)
	return m
}

func (m *Message) AddAttr(a Attr) *Message {
	return m.AddUint32(a.Kind).AddUint64(a.Size).AddUint64(uint64(a.Mtime)).AddUint32(a.Mode)
}

func (m *Message) Uint32() uint32 {
	if m.err != nil {
		return 0
	}
	if m.off+4 > len(m.buf) {
		m.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.BigEndian.Uint32(m.buf[m.off:])
	m.off += 4
	return v
}

func (m *Message) Uint64() uint64 {
	if m.err != nil {
		return 0
	}
	if m.off+8 > len(m.buf) {
		m.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.BigEndian.Uint64(m.buf[m.off:])
	m.off += 8
	return v
}

func (m *Message) String() string {
	return string(m.BytesField())
}

func (m *Message) BytesField() []byte {
	n := int(m.Uint32())
	if m.err != nil {
		return nil
	}
	if m.off+n > len(m.buf) {
		m.err = io.ErrUnexpectedEOF
		return nil
	}
	p := m.buf[m.off : m.off+n]
	m.off += n
	return p
}

func (m *Message) Attr() Attr {
	return Attr{
		Kind:  m.Uint32(),
		Size:  m.Uint64(),
		Mtime: int64(m.Uint64()),
		Mode:  m.Uint32(),
	}
}

// maxPacket bounds a single framed packet. Stream reads and writes are
// chunked well below this; the bound mostly guards table and delta
// payloads, which travel whole.
const maxPacket = 1 << 28

// writePacket frames and writes one packet: a 32-bit length covering the
// type byte and payload, the type byte, then the payload.
func writePacket(w io.Writer, typ byte, payload []byte) error {
	if len(payload)+1 > maxPacket {
		return fmt.Errorf("sftp: packet type %d too large: %d bytes", typ, len(payload))
	}
	hdr := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)+1))
	hdr[4] = typ
	_, err := w.Write(append(hdr, payload...))
	return err
}

// readPacket reads one framed packet.
func readPacket(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length == 0 || length > maxPacket {
		return 0, nil, fmt.Errorf("sftp: bad packet length %d", length)
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[4], payload, nil
}
