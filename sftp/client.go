package sftp

import (
	"fmt"
	"io"
	"sync"

	"github.com/bertl4398/MiGBox/delta"
)

// readChunk is the read size requested per opRead round trip.
const readChunk = 128 * 1024

// Client issues numbered requests over an established transport channel.
// It is safe for concurrent use: each sender waits on its own response
// slot, correlated by request number.
type Client struct {
	// Redial, if set, is used once to re-establish the channel after a
	// transport failure; a second failure is surfaced to the caller.
	Redial func() (io.ReadWriteCloser, error)

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	nextID  uint32
	pending map[uint32]chan response
	readErr error
	closed  bool
}

type response struct {
	typ byte
	msg *Message
}

// NewClient wraps an authenticated byte channel and starts the response
// reader.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan response),
	}
	go c.readLoop(conn)
	return c
}

func (c *Client) readLoop(conn io.ReadWriteCloser) {
	for {
		typ, payload, err := readPacket(conn)
		if err != nil {
			c.failAll(conn, err)
			return
		}
		msg := parseMessage(payload)
		id := msg.Uint32()
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- response{typ: typ, msg: msg}
		}
	}
}

func (c *Client) failAll(conn io.ReadWriteCloser, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		// A redial already replaced this channel.
		return
	}
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// call sends one request and waits for its response. On a transport
// failure it redials once and retries the request.
func (c *Client) call(typ byte, build func(*Message)) (byte, *Message, error) {
	rt, msg, err := c.callOnce(typ, build)
	if err == nil || c.Redial == nil {
		return rt, msg, err
	}
	if _, ok := err.(*StatusError); ok {
		return rt, msg, err
	}
	if rerr := c.redial(); rerr != nil {
		return 0, nil, fmt.Errorf("sftp: reconnect failed: %w (after %v)", rerr, err)
	}
	return c.callOnce(typ, build)
}

func (c *Client) callOnce(typ byte, build func(*Message)) (byte, *Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("sftp: client closed")
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("sftp: transport down: %w", err)
	}
	id := c.nextID
	c.nextID++
	ch := make(chan response, 1)
	c.pending[id] = ch
	conn := c.conn

	msg := NewMessage().AddUint32(id)
	build(msg)
	err := writePacket(conn, typ, msg.Bytes())
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("sftp: send failed: %w", err)
	}
	c.mu.Unlock()

	resp, ok := <-ch
	if !ok {
		return 0, nil, fmt.Errorf("sftp: connection lost awaiting response")
	}
	if resp.typ == respStatus {
		code := resp.msg.Uint32()
		text := resp.msg.String()
		if code != StatusOK {
			return resp.typ, resp.msg, &StatusError{Code: code, Msg: text}
		}
	}
	return resp.typ, resp.msg, nil
}

func (c *Client) redial() error {
	conn, err := c.Redial()
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.readErr = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go c.readLoop(conn)
	return nil
}

// Close shuts the channel down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) expectStatus(typ byte, build func(*Message)) error {
	_, _, err := c.call(typ, build)
	return err
}

// List returns the entries of a remote directory.
func (c *Client) List(path string) ([]NameEntry, error) {
	rt, msg, err := c.call(opList, func(m *Message) { m.AddString(path) })
	if err != nil {
		return nil, err
	}
	if rt != respName {
		return nil, fmt.Errorf("sftp: unexpected response type %d to list", rt)
	}
	n := msg.Uint32()
	entries := make([]NameEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		entries = append(entries, NameEntry{Name: msg.String(), Attr: msg.Attr()})
	}
	return entries, msg.Err()
}

// Stat returns metadata for a remote path.
func (c *Client) Stat(path string) (Attr, error) {
	rt, msg, err := c.call(opStat, func(m *Message) { m.AddString(path) })
	if err != nil {
		return Attr{}, err
	}
	if rt != respAttrs {
		return Attr{}, fmt.Errorf("sftp: unexpected response type %d to stat", rt)
	}
	a := msg.Attr()
	return a, msg.Err()
}

// Mkdir creates a remote directory.
func (c *Client) Mkdir(path string) error {
	return c.expectStatus(opMkdir, func(m *Message) { m.AddString(path) })
}

// Rmdir removes an empty remote directory.
func (c *Client) Rmdir(path string) error {
	return c.expectStatus(opRmdir, func(m *Message) { m.AddString(path) })
}

// Remove deletes a remote file.
func (c *Client) Remove(path string) error {
	return c.expectStatus(opRemove, func(m *Message) { m.AddString(path) })
}

// Rename moves a remote file or directory.
func (c *Client) Rename(src, dst string) error {
	return c.expectStatus(opRename, func(m *Message) { m.AddString(src).AddString(dst) })
}

// Read returns up to length bytes of a remote file at offset. io.EOF is
// returned at end of file.
func (c *Client) Read(path string, offset uint64, length uint32) ([]byte, error) {
	rt, msg, err := c.call(opRead, func(m *Message) {
		m.AddString(path).AddUint64(offset).AddUint32(length)
	})
	if err != nil {
		if se, ok := err.(*StatusError); ok && se.Code == StatusEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if rt != respData {
		return nil, fmt.Errorf("sftp: unexpected response type %d to read", rt)
	}
	data := msg.BytesField()
	if err := msg.Err(); err != nil {
		return nil, err
	}
	return data, nil
}

// Write writes data to a remote file at offset. truncate recreates the
// file before the write.
func (c *Client) Write(path string, offset uint64, data []byte, truncate bool) error {
	var flags uint32
	if truncate {
		flags = 1
	}
	return c.expectStatus(opWrite, func(m *Message) {
		m.AddString(path).AddUint64(offset).AddUint32(flags).AddBytes(data)
	})
}

// Checksums asks the server to compute the block checksum table of path.
func (c *Client) Checksums(path string) (delta.Table, error) {
	rt, msg, err := c.call(ReqChecksums, func(m *Message) { m.AddString(path) })
	if err != nil {
		return nil, err
	}
	if rt != ReqChecksums {
		return nil, fmt.Errorf("sftp: unexpected response type %d to checksums", rt)
	}
	payload := msg.BytesField()
	if err := msg.Err(); err != nil {
		return nil, err
	}
	return decodeTable(payload)
}

// Delta asks the server to compute the delta of path against table.
func (c *Client) Delta(path string, table delta.Table) ([]delta.Instruction, error) {
	encoded, err := encodeTable(table)
	if err != nil {
		return nil, err
	}
	rt, msg, err := c.call(ReqDelta, func(m *Message) { m.AddString(path).AddBytes(encoded) })
	if err != nil {
		return nil, err
	}
	if rt != ReqDelta {
		return nil, fmt.Errorf("sftp: unexpected response type %d to delta", rt)
	}
	payload := msg.BytesField()
	if err := msg.Err(); err != nil {
		return nil, err
	}
	return decodeDelta(payload)
}

// Patch asks the server to apply instrs to path and commit atomically.
func (c *Client) Patch(path string, instrs []delta.Instruction) error {
	encoded, err := encodeDelta(instrs)
	if err != nil {
		return err
	}
	return c.expectStatus(ReqPatch, func(m *Message) { m.AddString(path).AddBytes(encoded) })
}
