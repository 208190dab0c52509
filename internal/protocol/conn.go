package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxLineSize caps a single JSON frame. Payloads are framed separately
// and are not subject to it.
const maxLineSize = 64 * 1024

var (
	// ErrInvalidJSON reports a frame that is not a JSON object.
	ErrInvalidJSON = errors.New("protocol: invalid json frame")

	// ErrTruncated reports EOF in the middle of a declared payload or of
	// an unterminated JSON line.
	ErrTruncated = errors.New("protocol: truncated payload")
)

// Conn frames newline-delimited JSON plus trailing binary payloads over
// one duplex byte stream. Reads are single-consumer; writes are
// serialized internally so session code and the replicator can share the
// write side.
type Conn struct {
	raw io.ReadWriteCloser
	br  *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer
}

// NewConn wraps a byte stream, typically a *net.TCPConn.
func NewConn(raw io.ReadWriteCloser) *Conn {
	return &Conn{
		raw: raw,
		br:  bufio.NewReaderSize(raw, maxLineSize),
		bw:  bufio.NewWriterSize(raw, 64*1024),
	}
}

// RemoteAddr returns the peer address when the underlying stream is a
// net.Conn, else "pipe".
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.raw.(net.Conn); ok {
		return nc.RemoteAddr().String()
	}
	return "pipe"
}

// ReadJSON reads one newline-terminated frame into v.
func (c *Conn) ReadJSON(v any) error {
	line, err := c.br.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidJSON, maxLineSize)
		}
		if len(line) > 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	line = bytes.TrimRight(line, "\r\n")
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// ReadRaw reads one frame without decoding, for callers that dispatch on
// its contents later.
func (c *Conn) ReadRaw() (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.ReadJSON(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ReadPayload consumes exactly size bytes of binary payload. A short read
// surfaces as ErrTruncated: the stream is no longer at a frame boundary
// and the connection cannot be reused.
func (c *Conn) ReadPayload(size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return buf, nil
}

// WriteJSON writes one frame and flushes it.
func (c *Conn) WriteJSON(v any) error {
	return c.writeFrame(v, nil)
}

// WriteFrame writes one frame followed by its binary payload, flushed
// together.
func (c *Conn) WriteFrame(v any, payload []byte) error {
	return c.writeFrame(v, payload)
}

func (c *Conn) writeFrame(v any, payload []byte) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(data); err != nil {
		return err
	}
	if err := c.bw.WriteByte('\n'); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.bw.Write(payload); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.raw.Close()
}
