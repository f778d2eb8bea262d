package rsyncwire

import (
	"io"
)

// maxDataChunk bounds a single outgoing MsgData frame (32 KiB) so that
// large writes don't produce one giant frame.
const maxDataChunk = 32 * 1024

// MultiplexWriter implements io.Writer by wrapping every write in a MsgData
// frame. Call WriteMsg directly on the underlying Conn for non-DATA
// categories (INFO, ERROR, ...).
type MultiplexWriter struct {
	Conn *Conn
}

func NewMultiplexWriter(c *Conn) *MultiplexWriter {
	return &MultiplexWriter{Conn: c}
}

func (m *MultiplexWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxDataChunk {
			n = maxDataChunk
		}
		if err := m.Conn.WriteMsg(MsgData, p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// MessageHandler processes an out-of-band (non-DATA) frame as it arrives.
type MessageHandler func(tag MsgTag, payload []byte) error

// MultiplexReader implements io.Reader over DATA frames, dispatching every
// other category to handler as it's encountered. Handler is invoked
// synchronously from within Read, matching the protocol's requirement that
// IO_ERROR and friends are processed as they arrive on the message channel.
type MultiplexReader struct {
	Conn    *Conn
	Handler MessageHandler

	pending []byte // unread bytes from the current DATA frame
}

func NewMultiplexReader(c *Conn, handler MessageHandler) *MultiplexReader {
	return &MultiplexReader{Conn: c, Handler: handler}
}

func (m *MultiplexReader) Read(p []byte) (int, error) {
	for len(m.pending) == 0 {
		tag, n, err := m.Conn.ReadMsgHeader()
		if err != nil {
			return 0, err
		}
		payload, err := m.Conn.ReadMsgPayload(n)
		if err != nil {
			return 0, err
		}
		if tag == MsgData {
			m.pending = payload
			continue
		}
		if m.Handler != nil {
			if err := m.Handler(tag, payload); err != nil {
				return 0, err
			}
		}
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

// CountingReader wraps an io.Reader and tallies bytes read, used to build
// the transfer statistics exchanged at the end of a session.
type CountingReader struct {
	R     io.Reader
	Count int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.Count += int64(n)
	return n, err
}

// CountingWriter wraps an io.Writer and tallies bytes written.
type CountingWriter struct {
	W     io.Writer
	Count int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.Count += int64(n)
	return n, err
}

// CounterPair bundles the read/write counters for one end of a connection.
type CounterPair struct {
	Reader *CountingReader
	Writer *CountingWriter
}

func NewCounterPair(r io.Reader, w io.Writer) *CounterPair {
	return &CounterPair{
		Reader: &CountingReader{R: r},
		Writer: &CountingWriter{W: w},
	}
}
