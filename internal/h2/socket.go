package h2

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// DefaultSocketBufferSize is the read buffer size used when wrapping a
// connection without an explicit size.
const DefaultSocketBufferSize = 65535

// BufferedSocket is the byte-oriented I/O object the connection layer
// reads from and writes to. It owns a single read buffer that the
// caller inspects via Buffer and consumes via Advance; Fill appends the
// result of one blocking read. It performs no locking: the connection's
// read lock guards Fill/Buffer/Advance and its write lock guards
// SendAll.
type BufferedSocket struct {
	conn net.Conn
	buf  []byte
	// buf[start:end] holds unconsumed bytes.
	start int
	end   int

	// primed is set when a CanRead probe pulled bytes into the buffer;
	// the next Fill serves those bytes instead of blocking for more.
	primed bool
	// probeErr holds a non-timeout error a CanRead probe observed; the
	// next Fill returns it instead of reading again.
	probeErr error
}

// WrapSocket wraps a connected net.Conn in a BufferedSocket with the
// given read buffer size (DefaultSocketBufferSize when <= 0).
func WrapSocket(conn net.Conn, bufferSize int) *BufferedSocket {
	if bufferSize <= 0 {
		bufferSize = DefaultSocketBufferSize
	}
	return &BufferedSocket{
		conn: conn,
		buf:  make([]byte, bufferSize),
	}
}

// Fill performs one blocking read from the network and appends the
// received bytes to the buffer. Bytes or an error a preceding CanRead
// probe pulled off the wire are served first, without another read. A
// read of zero bytes with a nil error is reported as an unexpected EOF.
func (s *BufferedSocket) Fill() error {
	if s.primed && s.end > s.start {
		s.primed = false
		return nil
	}
	s.primed = false
	if err := s.probeErr; err != nil {
		s.probeErr = nil
		return err
	}
	s.compact()
	if s.end == len(s.buf) {
		// Buffer completely full and unconsumed; grow rather than drop.
		grown := make([]byte, len(s.buf)*2)
		copy(grown, s.buf[s.start:s.end])
		s.end -= s.start
		s.start = 0
		s.buf = grown
	}
	n, err := s.conn.Read(s.buf[s.end:])
	if n > 0 {
		s.end += n
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("socket: zero-byte read without error")
	}
	return nil
}

// Buffer returns the unconsumed bytes received so far. The slice is
// only valid until the next Fill or Advance.
func (s *BufferedSocket) Buffer() []byte {
	return s.buf[s.start:s.end]
}

// Advance marks the first n buffered bytes as consumed.
func (s *BufferedSocket) Advance(n int) {
	if n > s.end-s.start {
		n = s.end - s.start
	}
	s.start += n
	if s.start == s.end {
		s.start = 0
		s.end = 0
	}
}

// CanRead reports whether the socket has something for the next Fill
// without blocking beyond the given probe window. Any bytes the probe
// pulls off the wire stay in the buffer, and a broken socket counts as
// readable, the same way select reports a pending error: the next Fill
// delivers the verdict.
func (s *BufferedSocket) CanRead(window time.Duration) bool {
	if s.end > s.start || s.probeErr != nil {
		return true
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return false
	}
	defer s.conn.SetReadDeadline(time.Time{})

	s.compact()
	n, err := s.conn.Read(s.buf[s.end:])
	if n > 0 {
		s.end += n
		s.primed = true
		return true
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return false
	}
	if err != nil {
		s.probeErr = err
		return true
	}
	return false
}

// SendAll writes the whole byte sequence to the socket.
func (s *BufferedSocket) SendAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Close closes the underlying connection.
func (s *BufferedSocket) Close() error {
	return s.conn.Close()
}

// compact moves unconsumed bytes to the front of the buffer so Fill has
// contiguous space to read into.
func (s *BufferedSocket) compact() {
	if s.start == 0 {
		return
	}
	copy(s.buf, s.buf[s.start:s.end])
	s.end -= s.start
	s.start = 0
}
