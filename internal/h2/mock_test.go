package h2

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/h2client/v2/internal/logger"
)

// fakeConn is an in-memory net.Conn with buffered, non-blocking writes
// and blocking, deadline-aware reads. Tests feed inbound bytes with
// feed; everything the connection writes accumulates in writeBuf.
type fakeConn struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readBuf bytes.Buffer

	writeMu  sync.Mutex
	writeBuf bytes.Buffer

	closed       bool
	readDeadline time.Time
}

func newFakeConn() *fakeConn {
	c := &fakeConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// feed makes data available to the next Read.
func (c *fakeConn) feed(data []byte) {
	c.mu.Lock()
	c.readBuf.Write(data)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.readBuf.Len() == 0 {
		if c.closed {
			return 0, io.EOF
		}
		if !c.readDeadline.IsZero() {
			d := time.Until(c.readDeadline)
			if d <= 0 {
				return 0, timeoutError{}
			}
			t := time.AfterFunc(d, c.cond.Broadcast)
			c.cond.Wait()
			t.Stop()
			continue
		}
		c.cond.Wait()
	}
	return c.readBuf.Read(p)
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeBuf.Write(p)
}

func (c *fakeConn) written() []byte {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	out := make([]byte, c.writeBuf.Len())
	copy(out, c.writeBuf.Bytes())
	return out
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return c.SetReadDeadline(t) }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// flakyConn wraps a fakeConn with a scripted read sequence: each Read
// pops the next script entry, where a nil entry passes through to the
// wrapped conn and a non-nil one is returned as that read's error. An
// exhausted script always passes through. maxRead, when positive, caps
// how many bytes a single passthrough Read may return.
type flakyConn struct {
	*fakeConn
	scriptMu sync.Mutex
	script   []error
	maxRead  int
}

func (c *flakyConn) scriptReads(steps ...error) {
	c.scriptMu.Lock()
	c.script = append(c.script, steps...)
	c.scriptMu.Unlock()
}

func (c *flakyConn) Read(p []byte) (int, error) {
	c.scriptMu.Lock()
	var step error
	scripted := false
	if len(c.script) > 0 {
		step = c.script[0]
		c.script = c.script[1:]
		scripted = true
	}
	max := c.maxRead
	c.scriptMu.Unlock()
	if scripted && step != nil {
		return 0, step
	}
	if max > 0 && len(p) > max {
		p = p[:max]
	}
	return c.fakeConn.Read(p)
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// sentOp records one send-side codec call.
type sentOp struct {
	op        string // "preface", "settings", "headers", "data", "reset", "window_update", "goaway", "ping"
	streamID  uint32
	headers   []hpack.HeaderField
	data      []byte
	endStream bool
	code      ErrCode
	increment uint32
	settings  map[Setting]uint32
}

// mockCodec is a scripted Codec. Each ReceiveData call pops one queued
// event batch, regardless of the bytes fed; tests trigger a receive
// cycle by feeding a single byte to the fake socket.
type mockCodec struct {
	mu      sync.Mutex
	ops     []sentOp
	batches [][]Event

	// windows holds per-stream send windows for
	// LocalFlowControlWindow; absent streams get defaultWindow.
	windows       map[uint32]int64
	defaultWindow int64

	// onReceive, when set, runs at the start of each ReceiveData call
	// while the codec lock is held.
	onReceive func(*mockCodec)

	recvErr error
}

func newMockCodec() *mockCodec {
	return &mockCodec{
		windows:       make(map[uint32]int64),
		defaultWindow: 1 << 30,
	}
}

func (m *mockCodec) record(op sentOp) {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	m.mu.Unlock()
}

// sent returns a snapshot of the recorded send-side calls.
func (m *mockCodec) sent() []sentOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentOp, len(m.ops))
	copy(out, m.ops)
	return out
}

// sentByOp filters the recorded calls by op name.
func (m *mockCodec) sentByOp(op string) []sentOp {
	var out []sentOp
	for _, o := range m.sent() {
		if o.op == op {
			out = append(out, o)
		}
	}
	return out
}

// queue appends one batch of events to be returned by the next
// ReceiveData call.
func (m *mockCodec) queue(events []Event) {
	m.mu.Lock()
	m.batches = append(m.batches, events)
	m.mu.Unlock()
}

func (m *mockCodec) setWindow(streamID uint32, w int64) {
	m.mu.Lock()
	m.windows[streamID] = w
	m.mu.Unlock()
}

func (m *mockCodec) InitiateConnection() {
	m.record(sentOp{op: "preface"})
}

func (m *mockCodec) InitiateUpgradeConnection() {
	m.record(sentOp{op: "preface"})
}

func (m *mockCodec) UpdateSettings(settings map[Setting]uint32) {
	m.record(sentOp{op: "settings", settings: settings})
}

func (m *mockCodec) SendHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	hdrs := make([]hpack.HeaderField, len(headers))
	copy(hdrs, headers)
	m.record(sentOp{op: "headers", streamID: streamID, headers: hdrs, endStream: endStream})
	return nil
}

func (m *mockCodec) SendData(streamID uint32, data []byte, endStream bool) error {
	d := make([]byte, len(data))
	copy(d, data)
	m.record(sentOp{op: "data", streamID: streamID, data: d, endStream: endStream})
	m.mu.Lock()
	if w, ok := m.windows[streamID]; ok {
		m.windows[streamID] = w - int64(len(data))
	}
	m.mu.Unlock()
	return nil
}

// ReceiveData pops one queued batch per byte received. The harness
// feeds exactly one trigger byte per deliver, so a read that slurps
// several trigger bytes at once still consumes the matching batches.
// An error armed with failNextReceive is returned once, together with
// whatever events this call decoded, the way a real codec surfaces a
// malformed frame behind valid ones.
func (m *mockCodec) ReceiveData(data []byte) ([]Event, error) {
	m.mu.Lock()
	if m.onReceive != nil {
		m.onReceive(m)
	}
	n := len(data)
	if n < 1 {
		n = 1
	}
	var events []Event
	for i := 0; i < n && len(m.batches) > 0; i++ {
		events = append(events, m.batches[0]...)
		m.batches = m.batches[1:]
	}
	err := m.recvErr
	m.recvErr = nil
	m.mu.Unlock()
	return events, err
}

// failNextReceive arms ReceiveData to return err exactly once.
func (m *mockCodec) failNextReceive(err error) {
	m.mu.Lock()
	m.recvErr = err
	m.mu.Unlock()
}

func (m *mockCodec) IncrementFlowControlWindow(increment uint32, streamID uint32) error {
	m.record(sentOp{op: "window_update", streamID: streamID, increment: increment})
	return nil
}

func (m *mockCodec) LocalFlowControlWindow(streamID uint32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[streamID]; ok {
		return w, nil
	}
	return m.defaultWindow, nil
}

func (m *mockCodec) ResetStream(streamID uint32, code ErrCode) error {
	m.record(sentOp{op: "reset", streamID: streamID, code: code})
	return nil
}

func (m *mockCodec) CloseConnection(code ErrCode) error {
	m.record(sentOp{op: "goaway", code: code})
	return nil
}

func (m *mockCodec) Ping(opaque [8]byte) error {
	d := make([]byte, 8)
	copy(d, opaque[:])
	m.record(sentOp{op: "ping", data: d})
	return nil
}

func (m *mockCodec) DataToSend() []byte {
	return nil
}

// harness wires a Conn to a mockCodec over a fakeConn.
type harness struct {
	conn  *Conn
	codec *mockCodec
	sock  *fakeConn

	// dials counts how many times the connection dialed.
	mu    sync.Mutex
	dials int
}

func newHarness(mutate func(*Options)) (*harness, error) {
	h := &harness{
		codec: newMockCodec(),
		sock:  newFakeConn(),
	}
	secure := false
	opts := Options{
		Host:   "example.com",
		Port:   80,
		Secure: &secure,
		NewCodec: func() Codec {
			return h.codec
		},
		Dial: func(addr string) (net.Conn, error) {
			h.mu.Lock()
			h.dials++
			sock := h.sock
			h.mu.Unlock()
			return sock, nil
		},
		Logger: logger.NewNopLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	conn, err := NewConn(opts)
	if err != nil {
		return nil, err
	}
	h.conn = conn
	return h, nil
}

// deliver queues one event batch and feeds a trigger byte so the next
// (or a currently blocked) receive cycle consumes it.
func (h *harness) deliver(events ...Event) {
	h.codec.queue(events)
	h.socket().feed([]byte{0})
}

func (h *harness) socket() *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sock
}

// resetSocket installs a fresh socket for the next dial, for reconnect
// tests where the previous one was closed.
func (h *harness) resetSocket() {
	h.mu.Lock()
	h.sock = newFakeConn()
	h.mu.Unlock()
}

// connect performs the preamble exchange, scripting the peer's
// settings acknowledgement.
func (h *harness) connect() error {
	h.deliver(SettingsAcknowledged{})
	return h.conn.Connect()
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}
