package h2

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2/hpack"

	"example.com/h2client/v2/internal/config"
	"example.com/h2client/v2/internal/logger"
	"example.com/h2client/v2/internal/util"
)

// DefaultConnectionWindowSize is the protocol's default connection-level
// receive window (RFC 7540 Section 6.9.2). The connection window starts
// here regardless of SETTINGS_INITIAL_WINDOW_SIZE, which applies to
// streams only.
const DefaultConnectionWindowSize uint32 = 65535

const (
	// optimisticReadLimit bounds how many extra receive cycles one
	// blocking wait performs while the socket keeps reporting data, so
	// one busy stream cannot monopolize the read lock.
	optimisticReadLimit = 9

	// readProbeWindow is how long CanRead is allowed to wait when
	// probing for more data after a successful read.
	readProbeWindow = time.Millisecond
)

var errNotConnected = errors.New("h2: connection is not established")

// goAwaySignal carries a peer ConnectionTerminated event out of the
// read path, so the connection can be closed after the read lock is
// released.
type goAwaySignal struct {
	code  ErrCode
	debug []byte
}

func (g *goAwaySignal) Error() string {
	return fmt.Sprintf("connection terminated by peer (code %s)", g.code.String())
}

// Options configures a Conn.
type Options struct {
	Host string
	Port int

	// Secure selects TLS. When nil it is derived from the port
	// (443 implies TLS).
	Secure *bool

	// EnablePush advertises SETTINGS_ENABLE_PUSH to the server.
	EnablePush bool

	// InitialWindowSize is the receive window advertised for new
	// streams. Zero means config.DefaultInitialWindowSize.
	InitialWindowSize uint32

	// WindowManager overrides the connection-level receive window
	// policy. Nil means a FlowControlManager at the protocol default.
	WindowManager WindowPolicy

	// NewStreamWindow builds the receive window policy for each new
	// stream. Nil means a FlowControlManager at InitialWindowSize.
	NewStreamWindow func(initialSize uint32) WindowPolicy

	// TLSConfig is cloned for the handshake when Secure. Nil gets a
	// default config advertising the supported HTTP/2 identifiers.
	TLSConfig *tls.Config

	// ProxyHost/ProxyPort route the TCP connection through a plain
	// forward proxy when ProxyHost is non-empty.
	ProxyHost string
	ProxyPort int

	// ForceProto overrides the negotiated application protocol.
	ForceProto string

	// NewCodec builds the protocol codec for each (re)connect.
	// Required.
	NewCodec func() Codec

	// Dial overrides TCP establishment, mainly for tests.
	Dial func(addr string) (net.Conn, error)

	// SocketBufferSize sizes the buffered socket's read buffer.
	SocketBufferSize int

	Logger *logger.Logger
}

// Conn is a multiplexed-stream HTTP/2 client connection over a single
// TCP/TLS socket. One Conn may be driven from many goroutines
// concurrently, one per in-flight request; the locking discipline
// documented on the lock fields makes that safe.
type Conn struct {
	host   string
	port   int
	secure bool

	proxyHost string
	proxyPort int

	enablePush    bool
	initialWindow uint32
	forceProto    string
	tlsConfig     *tls.Config
	sockBufSize   int

	newCodec        func() Codec
	newStreamWindow func(uint32) WindowPolicy
	dial            func(addr string) (net.Conn, error)
	log             *logger.Logger

	// Lock discipline: stateMu is outermost. The read path acquires
	// writeMu while holding readMu (to flush codec-produced acks), so
	// whenever both are needed the order is readMu before writeMu, and
	// no path holding writeMu ever waits on readMu. codecMu and
	// streamsMu are leaves: held briefly, never while acquiring another
	// lock, never across I/O.
	//
	// stateMu guards the lazy-connect check and the close sequence.
	stateMu sync.Mutex
	// writeMu guards every "ask the codec for bytes, write them to the
	// socket" round-trip, and serializes stream-id allocation with
	// header transmission in Request.
	writeMu sync.Mutex
	// readMu guards the socket fill, the codec decode path, and event
	// dispatch.
	readMu sync.Mutex
	// codecMu guards each individual access to the codec object.
	codecMu sync.Mutex

	// sock and codec are exclusively owned by the Conn; nil until
	// Connect succeeds, recreated on every reconnect. Mutated only with
	// stateMu plus readMu, writeMu, and codecMu all held, so holding
	// any one of the four suffices for a reader.
	sock  *BufferedSocket
	codec Codec

	// windowManager is the connection-level receive window policy.
	windowManager WindowPolicy

	// streamsMu guards the stream table and the bookkeeping sets
	// below.
	streamsMu sync.RWMutex
	streams   map[uint32]*Stream
	// nextStreamID is odd and strictly increasing for the lifetime of
	// one connect/close cycle; an allocated id is never reused.
	nextStreamID uint32
	// resetStreams records forcefully terminated stream ids (by either
	// endpoint) with their codes, so stale operations on them fail
	// with StreamResetError instead of "unknown stream".
	resetStreams map[uint32]ErrCode
	// recentRecvStreams marks streams that received frames in the most
	// recent read cycles, letting a waiter skip a redundant blocking
	// read another goroutine already performed for its stream.
	recentRecvStreams map[uint32]struct{}
	// recentStream is the default target when an operation names no
	// stream id.
	recentStream *Stream
}

// NewConn creates an unconnected Conn. The TCP/TLS connection is
// established lazily by Connect, or on first use.
func NewConn(opts Options) (*Conn, error) {
	if opts.Host == "" {
		return nil, errors.New("h2: options: host must be set")
	}
	if opts.NewCodec == nil {
		return nil, errors.New("h2: options: NewCodec must be set")
	}

	port := opts.Port
	if port == 0 {
		port = 443
	}
	secure := port == 443
	if opts.Secure != nil {
		secure = *opts.Secure
	}

	initialWindow := opts.InitialWindowSize
	if initialWindow == 0 {
		initialWindow = config.DefaultInitialWindowSize
	}
	windowManager := opts.WindowManager
	if windowManager == nil {
		windowManager = NewFlowControlManager(DefaultConnectionWindowSize)
	}
	newStreamWindow := opts.NewStreamWindow
	if newStreamWindow == nil {
		newStreamWindow = func(size uint32) WindowPolicy {
			return NewFlowControlManager(size)
		}
	}

	lg := opts.Logger
	if lg == nil {
		lg = logger.NewNopLogger()
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialTCP
	}

	return &Conn{
		host:              opts.Host,
		port:              port,
		secure:            secure,
		proxyHost:         opts.ProxyHost,
		proxyPort:         opts.ProxyPort,
		enablePush:        opts.EnablePush,
		initialWindow:     initialWindow,
		forceProto:        opts.ForceProto,
		tlsConfig:         opts.TLSConfig,
		sockBufSize:       opts.SocketBufferSize,
		newCodec:          opts.NewCodec,
		newStreamWindow:   newStreamWindow,
		dial:              dial,
		log:               lg,
		windowManager:     windowManager,
		streams:           make(map[uint32]*Stream),
		nextStreamID:      1,
		resetStreams:      make(map[uint32]ErrCode),
		recentRecvStreams: make(map[uint32]struct{}),
	}, nil
}

// NewConnFromConfig builds a Conn from a validated client
// configuration section.
func NewConnFromConfig(cfg *config.ClientConfig, lg *logger.Logger, newCodec func() Codec) (*Conn, error) {
	if cfg == nil {
		return nil, errors.New("h2: client configuration cannot be nil")
	}
	opts := Options{
		Host:     cfg.Host,
		NewCodec: newCodec,
		Logger:   lg,
	}
	if cfg.Port != nil {
		opts.Port = *cfg.Port
	}
	opts.Secure = cfg.Secure
	if cfg.EnablePush != nil {
		opts.EnablePush = *cfg.EnablePush
	}
	if cfg.InitialWindowSize != nil {
		opts.InitialWindowSize = *cfg.InitialWindowSize
	}
	if cfg.ProxyHost != nil {
		opts.ProxyHost = *cfg.ProxyHost
	}
	if cfg.ProxyPort != nil {
		opts.ProxyPort = *cfg.ProxyPort
	}
	if cfg.ForceProto != nil {
		opts.ForceProto = *cfg.ForceProto
	}
	return NewConn(opts)
}

// Connect establishes the TCP/TLS connection and performs the HTTP/2
// preamble exchange. It is idempotent: if the socket already exists the
// call returns immediately, and among concurrent callers only the first
// performs the work.
func (c *Conn) Connect() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connectLocked()
}

// connectLocked does the real Connect work. Caller holds stateMu.
func (c *Conn) connectLocked() error {
	if c.sock != nil {
		return nil
	}

	addr := util.HostPort(c.host, c.port)
	if c.proxyHost != "" {
		addr = util.HostPort(c.proxyHost, c.proxyPort)
	}
	raw, err := c.dial(addr)
	if err != nil {
		return err
	}

	var proto string
	conn := raw
	if c.secure {
		conn, proto, err = wrapTLS(raw, c.host, c.tlsConfig, c.forceProto)
		if err != nil {
			return err
		}
	} else {
		proto = ProtocolH2C
		if c.forceProto != "" {
			proto = c.forceProto
		}
	}
	if !acceptableProtocol(proto) {
		conn.Close()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("negotiated protocol %q does not identify HTTP/2", proto))
	}
	c.log.Debug("connection established", logger.LogFields{
		"addr": addr, "proto": proto, "secure": c.secure,
	})

	sock := WrapSocket(conn, c.sockBufSize)
	codec := c.newCodec()
	c.readMu.Lock()
	c.writeMu.Lock()
	c.codecMu.Lock()
	c.sock = sock
	c.codec = codec
	c.codecMu.Unlock()
	c.writeMu.Unlock()
	c.readMu.Unlock()

	// Connection preamble: preface plus our initial SETTINGS, then one
	// blocking receive cycle to consume the peer's SETTINGS.
	pushVal := uint32(0)
	if c.enablePush {
		pushVal = 1
	}
	c.writeMu.Lock()
	c.codecMu.Lock()
	if proto == ProtocolH2C && !c.secure {
		c.codec.InitiateUpgradeConnection()
	} else {
		c.codec.InitiateConnection()
	}
	c.codec.UpdateSettings(map[Setting]uint32{
		SettingEnablePush:        pushVal,
		SettingInitialWindowSize: c.initialWindow,
	})
	c.codecMu.Unlock()
	err = c.flushLocked(false)
	c.writeMu.Unlock()
	if err != nil {
		c.teardownLocked()
		return err
	}

	c.readMu.Lock()
	err = c.blockingReadLocked()
	for i := 0; err == nil && i < optimisticReadLimit && c.sock.CanRead(readProbeWindow); i++ {
		err = c.singleReadLocked()
	}
	c.readMu.Unlock()

	if ga, ok := err.(*goAwaySignal); ok {
		c.closeLocked(ErrCodeNoError)
		if ga.code != ErrCodeNoError {
			return goAwayError(ga.code)
		}
		return nil
	}
	if err != nil {
		c.teardownLocked()
		return err
	}
	return nil
}

// teardownLocked abandons a half-established connection. Caller holds
// stateMu.
func (c *Conn) teardownLocked() {
	if c.sock != nil {
		_ = c.sock.Close()
	}
	c.readMu.Lock()
	c.writeMu.Lock()
	c.codecMu.Lock()
	c.sock = nil
	c.codec = nil
	c.codecMu.Unlock()
	c.writeMu.Unlock()
	c.readMu.Unlock()
}

// Request sends a complete request and returns the allocated stream id.
// Stream-id allocation and header transmission happen under one write
// lock hold, so concurrent Request calls cannot put a lower stream id's
// headers on the wire after a higher one's. A nil body ends the stream
// on the header block; otherwise the body follows, chunked, ending the
// stream.
func (c *Conn) Request(method, url string, body []byte, headers []hpack.HeaderField) (uint32, error) {
	if body == nil {
		return c.request(method, url, nil, false, headers)
	}
	return c.request(method, url, bytes.NewReader(body), true, headers)
}

// RequestFrom is Request with a streamed (file-like) body.
func (c *Conn) RequestFrom(method, url string, body io.Reader, headers []hpack.HeaderField) (uint32, error) {
	return c.request(method, url, body, body != nil, headers)
}

func (c *Conn) request(method, url string, body io.Reader, hasBody bool, headers []hpack.HeaderField) (uint32, error) {
	if err := c.Connect(); err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	s := c.newClientStreamLocked()
	c.addRequestHeaders(s, method, url, headers)
	err := c.sendHeadersLocked(s, !hasBody)
	id := s.id
	c.writeMu.Unlock()
	if err != nil {
		return 0, err
	}

	if hasBody {
		if err := s.SendDataFrom(body, true); err != nil {
			return id, err
		}
	}
	return id, nil
}

// addRequestHeaders builds the four mandatory pseudo-headers and merges
// the caller's fields. A caller field whose name matches one of the
// defaults replaces it rather than duplicating it.
func (c *Conn) addRequestHeaders(s *Stream, method, url string, headers []hpack.HeaderField) {
	path, authority := util.SplitRequestURL(url)
	if authority == "" {
		authority = util.Authority(c.host, c.port, c.secure)
	}
	scheme := "http"
	if c.secure {
		scheme = "https"
	}

	s.AddHeader(":method", method, false)
	s.AddHeader(":scheme", scheme, false)
	s.AddHeader(":authority", authority, false)
	s.AddHeader(":path", path, false)

	for _, hf := range headers {
		s.AddHeader(hf.Name, hf.Value, isDefaultHeader(hf.Name))
	}
}

func isDefaultHeader(name string) bool {
	switch name {
	case ":method", ":scheme", ":authority", ":path":
		return true
	}
	return false
}

// PutRequest begins building a request without sending anything,
// returning the new stream id. Part of the incremental httplib-style
// API; use PutHeader, EndHeaders, and Send to finish it.
func (c *Conn) PutRequest(method, url string) (uint32, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	s := c.newClientStreamLocked()
	c.addRequestHeaders(s, method, url, nil)
	return s.id, nil
}

// PutHeader adds one header field to a stream begun with PutRequest.
// A zero streamID targets the most recently created stream.
func (c *Conn) PutHeader(streamID uint32, name, value string) error {
	s, err := c.getStream(streamID)
	if err != nil {
		return err
	}
	s.AddHeader(name, value, false)
	return nil
}

// EndHeaders transmits the header block accumulated on a stream,
// connecting first if necessary. With final the stream is ended on the
// header block (no body will follow).
func (c *Conn) EndHeaders(streamID uint32, final bool) error {
	if err := c.Connect(); err != nil {
		return err
	}
	s, err := c.getStream(streamID)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendHeadersLocked(s, final)
}

// Send transmits body data on a stream whose headers have been sent.
func (c *Conn) Send(streamID uint32, data []byte, final bool) error {
	s, err := c.getStream(streamID)
	if err != nil {
		return err
	}
	return s.SendData(data, final)
}

// GetResponse blocks until the identified stream's response headers
// have arrived and returns a response view over them plus the stream
// for body reads. A zero streamID targets the most recently created
// stream.
func (c *Conn) GetResponse(streamID uint32) (*Response, error) {
	s, err := c.getStream(streamID)
	if err != nil {
		return nil, err
	}
	headers, err := s.GetHeaders()
	if err != nil {
		return nil, err
	}
	return newResponse(headers, s), nil
}

// GetPushes returns an iterator over the push promises buffered on the
// given stream; see Stream.Pushes for the captureAll semantics.
func (c *Conn) GetPushes(streamID uint32, captureAll bool) (*PushIterator, error) {
	s, err := c.getStream(streamID)
	if err != nil {
		return nil, err
	}
	return s.Pushes(captureAll), nil
}

// Ping sends a PING frame with the given 8-byte opaque payload.
func (c *Conn) Ping(opaque [8]byte) error {
	if err := c.Connect(); err != nil {
		return err
	}
	return c.codecSend(false, func(cd Codec) error {
		return cd.Ping(opaque)
	})
}

// Close tears the connection down gracefully and resets it to the
// fresh, unconnected baseline so it can be reconnected. It implements
// io.Closer and is safe to call repeatedly.
func (c *Conn) Close() error {
	return c.CloseWithCode(ErrCodeNoError)
}

// CloseWithCode is Close with an explicit GOAWAY error code. Every open
// stream is reset, a best-effort termination frame is sent (tolerating
// a vanished peer), and the socket is closed.
func (c *Conn) CloseWithCode(code ErrCode) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closeLocked(code)
}

// closeLocked does the real Close work. Caller holds stateMu.
func (c *Conn) closeLocked(code ErrCode) error {
	c.streamsMu.RLock()
	open := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		open = append(open, s)
	}
	c.streamsMu.RUnlock()
	for _, s := range open {
		_ = s.Close(code)
	}

	if c.codec != nil {
		err := c.codecSend(true, func(cd Codec) error {
			cd.CloseConnection(code)
			return nil
		})
		if err != nil {
			c.log.Debug("error sending termination frame during close", logger.LogFields{
				"error": err.Error(),
			})
		}
	}

	if c.sock != nil {
		// Closing the raw socket first unblocks any goroutine stuck in
		// a blocking fill, so the lock acquisitions below terminate.
		_ = c.sock.Close()
	}
	c.readMu.Lock()
	c.writeMu.Lock()
	c.codecMu.Lock()
	c.sock = nil
	c.codec = nil
	c.codecMu.Unlock()
	c.writeMu.Unlock()
	c.readMu.Unlock()

	c.streamsMu.Lock()
	c.streams = make(map[uint32]*Stream)
	c.resetStreams = make(map[uint32]ErrCode)
	c.recentRecvStreams = make(map[uint32]struct{})
	c.recentStream = nil
	c.nextStreamID = 1
	c.streamsMu.Unlock()

	return nil
}

// newClientStreamLocked allocates the next odd stream id and registers
// a new stream for it. Caller holds writeMu, which is what keeps
// allocation order identical to header-transmission order.
func (c *Conn) newClientStreamLocked() *Stream {
	c.streamsMu.Lock()
	id := c.nextStreamID
	c.nextStreamID += 2
	s := newStream(id, c.newStreamWindow(c.initialWindow), c.log, c.streamHooks())
	c.streams[id] = s
	c.recentStream = s
	c.streamsMu.Unlock()

	c.log.Debug("stream created", logger.LogFields{"stream_id": id})
	return s
}

// newPushedStream registers a server-initiated, receive-only stream for
// a promised id. Invoked from the dispatch path.
func (c *Conn) newPushedStream(id uint32) *Stream {
	s := newStream(id, c.newStreamWindow(c.initialWindow), c.log, c.streamHooks())
	s.markLocalClosed() // receive-only: the client never sends on it
	c.streamsMu.Lock()
	c.streams[id] = s
	c.recentStream = s
	c.streamsMu.Unlock()

	c.log.Debug("pushed stream registered", logger.LogFields{"stream_id": id})
	return s
}

func (c *Conn) streamHooks() streamHooks {
	return streamHooks{
		send:        c.codecSend,
		localWindow: c.localFlowControlWindow,
		receive:     c.receiveFrames,
		closed:      c.streamClosed,
	}
}

// sendHeadersLocked transmits a stream's accumulated header block.
// Caller holds writeMu; Request relies on that to keep id allocation
// and header transmission one atomic step.
func (c *Conn) sendHeadersLocked(s *Stream, endStream bool) error {
	if c.codec == nil {
		return errNotConnected
	}
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return fmt.Errorf("stream %d: cannot send headers, local side already closed", s.id)
	}
	hdrs := s.headers
	s.mu.Unlock()

	c.codecMu.Lock()
	err := c.codec.SendHeaders(s.id, hdrs, endStream)
	c.codecMu.Unlock()
	if err != nil {
		return err
	}
	if err := c.flushLocked(false); err != nil {
		return err
	}
	if endStream {
		s.markLocalClosed()
	}
	return nil
}

// getStream resolves a stream id, defaulting a zero id to the most
// recently created stream. Ids recorded as forcefully reset fail with
// StreamResetError.
func (c *Conn) getStream(streamID uint32) (*Stream, error) {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	if streamID == 0 {
		if c.recentStream == nil {
			return nil, errors.New("h2: no streams have been created on this connection")
		}
		return c.recentStream, nil
	}
	if s, ok := c.streams[streamID]; ok {
		return s, nil
	}
	if code, ok := c.resetStreams[streamID]; ok {
		return nil, NewStreamResetError(streamID, code)
	}
	return nil, fmt.Errorf("h2: stream %d is not active on this connection", streamID)
}

// lookupStream is getStream's dispatch-path sibling: absent streams are
// an ordinary condition there, not an error.
func (c *Conn) lookupStream(streamID uint32) *Stream {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	return c.streams[streamID]
}

// streamClosed removes a fully closed stream from the table.
func (c *Conn) streamClosed(streamID uint32) {
	c.streamsMu.Lock()
	delete(c.streams, streamID)
	c.streamsMu.Unlock()
}

// codecSend runs op against the codec and flushes the bytes it
// produced, under the write lock. tolerateGone swallows peer-vanished
// socket errors, for best-effort sends like final resets and window
// updates.
func (c *Conn) codecSend(tolerateGone bool, op func(Codec) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.codec == nil {
		if tolerateGone {
			return nil
		}
		return errNotConnected
	}
	c.codecMu.Lock()
	err := op(c.codec)
	c.codecMu.Unlock()
	if err != nil {
		return err
	}
	return c.flushLocked(tolerateGone)
}

// flushLocked writes any outstanding codec output to the socket.
// Caller holds writeMu.
func (c *Conn) flushLocked(tolerateGone bool) error {
	if c.codec == nil || c.sock == nil {
		return nil
	}
	c.codecMu.Lock()
	data := c.codec.DataToSend()
	c.codecMu.Unlock()
	if len(data) == 0 {
		return nil
	}
	if err := c.sock.SendAll(data); err != nil {
		if tolerateGone && isPeerGone(err) {
			c.log.Debug("peer gone during best-effort flush", logger.LogFields{
				"error": err.Error(),
			})
			return nil
		}
		return err
	}
	return nil
}

// localFlowControlWindow reports the codec's outbound window for a
// stream.
func (c *Conn) localFlowControlWindow(streamID uint32) (int64, error) {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	if c.codec == nil {
		return 0, errNotConnected
	}
	return c.codec.LocalFlowControlWindow(streamID)
}

// receiveFrames performs one blocking receive-and-dispatch cycle on
// behalf of streamID (zero for connection-scoped waits). If another
// goroutine's read already delivered frames for this exact stream very
// recently, the network read is skipped entirely, so a read on one
// stream is never starved by concurrent reads on others.
func (c *Conn) receiveFrames(streamID uint32) error {
	c.readMu.Lock()
	// The recency check happens under the read lock: a goroutine that
	// queued behind another reader sees frames that reader delivered
	// for its stream and skips its own network read entirely.
	if streamID != 0 && c.consumeRecentRecv(streamID) {
		c.readMu.Unlock()
		return nil
	}
	err := c.blockingReadLocked()
	if err == nil {
		// Optimistically keep reading while the socket reports more
		// data, bounded so other readers get a turn.
		for i := 0; i < optimisticReadLimit && c.sock != nil && c.sock.CanRead(readProbeWindow); i++ {
			rerr := c.singleReadLocked()
			if rerr == nil {
				continue
			}
			if isTransient(rerr) {
				continue
			}
			if _, ok := rerr.(*goAwaySignal); ok {
				err = rerr
				break
			}
			if isPeerReset(rerr) || rerr == io.EOF {
				// Peer hung up mid-burst; what we decoded so far
				// stands.
				break
			}
			err = rerr
			break
		}
	}
	c.readMu.Unlock()

	if ga, ok := err.(*goAwaySignal); ok {
		c.CloseWithCode(ErrCodeNoError)
		if ga.code != ErrCodeNoError {
			return goAwayError(ga.code)
		}
		return nil
	}
	return err
}

// consumeRecentRecv reports and clears the stream's entry in the
// recently-received set.
func (c *Conn) consumeRecentRecv(streamID uint32) bool {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if _, ok := c.recentRecvStreams[streamID]; !ok {
		return false
	}
	delete(c.recentRecvStreams, streamID)
	return true
}

// blockingReadLocked performs one receive cycle, retrying internally on
// transient transport errors. Caller holds readMu.
func (c *Conn) blockingReadLocked() error {
	for {
		err := c.singleReadLocked()
		if err != nil && isTransient(err) {
			continue
		}
		return err
	}
}

// singleReadLocked fills the socket buffer once, feeds the new bytes to
// the codec, dispatches the decoded events, and flushes anything the
// codec produced as a side effect. Caller holds readMu.
func (c *Conn) singleReadLocked() error {
	if c.sock == nil {
		return errNotConnected
	}
	if err := c.sock.Fill(); err != nil {
		return err
	}
	data := c.sock.Buffer()
	n := len(data)

	c.codecMu.Lock()
	events, rerr := c.codec.ReceiveData(data)
	c.codecMu.Unlock()
	c.sock.Advance(n)

	c.recordRecentRecv(events)

	var sig *goAwaySignal
	for _, ev := range events {
		if term, ok := ev.(ConnectionTerminated); ok {
			c.log.Debug("connection terminated by peer", logger.LogFields{
				"code": term.Code.String(), "last_stream_id": term.LastStreamID,
			})
			sig = &goAwaySignal{code: term.Code, debug: term.DebugData}
			break
		}
		c.dispatchEvent(ev)
	}
	if rerr != nil {
		// Codec errors (malformed frames, protocol violations)
		// propagate unchanged to whoever triggered the read, but only
		// after the frames decoded ahead of the failure were delivered.
		return rerr
	}
	if sig != nil {
		return sig
	}

	// Event processing may have queued automatic acks in the codec.
	c.writeMu.Lock()
	ferr := c.flushLocked(true)
	c.writeMu.Unlock()
	return ferr
}

// recordRecentRecv notes which streams this batch of events touched.
func (c *Conn) recordRecentRecv(events []Event) {
	var ids []uint32
	for _, ev := range events {
		switch e := ev.(type) {
		case DataReceived:
			ids = append(ids, e.StreamID)
		case ResponseReceived:
			ids = append(ids, e.StreamID)
		case TrailersReceived:
			ids = append(ids, e.StreamID)
		case StreamEnded:
			ids = append(ids, e.StreamID)
		case StreamReset:
			ids = append(ids, e.StreamID)
		case PushedStreamReceived:
			ids = append(ids, e.ParentStreamID)
		}
	}
	if len(ids) == 0 {
		return
	}
	c.streamsMu.Lock()
	for _, id := range ids {
		if id != 0 {
			c.recentRecvStreams[id] = struct{}{}
		}
	}
	c.streamsMu.Unlock()
}

// dispatchEvent routes one decoded event to the stream it identifies,
// or handles it at connection scope.
func (c *Conn) dispatchEvent(ev Event) {
	switch e := ev.(type) {
	case DataReceived:
		// Connection-level window bookkeeping happens regardless of
		// the stream's fate: the bytes arrived on the connection.
		if inc := c.windowManager.GrowthIncrement(e.FlowControlledLength); inc > 0 {
			err := c.codecSend(true, func(cd Codec) error {
				return cd.IncrementFlowControlWindow(inc, 0)
			})
			if err != nil {
				c.log.Warn("failed to send connection window update", logger.LogFields{
					"increment": inc, "error": err.Error(),
				})
			}
		}
		if s := c.lookupStream(e.StreamID); s != nil {
			s.receiveData(e.Data, e.FlowControlledLength)
		} else {
			c.log.Debug("data for unknown stream discarded", logger.LogFields{
				"stream_id": e.StreamID, "len": len(e.Data),
			})
		}

	case PushedStreamReceived:
		if !c.enablePush {
			// We declared push disabled; never silently accept an
			// unsolicited push. Refuse the promised stream.
			c.log.Warn("refusing pushed stream, push is disabled", logger.LogFields{
				"pushed_stream_id": e.PushedStreamID,
			})
			err := c.codecSend(true, func(cd Codec) error {
				return cd.ResetStream(e.PushedStreamID, ErrCodeRefusedStream)
			})
			if err != nil {
				c.log.Warn("failed to refuse pushed stream", logger.LogFields{
					"pushed_stream_id": e.PushedStreamID, "error": err.Error(),
				})
			}
			return
		}
		c.newPushedStream(e.PushedStreamID)
		if parent := c.lookupStream(e.ParentStreamID); parent != nil {
			parent.receivePush(e.PushedStreamID, e.Headers)
		}

	case ResponseReceived:
		if s := c.lookupStream(e.StreamID); s != nil {
			s.receiveResponse(e.Headers)
		}

	case TrailersReceived:
		if s := c.lookupStream(e.StreamID); s != nil {
			s.receiveTrailers(e.Headers)
		}

	case StreamEnded:
		if s := c.lookupStream(e.StreamID); s != nil {
			s.receiveEndStream()
		}

	case StreamReset:
		c.streamsMu.Lock()
		_, known := c.resetStreams[e.StreamID]
		if !known {
			c.resetStreams[e.StreamID] = e.Code
		}
		c.streamsMu.Unlock()
		if !known {
			if s := c.lookupStream(e.StreamID); s != nil {
				s.receiveReset(e.Code)
			}
		}

	case PingAcknowledged, SettingsAcknowledged, WindowUpdated:
		// Senders blocked on flow control poll the codec's window each
		// receive cycle, so WindowUpdated needs no routing here.

	default:
		c.log.Info("ignoring unrecognized protocol event", logger.LogFields{
			"event": fmt.Sprintf("%T", ev),
		})
	}
}

// isTransient reports errors the read loop retries internally rather
// than surfacing.
func isTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK)
}

// isPeerReset reports the peer tearing the transport down mid-read,
// which ends an optimistic read burst without being an error.
func isPeerReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

// isPeerGone reports write errors meaning the peer already disappeared,
// tolerable during best-effort sends.
func isPeerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
