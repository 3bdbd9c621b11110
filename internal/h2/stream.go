package h2

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2/hpack"

	"example.com/h2client/v2/internal/logger"
)

// MaxChunkSize is the largest DATA payload SendData will put in a
// single frame. Larger bodies are split into MaxChunkSize pieces.
const MaxChunkSize = 1024

// StreamState summarizes a stream's half-close flags, per the state
// machine of RFC 7540 Section 5.1 restricted to the states a client
// request stream moves through.
type StreamState uint8

const (
	// StreamStateOpen: neither direction has signalled end-of-stream.
	StreamStateOpen StreamState = iota
	// StreamStateHalfClosedLocal: we sent END_STREAM; the peer may
	// still send.
	StreamStateHalfClosedLocal
	// StreamStateHalfClosedRemote: the peer sent END_STREAM; we may
	// still send.
	StreamStateHalfClosedRemote
	// StreamStateClosed: both directions are done; the stream is
	// eligible for removal from the connection's table.
	StreamStateClosed
)

// String returns a string representation of the StreamState.
func (s StreamState) String() string {
	switch s {
	case StreamStateOpen:
		return "open"
	case StreamStateHalfClosedLocal:
		return "half-closed (local)"
	case StreamStateHalfClosedRemote:
		return "half-closed (remote)"
	case StreamStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Push is one server push promise: the reserved stream id plus the
// request headers the server promised to answer.
type Push struct {
	StreamID uint32
	Headers  []hpack.HeaderField
}

// streamHooks are the connection-supplied callbacks through which a
// Stream reaches the shared codec and socket. The hooks enforce the
// connection's locking discipline; the Stream itself never sees a lock
// or the socket.
type streamHooks struct {
	// send runs op against the codec and flushes whatever bytes it
	// produced, all under the connection's write lock. tolerateGone
	// swallows peer-vanished write errors for best-effort sends.
	send func(tolerateGone bool, op func(Codec) error) error

	// localWindow reports the stream's current outbound flow-control
	// window as the codec accounts it.
	localWindow func(streamID uint32) (int64, error)

	// receive performs one connection receive-and-dispatch cycle on
	// behalf of the given stream, blocking for network data.
	receive func(streamID uint32) error

	// closed tells the connection the stream is fully closed and can
	// be dropped from the stream table.
	closed func(streamID uint32)
}

// Stream represents one bidirectional request/response exchange
// multiplexed over the shared connection. It is created by the owning
// Conn and mutated both by the calling goroutine (sending, reading) and
// by the connection's event dispatch (receiving).
type Stream struct {
	id    uint32
	log   *logger.Logger
	hooks streamHooks

	// inWindowManager is this stream's receive-side flow control
	// policy.
	inWindowManager WindowPolicy

	mu sync.Mutex
	// headers accumulates outbound header fields until SendHeaders.
	headers []hpack.HeaderField
	// responseHeaders/responseTrailers stay nil until the matching
	// event arrives; the arrived flags distinguish "not yet" from an
	// empty block.
	responseHeaders  []hpack.HeaderField
	responseArrived  bool
	responseTrailers []hpack.HeaderField
	trailersArrived  bool
	// promised buffers push promises in arrival order until drained.
	promised []Push
	// data queues received-but-unconsumed body chunks.
	data     [][]byte
	buffered int

	localClosed  bool
	remoteClosed bool

	// resetArrived/resetCode record a peer RST_STREAM, so waits that
	// can no longer be satisfied fail instead of blocking.
	resetArrived bool
	resetCode    ErrCode
}

func newStream(id uint32, window WindowPolicy, lg *logger.Logger, hooks streamHooks) *Stream {
	if lg == nil {
		lg = logger.NewNopLogger()
	}
	return &Stream{
		id:              id,
		log:             lg,
		hooks:           hooks,
		inWindowManager: window,
	}
}

// ID returns the stream's immutable identity.
func (s *Stream) ID() uint32 {
	return s.id
}

// State derives the stream state from the two half-close flags.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.localClosed && s.remoteClosed:
		return StreamStateClosed
	case s.localClosed:
		return StreamStateHalfClosedLocal
	case s.remoteClosed:
		return StreamStateHalfClosedRemote
	default:
		return StreamStateOpen
	}
}

// AddHeader appends a header field to the outbound header block, or
// replaces every existing field of the same name when replace is true.
// Names are lowercased on the way in, as HTTP/2 requires.
func (s *Stream) AddHeader(name, value string, replace bool) {
	name = strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if replace {
		kept := s.headers[:0]
		for _, hf := range s.headers {
			if hf.Name != name {
				kept = append(kept, hf)
			}
		}
		s.headers = kept
	}
	s.headers = append(s.headers, hpack.HeaderField{Name: name, Value: value})
}

// SendHeaders transmits the accumulated header block as a single
// logical headers frame. With endStream the stream is marked locally
// closed and no further outbound data may follow.
func (s *Stream) SendHeaders(endStream bool) error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return fmt.Errorf("stream %d: cannot send headers, local side already closed", s.id)
	}
	hdrs := s.headers
	s.mu.Unlock()

	err := s.hooks.send(false, func(c Codec) error {
		return c.SendHeaders(s.id, hdrs, endStream)
	})
	if err != nil {
		return err
	}
	if endStream {
		s.markLocalClosed()
	}
	return nil
}

// SendData transmits an in-memory body, chunked at MaxChunkSize.
func (s *Stream) SendData(data []byte, final bool) error {
	return s.SendDataFrom(bytes.NewReader(data), final)
}

// SendDataFrom streams a body from a reader, chunked at MaxChunkSize.
// The last chunk carries END_STREAM only when final is set and the
// chunk is strictly shorter than MaxChunkSize; a body that ends on an
// exact chunk boundary is followed by an explicit empty end-of-stream
// frame instead, so the peer is never left guessing whether more data
// follows.
func (s *Stream) SendDataFrom(r io.Reader, final bool) error {
	buf := make([]byte, MaxChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
		endStream := final && n < MaxChunkSize
		if err := s.sendChunk(buf[:n], endStream); err != nil {
			return err
		}
		if n < MaxChunkSize {
			return nil
		}
	}
}

// sendChunk transmits one DATA frame, first blocking until the stream's
// outbound flow-control window covers the chunk. The wait is a drain of
// incoming frames: window-increasing updates from the peer arrive
// through the same receive path as everything else, which is how flow
// control applies backpressure to the sender.
func (s *Stream) sendChunk(chunk []byte, endStream bool) error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return fmt.Errorf("stream %d: cannot send data, local side already closed", s.id)
	}
	s.mu.Unlock()

	for {
		window, err := s.hooks.localWindow(s.id)
		if err != nil {
			return err
		}
		if int64(len(chunk)) <= window {
			break
		}
		s.log.Debug("stream send window exhausted, draining incoming frames", logger.LogFields{
			"stream_id": s.id, "chunk_len": len(chunk), "window": window,
		})
		if err := s.hooks.receive(s.id); err != nil {
			return err
		}
	}

	err := s.hooks.send(false, func(c Codec) error {
		return c.SendData(s.id, chunk, endStream)
	})
	if err != nil {
		return err
	}
	if endStream {
		s.markLocalClosed()
	}
	return nil
}

// Read blocks until the stream is remote-closed or, when amt is
// positive, until at least amt bytes are buffered. It returns the whole
// accumulated buffer as one concatenated byte sequence and clears it.
// A non-positive amt reads the rest of the body.
func (s *Stream) Read(amt int) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.remoteClosed || (amt > 0 && s.buffered >= amt) {
			out := s.takeBufferedLocked()
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()
		if err := s.hooks.receive(s.id); err != nil {
			return nil, err
		}
	}
}

// ReadFrame blocks until at least one received chunk is buffered, then
// pops and returns the oldest one. It returns nil once the stream has
// closed with nothing left buffered.
func (s *Stream) ReadFrame() ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.data) > 0 {
			chunk := s.data[0]
			s.data = s.data[1:]
			s.buffered -= len(chunk)
			s.mu.Unlock()
			return chunk, nil
		}
		if s.remoteClosed {
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()
		if err := s.hooks.receive(s.id); err != nil {
			return nil, err
		}
	}
}

// GetHeaders blocks until the response header block has arrived and
// returns it. A content-length header, when present, pre-seeds the
// stream's expected-document-size accounting so the flow-control
// manager stops advertising window the peer cannot use.
func (s *Stream) GetHeaders() ([]hpack.HeaderField, error) {
	for {
		s.mu.Lock()
		if s.responseArrived {
			hdrs := s.responseHeaders
			s.mu.Unlock()
			if cl, ok := headerValue(hdrs, "content-length"); ok {
				if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
					s.inWindowManager.SetDocumentSize(n)
				}
			}
			return hdrs, nil
		}
		if s.resetArrived {
			id, code := s.id, s.resetCode
			s.mu.Unlock()
			return nil, NewStreamResetError(id, code)
		}
		if s.remoteClosed {
			s.mu.Unlock()
			return nil, fmt.Errorf("stream %d closed before a response arrived", s.id)
		}
		s.mu.Unlock()
		if err := s.hooks.receive(s.id); err != nil {
			return nil, err
		}
	}
}

// GetTrailers blocks until the stream is fully remote-closed, then
// returns the trailers, or nil when the peer sent none. Note that this
// forces the remainder of the response body to be buffered in memory if
// the caller has not already drained it.
func (s *Stream) GetTrailers() ([]hpack.HeaderField, error) {
	for {
		s.mu.Lock()
		if s.remoteClosed {
			var trailers []hpack.HeaderField
			if s.trailersArrived {
				trailers = s.responseTrailers
			}
			s.mu.Unlock()
			return trailers, nil
		}
		s.mu.Unlock()
		if err := s.hooks.receive(s.id); err != nil {
			return nil, err
		}
	}
}

// Pushes returns an iterator over the push promises buffered on this
// stream. Each Next drains what has arrived so far; with captureAll the
// iterator keeps blocking for new promises until the stream is
// remote-closed, otherwise it stops once the current snapshot is spent.
func (s *Stream) Pushes(captureAll bool) *PushIterator {
	return &PushIterator{stream: s, captureAll: captureAll}
}

// PushIterator yields push promises with drain-then-optionally-block
// semantics. It is not safe for concurrent use; create one per caller.
type PushIterator struct {
	stream     *Stream
	captureAll bool
	pending    []Push
}

// Next returns the next buffered push promise. ok is false when the
// iterator is exhausted.
func (it *PushIterator) Next() (push Push, ok bool, err error) {
	s := it.stream
	for {
		if len(it.pending) > 0 {
			push = it.pending[0]
			it.pending = it.pending[1:]
			return push, true, nil
		}

		s.mu.Lock()
		it.pending = s.promised
		s.promised = nil
		remoteClosed := s.remoteClosed
		s.mu.Unlock()

		if len(it.pending) > 0 {
			continue
		}
		if !it.captureAll || remoteClosed {
			return Push{}, false, nil
		}
		if err := s.hooks.receive(s.id); err != nil {
			return Push{}, false, err
		}
	}
}

// Close terminates the stream. Unless both directions are already
// closed it attempts to send a reset frame with the given code,
// tolerating the protocol layer reporting the stream as already
// invalid. The owning connection is always told to drop the stream.
func (s *Stream) Close(code ErrCode) error {
	s.mu.Lock()
	alreadyClosed := s.localClosed && s.remoteClosed
	s.localClosed = true
	s.remoteClosed = true
	s.mu.Unlock()

	if !alreadyClosed {
		err := s.hooks.send(true, func(c Codec) error {
			return c.ResetStream(s.id, code)
		})
		if err != nil {
			// The codec may consider the stream gone already; closing
			// must not fail destructively either way.
			s.log.Debug("reset on close failed", logger.LogFields{
				"stream_id": s.id, "error": err.Error(),
			})
		}
	}
	s.hooks.closed(s.id)
	return nil
}

// Event-handler methods below are invoked exclusively by the owning
// connection's dispatch loop, never by application code.

// receiveData appends a received body chunk, after updating the
// stream's receive window and transmitting any increment now due.
func (s *Stream) receiveData(data []byte, flowControlledLength uint32) {
	if inc := s.inWindowManager.GrowthIncrement(flowControlledLength); inc > 0 {
		err := s.hooks.send(true, func(c Codec) error {
			return c.IncrementFlowControlWindow(inc, s.id)
		})
		if err != nil {
			s.log.Warn("failed to send stream window update", logger.LogFields{
				"stream_id": s.id, "increment": inc, "error": err.Error(),
			})
		}
	}
	s.mu.Lock()
	s.data = append(s.data, data)
	s.buffered += len(data)
	s.mu.Unlock()
}

// receiveResponse stores the response header block.
func (s *Stream) receiveResponse(headers []hpack.HeaderField) {
	s.mu.Lock()
	s.responseHeaders = headers
	s.responseArrived = true
	s.mu.Unlock()
}

// receiveTrailers stores the trailer header block.
func (s *Stream) receiveTrailers(headers []hpack.HeaderField) {
	s.mu.Lock()
	s.responseTrailers = headers
	s.trailersArrived = true
	s.mu.Unlock()
}

// receivePush registers a push promise made against this stream.
func (s *Stream) receivePush(pushedStreamID uint32, headers []hpack.HeaderField) {
	s.mu.Lock()
	s.promised = append(s.promised, Push{StreamID: pushedStreamID, Headers: headers})
	s.mu.Unlock()
}

// receiveEndStream marks the remote direction closed.
func (s *Stream) receiveEndStream() {
	s.mu.Lock()
	s.remoteClosed = true
	s.mu.Unlock()
}

// receiveReset closes the stream immediately in both directions and
// tells the connection to drop it. No reset frame is sent back.
func (s *Stream) receiveReset(code ErrCode) {
	s.log.Debug("stream reset by peer", logger.LogFields{
		"stream_id": s.id, "code": code.String(),
	})
	s.mu.Lock()
	s.localClosed = true
	s.remoteClosed = true
	s.resetArrived = true
	s.resetCode = code
	s.mu.Unlock()
	s.hooks.closed(s.id)
}

func (s *Stream) markLocalClosed() {
	s.mu.Lock()
	s.localClosed = true
	s.mu.Unlock()
}

// takeBufferedLocked concatenates and clears the receive queue. Caller
// holds s.mu.
func (s *Stream) takeBufferedLocked() []byte {
	out := make([]byte, 0, s.buffered)
	for _, chunk := range s.data {
		out = append(out, chunk...)
	}
	s.data = nil
	s.buffered = 0
	return out
}

// headerValue returns the first value of the named field.
func headerValue(headers []hpack.HeaderField, name string) (string, bool) {
	for _, hf := range headers {
		if hf.Name == name {
			return hf.Value, true
		}
	}
	return "", false
}
