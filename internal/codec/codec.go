// Package codec adapts golang.org/x/net/http2's frame engine to the
// connection layer's Codec interface. All wire-format heavy lifting
// (frame parsing and serialization, HPACK) is delegated to x/net; this
// package only buffers bytes in both directions, tracks peer settings,
// and accounts the outbound flow-control windows.
package codec

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/h2client/v2/internal/h2"
)

const (
	defaultSendWindow   = 65535
	defaultHeaderTable  = 4096
	defaultMaxFrameSize = 16384
)

const frameHeaderLen = 9

// Engine implements h2.Codec over x/net's Framer. It is not safe for
// concurrent use; the owning connection serializes access.
type Engine struct {
	out bytes.Buffer
	in  bytes.Buffer

	framer *http2.Framer

	henc    *hpack.Encoder
	hencBuf bytes.Buffer
	hdec    *hpack.Decoder

	// peerInitialWindow is the peer's SETTINGS_INITIAL_WINDOW_SIZE,
	// applied to streams created after it arrives; existing stream
	// windows are adjusted by the delta per RFC 7540 Section 6.9.2.
	peerInitialWindow int64
	peerMaxFrameSize  uint32

	// connWindow and streamWindows account how much we may still send
	// before the peer's advertised windows are exhausted.
	connWindow    int64
	streamWindows map[uint32]int64

	// sawResponse distinguishes a stream's first header block (the
	// response) from a later one (trailers).
	sawResponse map[uint32]bool

	lastRecvStreamID uint32
}

var _ h2.Codec = (*Engine)(nil)

// New creates an Engine in its pre-preface state.
func New() *Engine {
	e := &Engine{
		peerInitialWindow: defaultSendWindow,
		peerMaxFrameSize:  defaultMaxFrameSize,
		connWindow:        defaultSendWindow,
		streamWindows:     make(map[uint32]int64),
		sawResponse:       make(map[uint32]bool),
	}
	e.framer = http2.NewFramer(&e.out, &e.in)
	e.henc = hpack.NewEncoder(&e.hencBuf)
	e.hdec = hpack.NewDecoder(defaultHeaderTable, nil)
	return e
}

// NewCodec is the constructor in the shape the connection layer wants.
func NewCodec() h2.Codec {
	return New()
}

// InitiateConnection queues the client connection preface.
func (e *Engine) InitiateConnection() {
	e.out.WriteString(http2.ClientPreface)
}

// InitiateUpgradeConnection queues the preface for a plaintext
// connection established with prior knowledge of HTTP/2 support. The
// preface bytes are the same; the distinction is that no TLS handshake
// precedes them.
func (e *Engine) InitiateUpgradeConnection() {
	e.out.WriteString(http2.ClientPreface)
}

// UpdateSettings queues a SETTINGS frame with the given values, in
// ascending identifier order so output is deterministic.
func (e *Engine) UpdateSettings(settings map[h2.Setting]uint32) {
	ids := make([]h2.Setting, 0, len(settings))
	for id := range settings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]http2.Setting, 0, len(ids))
	for _, id := range ids {
		out = append(out, http2.Setting{ID: http2.SettingID(id), Val: settings[id]})
	}
	// Writing to a bytes.Buffer cannot fail.
	_ = e.framer.WriteSettings(out...)
}

// SendHeaders HPACK-encodes the header block and queues it as a single
// HEADERS frame. The stream's send window is registered here, at the
// peer's current initial window size.
func (e *Engine) SendHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	e.hencBuf.Reset()
	for _, hf := range headers {
		if err := e.henc.WriteField(hf); err != nil {
			return errors.Wrapf(err, "encoding header field %q", hf.Name)
		}
	}
	if uint32(e.hencBuf.Len()) > e.peerMaxFrameSize {
		return fmt.Errorf("header block of %d bytes exceeds peer max frame size %d",
			e.hencBuf.Len(), e.peerMaxFrameSize)
	}
	err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: e.hencBuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	})
	if err != nil {
		return err
	}
	if _, ok := e.streamWindows[streamID]; !ok {
		e.streamWindows[streamID] = e.peerInitialWindow
	}
	return nil
}

// SendData queues a DATA frame, debiting both the connection and the
// stream send windows. The caller is expected to have checked
// LocalFlowControlWindow first; an overdraft here is an error, not a
// wait.
func (e *Engine) SendData(streamID uint32, data []byte, endStream bool) error {
	window, err := e.LocalFlowControlWindow(streamID)
	if err != nil {
		return err
	}
	if int64(len(data)) > window {
		return fmt.Errorf("stream %d: %d bytes exceed flow control window of %d",
			streamID, len(data), window)
	}
	if err := e.framer.WriteData(streamID, endStream, data); err != nil {
		return err
	}
	e.connWindow -= int64(len(data))
	e.streamWindows[streamID] -= int64(len(data))
	return nil
}

// IncrementFlowControlWindow queues a WINDOW_UPDATE for the stream, or
// for the connection when streamID is zero.
func (e *Engine) IncrementFlowControlWindow(increment uint32, streamID uint32) error {
	return e.framer.WriteWindowUpdate(streamID, increment)
}

// LocalFlowControlWindow reports the effective send window for a
// stream: the smaller of the connection window and the stream window.
func (e *Engine) LocalFlowControlWindow(streamID uint32) (int64, error) {
	sw, ok := e.streamWindows[streamID]
	if !ok {
		return 0, fmt.Errorf("stream %d is unknown to the protocol engine", streamID)
	}
	if e.connWindow < sw {
		return e.connWindow, nil
	}
	return sw, nil
}

// ResetStream queues an RST_STREAM frame and forgets the stream.
func (e *Engine) ResetStream(streamID uint32, code h2.ErrCode) error {
	if err := e.framer.WriteRSTStream(streamID, http2.ErrCode(code)); err != nil {
		return err
	}
	delete(e.streamWindows, streamID)
	delete(e.sawResponse, streamID)
	return nil
}

// CloseConnection queues a GOAWAY frame.
func (e *Engine) CloseConnection(code h2.ErrCode) error {
	return e.framer.WriteGoAway(e.lastRecvStreamID, http2.ErrCode(code), nil)
}

// Ping queues a PING frame.
func (e *Engine) Ping(opaque [8]byte) error {
	return e.framer.WritePing(false, opaque)
}

// DataToSend drains the queued outbound bytes.
func (e *Engine) DataToSend() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	data := make([]byte, e.out.Len())
	copy(data, e.out.Bytes())
	e.out.Reset()
	return data
}

// ReceiveData appends inbound bytes to the decode buffer and processes
// every complete frame they finish, returning the events produced.
// Partial frames, and header blocks whose CONTINUATION run is not yet
// complete, stay buffered until more bytes arrive.
func (e *Engine) ReceiveData(data []byte) ([]h2.Event, error) {
	e.in.Write(data)

	var events []h2.Event
	for e.completeFrameBuffered() {
		evs, err := e.processFrame()
		events = append(events, evs...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// completeFrameBuffered reports whether the decode buffer holds at
// least one full frame, including the whole CONTINUATION run when the
// head frame carries an unterminated header block.
func (e *Engine) completeFrameBuffered() bool {
	buf := e.in.Bytes()
	offset := 0
	needEnd := false
	for {
		if len(buf) < offset+frameHeaderLen {
			return false
		}
		length := int(buf[offset])<<16 | int(buf[offset+1])<<8 | int(buf[offset+2])
		ftyp := http2.FrameType(buf[offset+3])
		flags := http2.Flags(buf[offset+4])
		if len(buf) < offset+frameHeaderLen+length {
			return false
		}
		if !needEnd {
			switch {
			case ftyp == http2.FrameHeaders && !flags.Has(http2.FlagHeadersEndHeaders),
				ftyp == http2.FramePushPromise && !flags.Has(http2.FlagPushPromiseEndHeaders):
				needEnd = true
				offset += frameHeaderLen + length
				continue
			}
			return true
		}
		// Inside a CONTINUATION run: anything other than CONTINUATION
		// is a peer protocol error; let the framer report it.
		if ftyp != http2.FrameContinuation {
			return true
		}
		if flags.Has(http2.FlagContinuationEndHeaders) {
			return true
		}
		offset += frameHeaderLen + length
	}
}

// processFrame reads exactly one frame (plus its CONTINUATION run, for
// header-bearing frames) and translates it into events.
func (e *Engine) processFrame() ([]h2.Event, error) {
	f, err := e.framer.ReadFrame()
	if err != nil {
		return nil, errors.Wrap(err, "decoding frame")
	}
	if id := f.Header().StreamID; id > e.lastRecvStreamID {
		e.lastRecvStreamID = id
	}

	switch fr := f.(type) {
	case *http2.DataFrame:
		payload := make([]byte, len(fr.Data()))
		copy(payload, fr.Data())
		events := []h2.Event{h2.DataReceived{
			StreamID:             fr.StreamID,
			Data:                 payload,
			FlowControlledLength: fr.Header().Length,
		}}
		if fr.StreamEnded() {
			events = append(events, h2.StreamEnded{StreamID: fr.StreamID})
		}
		return events, nil

	case *http2.HeadersFrame:
		fields, err := e.readHeaderBlock(fr.HeaderBlockFragment(), fr.HeadersEnded())
		if err != nil {
			return nil, err
		}
		var ev h2.Event
		if e.sawResponse[fr.StreamID] {
			ev = h2.TrailersReceived{StreamID: fr.StreamID, Headers: fields}
		} else {
			e.sawResponse[fr.StreamID] = true
			ev = h2.ResponseReceived{StreamID: fr.StreamID, Headers: fields}
		}
		events := []h2.Event{ev}
		if fr.StreamEnded() {
			events = append(events, h2.StreamEnded{StreamID: fr.StreamID})
		}
		return events, nil

	case *http2.PushPromiseFrame:
		fields, err := e.readHeaderBlock(fr.HeaderBlockFragment(), fr.HeadersEnded())
		if err != nil {
			return nil, err
		}
		// A pushed stream carries only a response from the peer; we
		// track no send window for it.
		e.sawResponse[fr.PromiseID] = false
		return []h2.Event{h2.PushedStreamReceived{
			ParentStreamID: fr.StreamID,
			PushedStreamID: fr.PromiseID,
			Headers:        fields,
		}}, nil

	case *http2.RSTStreamFrame:
		delete(e.streamWindows, fr.StreamID)
		delete(e.sawResponse, fr.StreamID)
		return []h2.Event{h2.StreamReset{
			StreamID: fr.StreamID,
			Code:     h2.ErrCode(fr.ErrCode),
		}}, nil

	case *http2.SettingsFrame:
		if fr.IsAck() {
			return []h2.Event{h2.SettingsAcknowledged{}}, nil
		}
		e.applyPeerSettings(fr)
		_ = e.framer.WriteSettingsAck()
		return nil, nil

	case *http2.PingFrame:
		if fr.IsAck() {
			return []h2.Event{h2.PingAcknowledged{Data: fr.Data}}, nil
		}
		_ = e.framer.WritePing(true, fr.Data)
		return nil, nil

	case *http2.GoAwayFrame:
		debug := make([]byte, len(fr.DebugData()))
		copy(debug, fr.DebugData())
		return []h2.Event{h2.ConnectionTerminated{
			Code:         h2.ErrCode(fr.ErrCode),
			LastStreamID: fr.LastStreamID,
			DebugData:    debug,
		}}, nil

	case *http2.WindowUpdateFrame:
		if fr.StreamID == 0 {
			e.connWindow += int64(fr.Increment)
		} else if _, ok := e.streamWindows[fr.StreamID]; ok {
			e.streamWindows[fr.StreamID] += int64(fr.Increment)
		}
		return []h2.Event{h2.WindowUpdated{
			StreamID: fr.StreamID,
			Delta:    fr.Increment,
		}}, nil

	default:
		// PRIORITY and unknown extension frames carry nothing the
		// connection layer acts on.
		return nil, nil
	}
}

// readHeaderBlock assembles a complete header block from the head
// fragment plus any CONTINUATION frames, then HPACK-decodes it.
// completeFrameBuffered guarantees the whole run is in the buffer.
func (e *Engine) readHeaderBlock(fragment []byte, ended bool) ([]hpack.HeaderField, error) {
	block := make([]byte, len(fragment))
	copy(block, fragment)
	for !ended {
		f, err := e.framer.ReadFrame()
		if err != nil {
			return nil, errors.Wrap(err, "decoding continuation frame")
		}
		cont, ok := f.(*http2.ContinuationFrame)
		if !ok {
			return nil, fmt.Errorf("expected CONTINUATION frame, got %v", f.Header().Type)
		}
		block = append(block, cont.HeaderBlockFragment()...)
		ended = cont.HeadersEnded()
	}
	fields, err := e.hdec.DecodeFull(block)
	if err != nil {
		return nil, errors.Wrap(err, "decoding header block")
	}
	return fields, nil
}

// applyPeerSettings records the peer's SETTINGS. A changed initial
// window size shifts every established stream window by the delta, per
// RFC 7540 Section 6.9.2.
func (e *Engine) applyPeerSettings(fr *http2.SettingsFrame) {
	_ = fr.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - e.peerInitialWindow
			e.peerInitialWindow = int64(s.Val)
			for id := range e.streamWindows {
				e.streamWindows[id] += delta
			}
		case http2.SettingMaxFrameSize:
			e.peerMaxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			e.henc.SetMaxDynamicTableSize(s.Val)
		}
		return nil
	})
}
