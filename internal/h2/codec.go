package h2

import (
	"golang.org/x/net/http2/hpack"
)

// Setting identifies an HTTP/2 setting (RFC 7540 Section 6.5.2).
type Setting uint16

const (
	SettingHeaderTableSize      Setting = 0x1
	SettingEnablePush           Setting = 0x2
	SettingMaxConcurrentStreams Setting = 0x3
	SettingInitialWindowSize    Setting = 0x4
	SettingMaxFrameSize         Setting = 0x5
	SettingMaxHeaderListSize    Setting = 0x6
)

// Codec is the wrapped HTTP/2 protocol engine. It owns all wire-format
// state: frame parsing and serialization, HPACK tables, settings, and
// per-stream/per-connection flow-control accounting. The connection
// layer never touches bytes-on-the-wire semantics directly; it asks the
// codec to perform an operation, then flushes whatever DataToSend
// returns through the socket.
//
// A Codec is not safe for concurrent use. The connection guards every
// send-side call with its write lock and every ReceiveData call with
// its read lock.
type Codec interface {
	// InitiateConnection queues the client connection preface.
	InitiateConnection()

	// InitiateUpgradeConnection queues the plaintext-upgrade (h2c)
	// variant of the preface.
	InitiateUpgradeConnection()

	// UpdateSettings queues a SETTINGS frame reflecting the given
	// values.
	UpdateSettings(settings map[Setting]uint32)

	// SendHeaders queues a header block for the stream.
	SendHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool) error

	// SendData queues a DATA frame for the stream.
	SendData(streamID uint32, data []byte, endStream bool) error

	// ReceiveData feeds inbound bytes to the decoder and returns the
	// protocol events they produced. Decoding may queue automatic
	// replies (settings acks, flow-control acks) for DataToSend.
	ReceiveData(data []byte) ([]Event, error)

	// IncrementFlowControlWindow queues a WINDOW_UPDATE. A streamID of
	// zero targets the connection-level window.
	IncrementFlowControlWindow(increment uint32, streamID uint32) error

	// LocalFlowControlWindow reports how many bytes may currently be
	// sent on the stream before the peer's window is exhausted.
	LocalFlowControlWindow(streamID uint32) (int64, error)

	// ResetStream queues an RST_STREAM frame.
	ResetStream(streamID uint32, code ErrCode) error

	// CloseConnection queues a GOAWAY frame.
	CloseConnection(code ErrCode) error

	// Ping queues a PING frame with the given 8-byte payload.
	Ping(opaque [8]byte) error

	// DataToSend drains and returns the bytes queued by prior calls.
	DataToSend() []byte
}

// Event is a decoded protocol event produced by Codec.ReceiveData.
type Event interface {
	isEvent()
}

// DataReceived reports a DATA frame payload for a stream.
// FlowControlledLength is the padded on-the-wire length, which is what
// flow-control accounting must use.
type DataReceived struct {
	StreamID             uint32
	Data                 []byte
	FlowControlledLength uint32
}

// ResponseReceived reports the response header block for a stream.
type ResponseReceived struct {
	StreamID uint32
	Headers  []hpack.HeaderField
}

// TrailersReceived reports the trailer header block for a stream.
type TrailersReceived struct {
	StreamID uint32
	Headers  []hpack.HeaderField
}

// PushedStreamReceived reports a PUSH_PROMISE: the server reserved
// PushedStreamID and attached the promised request headers to the
// client-initiated ParentStreamID.
type PushedStreamReceived struct {
	ParentStreamID uint32
	PushedStreamID uint32
	Headers        []hpack.HeaderField
}

// StreamEnded reports the peer's END_STREAM flag for a stream.
type StreamEnded struct {
	StreamID uint32
}

// StreamReset reports an RST_STREAM from the peer.
type StreamReset struct {
	StreamID uint32
	Code     ErrCode
}

// ConnectionTerminated reports a GOAWAY from the peer.
type ConnectionTerminated struct {
	Code         ErrCode
	LastStreamID uint32
	DebugData    []byte
}

// PingAcknowledged reports a PING ack carrying the original payload.
type PingAcknowledged struct {
	Data [8]byte
}

// SettingsAcknowledged reports the peer's SETTINGS ack.
type SettingsAcknowledged struct{}

// WindowUpdated reports a WINDOW_UPDATE; the codec has already applied
// the increment to its own accounting. StreamID zero is the connection.
type WindowUpdated struct {
	StreamID uint32
	Delta    uint32
}

func (DataReceived) isEvent()         {}
func (ResponseReceived) isEvent()     {}
func (TrailersReceived) isEvent()     {}
func (PushedStreamReceived) isEvent() {}
func (StreamEnded) isEvent()          {}
func (StreamReset) isEvent()          {}
func (ConnectionTerminated) isEvent() {}
func (PingAcknowledged) isEvent()     {}
func (SettingsAcknowledged) isEvent() {}
func (WindowUpdated) isEvent()        {}
