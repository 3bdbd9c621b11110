package h2

import "fmt"

// ErrCode represents an HTTP/2 error code.
type ErrCode uint32

// HTTP/2 error codes from RFC 7540 Section 7.
const (
	// ErrCodeNoError (0x0): Graceful shutdown.
	ErrCodeNoError ErrCode = 0x0
	// ErrCodeProtocolError (0x1): Protocol error detected.
	ErrCodeProtocolError ErrCode = 0x1
	// ErrCodeInternalError (0x2): Implementation fault.
	ErrCodeInternalError ErrCode = 0x2
	// ErrCodeFlowControlError (0x3): Flow-control limits exceeded.
	ErrCodeFlowControlError ErrCode = 0x3
	// ErrCodeSettingsTimeout (0x4): Settings not acknowledged.
	ErrCodeSettingsTimeout ErrCode = 0x4
	// ErrCodeStreamClosed (0x5): Frame received for already closed stream.
	ErrCodeStreamClosed ErrCode = 0x5
	// ErrCodeFrameSizeError (0x6): Frame size incorrect.
	ErrCodeFrameSizeError ErrCode = 0x6
	// ErrCodeRefusedStream (0x7): Stream not processed.
	ErrCodeRefusedStream ErrCode = 0x7
	// ErrCodeCancel (0x8): Stream cancelled.
	ErrCodeCancel ErrCode = 0x8
	// ErrCodeCompressionError (0x9): Compression state not maintained.
	ErrCodeCompressionError ErrCode = 0x9
	// ErrCodeConnectError (0xa): Connection established in error.
	ErrCodeConnectError ErrCode = 0xa
	// ErrCodeEnhanceYourCalm (0xb): Processing capacity exceeded.
	ErrCodeEnhanceYourCalm ErrCode = 0xb
	// ErrCodeInadequateSecurity (0xc): Negotiated TLS parameters not acceptable.
	ErrCodeInadequateSecurity ErrCode = 0xc
	// ErrCodeHTTP11Required (0xd): Use HTTP/1.1 for the request.
	ErrCodeHTTP11Required ErrCode = 0xd
)

// errCodeInfo pairs the registry name with the RFC's one-line meaning,
// used when surfacing a peer's GOAWAY code to the caller.
type errCodeInfo struct {
	name        string
	description string
}

var errCodeRegistry = map[ErrCode]errCodeInfo{
	ErrCodeNoError:            {"NO_ERROR", "graceful shutdown"},
	ErrCodeProtocolError:      {"PROTOCOL_ERROR", "protocol error detected"},
	ErrCodeInternalError:      {"INTERNAL_ERROR", "implementation fault"},
	ErrCodeFlowControlError:   {"FLOW_CONTROL_ERROR", "flow-control limits exceeded"},
	ErrCodeSettingsTimeout:    {"SETTINGS_TIMEOUT", "settings not acknowledged"},
	ErrCodeStreamClosed:       {"STREAM_CLOSED", "frame received for closed stream"},
	ErrCodeFrameSizeError:     {"FRAME_SIZE_ERROR", "frame size incorrect"},
	ErrCodeRefusedStream:      {"REFUSED_STREAM", "stream not processed"},
	ErrCodeCancel:             {"CANCEL", "stream cancelled"},
	ErrCodeCompressionError:   {"COMPRESSION_ERROR", "compression state not maintained"},
	ErrCodeConnectError:       {"CONNECT_ERROR", "TCP connection error for CONNECT method"},
	ErrCodeEnhanceYourCalm:    {"ENHANCE_YOUR_CALM", "processing capacity exceeded"},
	ErrCodeInadequateSecurity: {"INADEQUATE_SECURITY", "negotiated TLS parameters not acceptable"},
	ErrCodeHTTP11Required:     {"HTTP_1_1_REQUIRED", "use HTTP/1.1 for the request"},
}

// String returns the registry name of the ErrCode, or a placeholder for
// codes outside the registry.
func (e ErrCode) String() string {
	if info, ok := errCodeRegistry[e]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
}

// Description returns the registry's one-line meaning for the code, or
// an empty string for unknown codes.
func (e ErrCode) Description() string {
	if info, ok := errCodeRegistry[e]; ok {
		return info.description
	}
	return ""
}

// ConnectionError reports that the peer terminated the connection, or
// that a connection-scoped failure made it unusable. It implements the
// standard Go error interface.
type ConnectionError struct {
	Code  ErrCode
	Msg   string
	Cause error // Optional underlying cause
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	base := e.Msg
	if base == "" {
		if desc := e.Code.Description(); desc != "" {
			base = fmt.Sprintf("error %s (%d): %s", e.Code.String(), uint32(e.Code), desc)
		} else {
			base = fmt.Sprintf("encountered error code %d", uint32(e.Code))
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %s", base, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", base)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code ErrCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a new ConnectionError with an
// underlying cause.
func NewConnectionErrorWithCause(code ErrCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}

// goAwayError builds the ConnectionError surfaced when the peer's
// termination frame carried a nonzero error code.
func goAwayError(code ErrCode) *ConnectionError {
	return &ConnectionError{Code: code}
}

// StreamResetError reports that an operation targeted a stream that was
// forcefully reset by either endpoint. Callers should not expect any
// further data on that stream.
type StreamResetError struct {
	StreamID uint32
	Code     ErrCode
}

// Error returns a string representation of the StreamResetError.
func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream %d forcefully reset (code %s, %d)", e.StreamID, e.Code.String(), uint32(e.Code))
}

// NewStreamResetError creates a new StreamResetError.
func NewStreamResetError(streamID uint32, code ErrCode) *StreamResetError {
	return &StreamResetError{StreamID: streamID, Code: code}
}
