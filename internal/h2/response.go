package h2

import (
	"strconv"

	"golang.org/x/net/http2/hpack"
)

// Response is a read-side view over a stream whose response header
// block has arrived. It decodes the :status pseudo-header once and
// delegates body and trailer access to the underlying stream.
type Response struct {
	status  int
	headers []hpack.HeaderField
	stream  *Stream
}

func newResponse(headers []hpack.HeaderField, s *Stream) *Response {
	status := 0
	if v, ok := headerValue(headers, ":status"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			status = n
		}
	}
	return &Response{status: status, headers: headers, stream: s}
}

// Status returns the response's HTTP status code, or zero when the
// peer sent no parseable :status pseudo-header.
func (r *Response) Status() int {
	return r.status
}

// Header returns the first value of the named header field. Names are
// matched lowercase, which is the only form HTTP/2 puts on the wire.
func (r *Response) Header(name string) (string, bool) {
	return headerValue(r.headers, name)
}

// Headers returns the full response header block in wire order,
// pseudo-headers included.
func (r *Response) Headers() []hpack.HeaderField {
	return r.headers
}

// Read drains buffered body data, blocking until the stream ends or,
// for a positive amt, until at least that many bytes are available.
func (r *Response) Read(amt int) ([]byte, error) {
	return r.stream.Read(amt)
}

// ReadFrame returns the next received body chunk, or nil at
// end-of-stream.
func (r *Response) ReadFrame() ([]byte, error) {
	return r.stream.ReadFrame()
}

// Trailers blocks until the stream is fully received and returns the
// trailer block, or nil when the peer sent none.
func (r *Response) Trailers() ([]hpack.HeaderField, error) {
	return r.stream.GetTrailers()
}

// Stream exposes the underlying stream, for push promises and state
// inspection.
func (r *Response) Stream() *Stream {
	return r.stream
}

// Close abandons the rest of the response, resetting the stream with
// CANCEL. Safe to call after the body has been fully read.
func (r *Response) Close() error {
	return r.stream.Close(ErrCodeCancel)
}
