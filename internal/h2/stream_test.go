package h2

import (
	"bytes"
	"sync"
	"testing"

	"golang.org/x/net/http2/hpack"
)

// hookRecorder implements streamHooks against a mockCodec, with a
// controllable receive callback standing in for the connection's read
// loop.
type hookRecorder struct {
	codec *mockCodec

	mu        sync.Mutex
	onReceive func()
	received  int
	closed    []uint32
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{codec: newMockCodec()}
}

func (r *hookRecorder) hooks() streamHooks {
	return streamHooks{
		send: func(tolerateGone bool, op func(Codec) error) error {
			return op(r.codec)
		},
		localWindow: func(streamID uint32) (int64, error) {
			return r.codec.LocalFlowControlWindow(streamID)
		},
		receive: func(streamID uint32) error {
			r.mu.Lock()
			r.received++
			cb := r.onReceive
			r.mu.Unlock()
			if cb != nil {
				cb()
			}
			return nil
		},
		closed: func(streamID uint32) {
			r.mu.Lock()
			r.closed = append(r.closed, streamID)
			r.mu.Unlock()
		},
	}
}

func newTestStream(id uint32, r *hookRecorder) *Stream {
	return newStream(id, NewFlowControlManager(65535), nil, r.hooks())
}

func TestStreamAddHeaderLowercasesAndReplaces(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	s.AddHeader("Content-Type", "text/html", false)
	s.AddHeader("X-Thing", "one", false)
	s.AddHeader("X-Thing", "two", false)
	if err := s.SendHeaders(false); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	hdrs := r.codec.sentByOp("headers")[0].headers
	if hdrs[0].Name != "content-type" {
		t.Errorf("name = %q, want lowercased", hdrs[0].Name)
	}
	count := 0
	for _, hf := range hdrs {
		if hf.Name == "x-thing" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("x-thing count = %d, want 2 (append semantics)", count)
	}

	s2 := newTestStream(3, r)
	s2.AddHeader("X-Thing", "one", false)
	s2.AddHeader("X-Thing", "two", true)
	if err := s2.SendHeaders(false); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	hdrs = r.codec.sentByOp("headers")[1].headers
	if len(hdrs) != 1 || hdrs[0].Value != "two" {
		t.Errorf("replace semantics broken: %v", hdrs)
	}
}

func TestStreamStateTransitions(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	if got := s.State(); got != StreamStateOpen {
		t.Errorf("initial state = %v, want open", got)
	}
	if err := s.SendHeaders(true); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if got := s.State(); got != StreamStateHalfClosedLocal {
		t.Errorf("state after local end = %v, want half-closed (local)", got)
	}
	s.receiveEndStream()
	if got := s.State(); got != StreamStateClosed {
		t.Errorf("state after remote end = %v, want closed", got)
	}
}

func TestStreamSendAfterLocalCloseFails(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	if err := s.SendHeaders(true); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if err := s.SendHeaders(false); err == nil {
		t.Error("second SendHeaders after END_STREAM should fail")
	}
	if err := s.SendData([]byte("x"), false); err == nil {
		t.Error("SendData after END_STREAM should fail")
	}

	// Closing one stream does not affect another on the same hooks.
	s2 := newTestStream(3, r)
	if err := s2.SendHeaders(false); err != nil {
		t.Errorf("sibling stream SendHeaders: %v", err)
	}
	if err := s2.SendData([]byte("ok"), true); err != nil {
		t.Errorf("sibling stream SendData: %v", err)
	}
}

func TestStreamReadFrameOrder(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	s.receiveData([]byte("one"), 3)
	s.receiveData([]byte("two"), 3)
	s.receiveEndStream()

	for _, want := range []string{"one", "two"} {
		chunk, err := s.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(chunk) != want {
			t.Errorf("chunk = %q, want %q", chunk, want)
		}
	}
	chunk, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame at end: %v", err)
	}
	if chunk != nil {
		t.Errorf("chunk at end = %q, want nil", chunk)
	}
}

func TestStreamReadAmount(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	r.mu.Lock()
	fed := false
	r.onReceive = func() {
		if !fed {
			fed = true
			s.receiveData([]byte("abcdef"), 6)
		} else {
			s.receiveEndStream()
		}
	}
	r.mu.Unlock()

	// amt satisfied as soon as enough bytes are buffered.
	out, err := s.Read(4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(out) != "abcdef" {
		t.Errorf("Read(4) = %q, want full buffer %q", out, "abcdef")
	}

	// Non-positive amt drains until end of stream.
	out, err = s.Read(0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Read(0) after end = %q, want empty", out)
	}
}

func TestStreamWindowUpdateOnReceive(t *testing.T) {
	r := newHookRecorder()
	s := newStream(1, NewFlowControlManager(100), nil, r.hooks())

	// 60 bytes drop the 100-byte window past half; a replenishment to
	// the initial size goes out.
	s.receiveData(bytes.Repeat([]byte("x"), 60), 60)
	updates := r.codec.sentByOp("window_update")
	if len(updates) != 1 || updates[0].streamID != 1 || updates[0].increment != 60 {
		t.Fatalf("updates = %+v, want one increment of 60 on stream 1", updates)
	}

	// 30 more leave the window above half; no update.
	s.receiveData(bytes.Repeat([]byte("x"), 30), 30)
	if got := len(r.codec.sentByOp("window_update")); got != 1 {
		t.Errorf("updates after small frame = %d, want still 1", got)
	}
}

func TestStreamContentLengthCapsWindowGrowth(t *testing.T) {
	r := newHookRecorder()
	s := newStream(1, NewFlowControlManager(100), nil, r.hooks())

	s.receiveResponse([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-length", Value: "70"},
	})
	if _, err := s.GetHeaders(); err != nil {
		t.Fatalf("GetHeaders: %v", err)
	}

	// 60 of the 70 expected bytes have arrived. The remaining 10 fit
	// in the 40 bytes of window left, so no update goes out even
	// though the window dropped past half.
	s.receiveData(bytes.Repeat([]byte("x"), 60), 60)
	if updates := r.codec.sentByOp("window_update"); len(updates) != 0 {
		t.Fatalf("updates = %+v, want none while the window covers the remainder", updates)
	}
}

func TestStreamCloseSendsResetOnce(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	if err := s.Close(ErrCodeCancel); err != nil {
		t.Fatalf("Close: %v", err)
	}
	resets := r.codec.sentByOp("reset")
	if len(resets) != 1 || resets[0].code != ErrCodeCancel {
		t.Fatalf("resets = %+v", resets)
	}
	if got := s.State(); got != StreamStateClosed {
		t.Errorf("state = %v, want closed", got)
	}

	// Closing again is quiet: no second reset frame.
	if err := s.Close(ErrCodeCancel); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := len(r.codec.sentByOp("reset")); got != 1 {
		t.Errorf("resets after second close = %d, want 1", got)
	}

	r.mu.Lock()
	closedCount := len(r.closed)
	r.mu.Unlock()
	if closedCount != 2 {
		t.Errorf("closed notifications = %d, want 2 (always notified)", closedCount)
	}
}

func TestStreamGetHeadersAfterReset(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	s.receiveReset(ErrCodeRefusedStream)
	_, err := s.GetHeaders()
	reset, ok := err.(*StreamResetError)
	if !ok {
		t.Fatalf("error = %v, want StreamResetError", err)
	}
	if reset.Code != ErrCodeRefusedStream {
		t.Errorf("code = %v, want REFUSED_STREAM", reset.Code)
	}
}

func TestPushIteratorDrainAndBlock(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	s.receivePush(2, []hpack.HeaderField{{Name: ":path", Value: "/a"}})
	s.receivePush(4, []hpack.HeaderField{{Name: ":path", Value: "/b"}})

	// Snapshot mode: drain what is buffered, then stop.
	it := s.Pushes(false)
	var ids []uint32
	for {
		p, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		ids = append(ids, p.StreamID)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 4 {
		t.Errorf("ids = %v, want [2 4]", ids)
	}

	// Capture-all mode keeps blocking until the stream ends.
	r.mu.Lock()
	step := 0
	r.onReceive = func() {
		switch step {
		case 0:
			s.receivePush(6, []hpack.HeaderField{{Name: ":path", Value: "/c"}})
		default:
			s.receiveEndStream()
		}
		step++
	}
	r.mu.Unlock()

	it = s.Pushes(true)
	p, ok, err := it.Next()
	if err != nil || !ok || p.StreamID != 6 {
		t.Fatalf("capture-all Next = (%+v, %v, %v), want stream 6", p, ok, err)
	}
	if _, ok, _ := it.Next(); ok {
		t.Error("iterator should stop after end of stream")
	}
}

func TestStreamTrailersNilWhenAbsent(t *testing.T) {
	r := newHookRecorder()
	s := newTestStream(1, r)

	s.receiveEndStream()
	trailers, err := s.GetTrailers()
	if err != nil {
		t.Fatalf("GetTrailers: %v", err)
	}
	if trailers != nil {
		t.Errorf("trailers = %v, want nil", trailers)
	}

	s2 := newTestStream(3, r)
	s2.receiveTrailers([]hpack.HeaderField{{Name: "x-checksum", Value: "abc"}})
	s2.receiveEndStream()
	trailers, err = s2.GetTrailers()
	if err != nil {
		t.Fatalf("GetTrailers: %v", err)
	}
	if len(trailers) != 1 || trailers[0].Name != "x-checksum" {
		t.Errorf("trailers = %v", trailers)
	}
}
