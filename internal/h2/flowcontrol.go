package h2

import (
	"sync"
)

// MaxWindowSize is the maximum value a flow control window can reach
// (2^31 - 1), per RFC 7540 Section 6.9.1.
const MaxWindowSize = (1 << 31) - 1

// WindowPolicy decides when the receive side owes the peer a
// WINDOW_UPDATE. The connection consults it for every inbound
// flow-controlled frame and transmits whatever increment it returns.
// FlowControlManager is the default implementation; alternatives can be
// injected per connection.
type WindowPolicy interface {
	// GrowthIncrement accounts for an inbound frame of frameLen bytes
	// and returns the WINDOW_UPDATE increment now due, or zero.
	GrowthIncrement(frameLen uint32) uint32

	// SetDocumentSize hints the expected remaining size of the
	// document being received. Negative clears the hint.
	SetDocumentSize(n int64)
}

// FlowControlManager decides when the receive side of a stream or
// connection owes the peer a WINDOW_UPDATE, and for how much. It is the
// pluggable policy object: the connection asks it about every inbound
// flow-controlled frame and transmits whatever increment it returns.
//
// The default policy replenishes the window back to its initial size
// once more than half of it has been consumed, and stops advertising
// window the peer can never use once the expected document size is
// known. It is safe for concurrent use.
type FlowControlManager struct {
	mu sync.Mutex

	initialWindowSize uint32
	windowSize        int64

	// documentSize is the expected remaining response size, seeded from
	// a content-length header. Negative means unknown.
	documentSize int64
}

// NewFlowControlManager creates a manager with the given initial
// receive window. Values above MaxWindowSize are clamped.
func NewFlowControlManager(initialSize uint32) *FlowControlManager {
	if initialSize > MaxWindowSize {
		initialSize = MaxWindowSize
	}
	return &FlowControlManager{
		initialWindowSize: initialSize,
		windowSize:        int64(initialSize),
		documentSize:      -1,
	}
}

// WindowSize returns the current receive window.
func (m *FlowControlManager) WindowSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowSize
}

// InitialWindowSize returns the window size the manager was built with.
func (m *FlowControlManager) InitialWindowSize() uint32 {
	return m.initialWindowSize
}

// SetDocumentSize records the expected remaining byte count of the
// document being received. Negative values clear the hint.
func (m *FlowControlManager) SetDocumentSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documentSize = n
}

// GrowthIncrement accounts for an inbound flow-controlled frame of
// frameLen bytes and returns the WINDOW_UPDATE increment now due, or
// zero when none is. The returned increment has already been applied to
// the manager's own window bookkeeping; the caller's only obligation is
// to transmit it.
func (m *FlowControlManager) GrowthIncrement(frameLen uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windowSize -= int64(frameLen)
	if m.documentSize >= 0 {
		m.documentSize -= int64(frameLen)
		if m.documentSize < 0 {
			m.documentSize = 0
		}
	}

	// Replenish lazily: only once more than half the window is spent,
	// so small frames don't each trigger a one-frame WINDOW_UPDATE.
	if m.windowSize > int64(m.initialWindowSize)/2 {
		return 0
	}

	increment := int64(m.initialWindowSize) - m.windowSize

	// Never advertise more window than the rest of the document can
	// fill. A peer that declared content-length will not send past it.
	if m.documentSize >= 0 {
		if m.windowSize >= m.documentSize {
			return 0
		}
		if remainder := m.documentSize - m.windowSize; increment > remainder {
			increment = remainder
		}
	}

	if increment <= 0 {
		return 0
	}
	m.windowSize += increment
	return uint32(increment)
}
