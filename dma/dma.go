// Package dma implements the memory engines that move pixel data between the
// frame store and the sample streams.
//
// The Reader streams frames out of the store for display: it acquires the
// newest complete frame from the buffer controller, fetches it with
// stride-aligned burst reads, and emits samples in raster order. A bounded
// look-ahead window of outstanding transactions hides memory latency without
// ever issuing a read whose result could not be buffered, so downstream
// backpressure propagates cleanly to the bus.
//
// The Writer is the inverse: it consumes a sample stream, packs bursts into
// the slot currently being written, and commits the slot when the frame ends.
// Acquiring the next slot is the input path's only backpressure point; under
// persistent overrun the writer stalls there until the controller reclaims a
// slot.
//
// A transaction the bus reports as failed recalls the frame in flight: the
// engine discards its state, raises one fault, and the partial frame is never
// visible downstream or in the store.
package dma

import "errors"

const (
	// DefaultBurst is the burst length in pixels when the configuration
	// leaves it zero.
	DefaultBurst = 16

	// DefaultLookAhead is the outstanding transaction window depth when
	// the configuration leaves it zero.
	DefaultLookAhead = 4
)

// ErrStreamGeometry indicates an input stream whose line or frame shape
// disagrees with the slot geometry it is being written into.
var ErrStreamGeometry = errors.New("sample stream does not match frame geometry")

// errFaulted marks a frame transfer that was recalled after a fault. The
// engine has already cleaned up; the run loop moves to the next frame.
var errFaulted = errors.New("frame transfer recalled")

// errStopped marks a clean shutdown observed mid-frame, such as the buffer
// controller closing underneath an engine.
var errStopped = errors.New("engine stopped")
