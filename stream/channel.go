// Package stream implements the handshake protocol that couples pipeline
// stages: a unidirectional channel of pixel samples with valid/ready
// flow-control semantics.
//
// A Send corresponds to the producer asserting valid and holding the sample;
// a Recv corresponds to the consumer asserting ready. The transfer happens
// atomically on the rendezvous of the two, so a sample is never dropped,
// duplicated or reordered. Backpressure is implicit: a producer whose
// consumer is not receiving blocks in Send (output-blocked), a consumer whose
// producer is not sending blocks in Recv (starved). These are the only two
// stall forms, and the channel is the only permitted coupling between stages.
package stream

import (
	"context"
	"errors"

	"github.com/opd-ai/pixelpipe/pixel"
)

// Sentinel errors for channel operations.
var (
	// ErrClosed indicates the producer closed the channel; no further
	// samples will arrive.
	ErrClosed = errors.New("stream channel closed")

	// ErrAborted indicates an in-band abort marker recalled the frame
	// being collected; the partial frame has been discarded.
	ErrAborted = errors.New("frame transfer aborted")
)

// Channel is a unidirectional handshake link carrying pixel samples.
//
// Depth 0 gives the strict rendezvous of the hardware valid/ready pair; a
// small positive depth adds pipeline slack (skid buffering) without changing
// the ordering or loss guarantees. A channel has exactly one producer, which
// is the only side allowed to call Close.
type Channel struct {
	ch chan pixel.Sample
}

// NewChannel creates a handshake channel with the given slack depth.
// Negative depths are treated as zero.
func NewChannel(depth int) *Channel {
	if depth < 0 {
		depth = 0
	}
	return &Channel{ch: make(chan pixel.Sample, depth)}
}

// Send transfers one sample to the consumer, blocking until the consumer is
// ready or ctx is cancelled. The sample is transferred exactly once or not at
// all; on cancellation the sample was not transferred.
func (c *Channel) Send(ctx context.Context, s pixel.Sample) error {
	select {
	case c.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv receives the next sample, blocking until the producer offers one or
// ctx is cancelled. After the producer closed the channel and all buffered
// samples have been drained, Recv returns ErrClosed.
func (c *Channel) Recv(ctx context.Context) (pixel.Sample, error) {
	select {
	case s, ok := <-c.ch:
		if !ok {
			return pixel.Sample{}, ErrClosed
		}
		return s, nil
	case <-ctx.Done():
		return pixel.Sample{}, ctx.Err()
	}
}

// Close ends the stream. Only the producer may call it, exactly once, after
// its final Send. Buffered samples remain receivable.
func (c *Channel) Close() {
	close(c.ch)
}

// Stage is implemented by every pipeline element that pumps samples between
// channels. Run blocks until the upstream ends, the stage faults, or ctx is
// cancelled; it must close its downstream channel before returning if it owns
// one.
type Stage interface {
	Run(ctx context.Context) error
}
