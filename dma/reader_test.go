package dma

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pixelpipe/framebuf"
	"github.com/opd-ai/pixelpipe/membus"
	"github.com/opd-ai/pixelpipe/pixel"
	"github.com/opd-ai/pixelpipe/stream"
)

var rgb8 = pixel.Format{Model: pixel.ModelRGB, Depth: 8}

// testStore builds an arena and controller pair sized for the geometry.
func testStore(t *testing.T, slots, w, h, stride int, fault membus.FaultHook) (*membus.Arena, *framebuf.Controller) {
	t.Helper()
	ctl, err := framebuf.NewController(framebuf.Config{
		Slots:    slots,
		Format:   rgb8,
		Geometry: pixel.Geometry{Width: w, Height: h, Stride: stride},
	})
	require.NoError(t, err)
	arena, err := membus.NewArena(membus.ArenaConfig{
		Size:  int(ctl.ArenaBytes()),
		Fault: fault,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctl.Close()
		arena.Close()
	})
	return arena, ctl
}

// stage a frame into the store: acquire a slot, fill its memory with the
// pattern, mark it ready.
func stageFrame(t *testing.T, arena *membus.Arena, ctl *framebuf.Controller, pattern func(x, y int) (int32, int32, int32)) framebuf.Descriptor {
	t.Helper()
	d, err := ctl.AcquireWrite(context.Background())
	require.NoError(t, err)
	bpp := d.Format.BytesPerPixel()
	pix := make([]byte, bpp)
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			c0, c1, c2 := pattern(x, y)
			d.Format.Put(pix, c0, c1, c2)
			addr := d.Base + int64(y)*int64(d.Stride) + int64(x*bpp)
			require.NoError(t, arena.WriteAt(addr, pix))
		}
	}
	seq, err := ctl.CompleteWrite(d.Slot)
	require.NoError(t, err)
	d.Sequence = seq
	return d
}

func TestNewReaderValidation(t *testing.T) {
	arena, ctl := testStore(t, 2, 4, 4, 0, nil)
	out := stream.NewChannel(0)

	_, err := NewReader(nil, ctl, out, ReaderConfig{})
	assert.Error(t, err)
	_, err = NewReader(arena, ctl, out, ReaderConfig{Burst: -1})
	assert.Error(t, err)

	r, err := NewReader(arena, ctl, out, ReaderConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBurst, r.cfg.Burst)
	assert.Equal(t, DefaultLookAhead, r.cfg.LookAhead)
}

func TestReaderStreamsFrameInRasterOrder(t *testing.T) {
	// Stride wider than the line exercises the per-line addressing, and a
	// burst that does not divide the width exercises burst splitting.
	arena, ctl := testStore(t, 2, 4, 4, 16, nil)
	stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) {
		return int32(y*4 + x), int32(10 * x), int32(10 * y)
	})

	out := stream.NewChannel(0)
	r, err := NewReader(arena, ctl, out, ReaderConfig{Burst: 3, LookAhead: 2})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	frame, err := stream.CollectFrame(ctx, out)
	require.NoError(t, err)
	require.Len(t, frame, 16)
	for i, s := range frame {
		x, y := i%4, i/4
		assert.Equal(t, x, s.X)
		assert.Equal(t, y, s.Y)
		assert.Equal(t, int32(i), s.C0)
		assert.Equal(t, int32(10*x), s.C1)
		assert.Equal(t, int32(10*y), s.C2)
		assert.Equal(t, pixel.BoundaryFlags(x, y, 4, 4), s.Flags)
	}

	ctl.Close()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), r.Frames())
	assert.Equal(t, uint64(0), r.Faults())
}

func TestReaderFaultRecallsWholeFrame(t *testing.T) {
	// A ten-line frame whose fifth line faults: the sink must see none of
	// the frame's samples and exactly one fault event, and the reader
	// must recover to stream the next frame.
	const w, h, stride = 4, 10, 12
	var armed atomic.Bool
	armed.Store(true)
	var faultAddr int64
	fault := func(tx membus.Transaction) error {
		if armed.Load() && tx.Addr >= faultAddr && tx.Addr < faultAddr+stride {
			armed.Store(false)
			return assert.AnError
		}
		return nil
	}

	arena, ctl := testStore(t, 2, w, h, stride, fault)

	var events atomic.Uint64
	out := stream.NewChannel(4)
	r, err := NewReader(arena, ctl, out, ReaderConfig{Burst: 4, LookAhead: 2, OnFault: func(err error, d framebuf.Descriptor) {
		events.Add(1)
		assert.ErrorIs(t, err, membus.ErrFault)
	}})
	require.NoError(t, err)

	bad := stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) {
		return 1, 1, 1
	})
	faultAddr = bad.Base + int64(5)*stride

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The faulted frame is recalled before the sink commits anything.
	_, err = stream.CollectFrame(ctx, out)
	require.ErrorIs(t, err, stream.ErrAborted)

	// The reader releases the slot and streams the next good frame.
	stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) {
		return 2, 2, 2
	})
	frame, err := stream.CollectFrame(ctx, out)
	require.NoError(t, err)
	require.Len(t, frame, w*h)
	assert.Equal(t, int32(2), frame[0].C0)

	ctl.Close()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), events.Load(), "exactly one fault event")
	assert.Equal(t, uint64(1), r.Faults())
	assert.Equal(t, uint64(1), r.Frames())
}

// countingBus watches transaction issuance without disturbing it.
type countingBus struct {
	inner     membus.Bus
	submitted atomic.Int32
}

func (b *countingBus) Submit(ctx context.Context, tx membus.Transaction) (<-chan membus.Completion, error) {
	b.submitted.Add(1)
	return b.inner.Submit(ctx, tx)
}

func TestReaderLookAheadBoundsIssuance(t *testing.T) {
	// With nobody receiving, the reader may keep at most the window's
	// worth of transactions outstanding: backpressure reaches the bus.
	arena, ctl := testStore(t, 2, 4, 4, 0, nil)
	stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) { return 7, 7, 7 })

	bus := &countingBus{inner: arena}
	out := stream.NewChannel(0)
	r, err := NewReader(bus, ctl, out, ReaderConfig{Burst: 4, LookAhead: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, bus.submitted.Load(), int32(2),
		"issuance must stop once the window is full")

	frame, err := stream.CollectFrame(ctx, out)
	require.NoError(t, err)
	assert.Len(t, frame, 16)
	assert.Equal(t, int32(4), bus.submitted.Load(), "one burst per line")

	ctl.Close()
	require.NoError(t, <-done)
}

func TestReaderDeliversNewestFrame(t *testing.T) {
	// Two frames complete before the reader wakes: only the newer one is
	// delivered, the older is reclaimed unread.
	arena, ctl := testStore(t, 3, 4, 4, 0, nil)
	stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) { return 1, 0, 0 })
	stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) { return 2, 0, 0 })

	out := stream.NewChannel(4)
	r, err := NewReader(arena, ctl, out, ReaderConfig{})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	frame, err := stream.CollectFrame(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, int32(2), frame[0].C0, "newest frame wins")
	assert.Equal(t, uint64(1), ctl.Drops())

	ctl.Close()
	require.NoError(t, <-done)
}

func TestReaderContextCancel(t *testing.T) {
	arena, ctl := testStore(t, 2, 4, 4, 0, nil)
	out := stream.NewChannel(0)
	r, err := NewReader(arena, ctl, out, ReaderConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
