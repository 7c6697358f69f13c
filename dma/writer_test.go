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

// frameSamples builds a conformant frame stream for the given geometry.
func frameSamples(w, h int, f func(x, y int) (int32, int32, int32)) []pixel.Sample {
	var samples []pixel.Sample
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c0, c1, c2 := f(x, y)
			samples = append(samples, pixel.Sample{
				C0: c0, C1: c1, C2: c2, X: x, Y: y,
				Flags: pixel.BoundaryFlags(x, y, w, h),
			})
		}
	}
	return samples
}

// readBack decodes the committed frame the controller currently holds.
func readBack(t *testing.T, arena *membus.Arena, ctl *framebuf.Controller) []pixel.Sample {
	t.Helper()
	ctx := context.Background()
	d, err := ctl.AcquireRead(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, ctl.CompleteRead(d.Slot)) }()

	bpp := d.Format.BytesPerPixel()
	pix := make([]byte, bpp)
	var samples []pixel.Sample
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			addr := d.Base + int64(y)*int64(d.Stride) + int64(x*bpp)
			require.NoError(t, arena.ReadAt(addr, pix))
			c0, c1, c2 := d.Format.Get(pix)
			samples = append(samples, pixel.Sample{C0: c0, C1: c1, C2: c2, X: x, Y: y})
		}
	}
	return samples
}

func TestNewWriterValidation(t *testing.T) {
	arena, ctl := testStore(t, 2, 2, 2, 0, nil)
	in := stream.NewChannel(0)

	_, err := NewWriter(arena, nil, in, WriterConfig{})
	assert.Error(t, err)
	_, err = NewWriter(arena, ctl, in, WriterConfig{LookAhead: -2})
	assert.Error(t, err)

	w, err := NewWriter(arena, ctl, in, WriterConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBurst, w.cfg.Burst)
}

func TestWriterCommitsFrame(t *testing.T) {
	// Burst 3 against a 4-wide line forces a split burst per line.
	arena, ctl := testStore(t, 2, 4, 2, 16, nil)
	in := stream.NewChannel(0)
	w, err := NewWriter(arena, ctl, in, WriterConfig{Burst: 3, LookAhead: 2})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	frame := frameSamples(4, 2, func(x, y int) (int32, int32, int32) {
		return int32(y*4 + x), int32(20 * x), int32(30 * y)
	})
	require.NoError(t, stream.SendAll(ctx, in, frame))
	in.Close()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), w.Frames())

	got := readBack(t, arena, ctl)
	require.Len(t, got, 8)
	for i, s := range got {
		assert.Equal(t, frame[i].C0, s.C0, "pixel %d", i)
		assert.Equal(t, frame[i].C1, s.C1, "pixel %d", i)
		assert.Equal(t, frame[i].C2, s.C2, "pixel %d", i)
	}
}

func TestWriterStallsUntilSlotFrees(t *testing.T) {
	// Both slots are occupied: one being read, one holding an unread
	// frame. The writer must stall at frame start without consuming
	// samples until the reader lets a slot go.
	arena, ctl := testStore(t, 2, 2, 1, 0, nil)
	stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) { return 1, 1, 1 })
	ctx := context.Background()
	rd, err := ctl.AcquireRead(ctx)
	require.NoError(t, err)
	stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) { return 2, 2, 2 })

	in := stream.NewChannel(0)
	w, err := NewWriter(arena, ctl, in, WriterConfig{})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	frame := frameSamples(2, 1, func(x, y int) (int32, int32, int32) { return 9, 9, 9 })
	require.NoError(t, in.Send(ctx, frame[0]))

	// The writer holds the first sample but cannot take the second: its
	// readiness is deasserted while it waits for a slot.
	stallCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, in.Send(stallCtx, frame[1]), context.DeadlineExceeded)

	// Releasing the read slot unblocks the writer.
	require.NoError(t, ctl.CompleteRead(rd.Slot))
	require.NoError(t, in.Send(ctx, frame[1]))
	require.Eventually(t, func() bool { return w.Frames() == 1 },
		time.Second, 10*time.Millisecond)

	in.Close()
	require.NoError(t, <-done)
}

func TestWriterUpstreamAbortFreesSlot(t *testing.T) {
	arena, ctl := testStore(t, 3, 2, 2, 0, nil)
	in := stream.NewChannel(4)
	w, err := NewWriter(arena, ctl, in, WriterConfig{OnFault: func(error, framebuf.Descriptor) {
		t.Error("upstream recall must not raise a fault event")
	}})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Half a frame, then the recall marker.
	frame := frameSamples(2, 2, func(x, y int) (int32, int32, int32) { return 5, 5, 5 })
	require.NoError(t, stream.SendAll(ctx, in, frame[:2]))
	require.NoError(t, in.Send(ctx, pixel.Abort()))

	require.Eventually(t, func() bool { return w.Aborts() == 1 },
		time.Second, 10*time.Millisecond)
	for _, s := range ctl.Snapshot() {
		assert.Equal(t, framebuf.Free, s.State, "no partial frame may become ready")
	}
	assert.Equal(t, uint64(0), w.Frames())

	// The writer resynchronizes on the next frame start.
	clean := frameSamples(2, 2, func(x, y int) (int32, int32, int32) { return 6, 6, 6 })
	require.NoError(t, stream.SendAll(ctx, in, clean))
	in.Close()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), w.Frames())

	got := readBack(t, arena, ctl)
	assert.Equal(t, int32(6), got[0].C0)
}

func TestWriterTransactionFaultDropsFrame(t *testing.T) {
	var armed atomic.Bool
	armed.Store(true)
	fault := func(tx membus.Transaction) error {
		if tx.Dir == membus.DirWrite && armed.CompareAndSwap(true, false) {
			return assert.AnError
		}
		return nil
	}
	arena, ctl := testStore(t, 2, 2, 1, 0, fault)

	var events atomic.Uint64
	in := stream.NewChannel(4)
	w, err := NewWriter(arena, ctl, in, WriterConfig{OnFault: func(err error, d framebuf.Descriptor) {
		events.Add(1)
		assert.ErrorIs(t, err, membus.ErrFault)
	}})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	bad := frameSamples(2, 1, func(x, y int) (int32, int32, int32) { return 3, 3, 3 })
	require.NoError(t, stream.SendAll(ctx, in, bad))

	require.Eventually(t, func() bool { return w.Faults() == 1 },
		time.Second, 10*time.Millisecond)
	for _, s := range ctl.Snapshot() {
		assert.Equal(t, framebuf.Free, s.State)
	}

	good := frameSamples(2, 1, func(x, y int) (int32, int32, int32) { return 4, 4, 4 })
	require.NoError(t, stream.SendAll(ctx, in, good))
	in.Close()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(1), events.Load(), "exactly one fault event")
	assert.Equal(t, uint64(1), w.Frames())
	got := readBack(t, arena, ctl)
	assert.Equal(t, int32(4), got[0].C0)
}

func TestWriterRejectsTruncatedFrame(t *testing.T) {
	arena, ctl := testStore(t, 2, 2, 2, 0, nil)

	// Leave a previous frame's bytes in slot memory so a premature commit
	// would expose them.
	stale := stageFrame(t, arena, ctl, func(x, y int) (int32, int32, int32) { return 9, 9, 9 })
	rd, err := ctl.AcquireRead(context.Background())
	require.NoError(t, err)
	require.Equal(t, stale.Slot, rd.Slot)
	require.NoError(t, ctl.CompleteRead(rd.Slot))

	var faultErr error
	in := stream.NewChannel(4)
	w, err := NewWriter(arena, ctl, in, WriterConfig{OnFault: func(err error, d framebuf.Descriptor) {
		faultErr = err
	}})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// One sample claiming to be a whole 2x2 frame.
	require.NoError(t, in.Send(ctx, pixel.Sample{
		C0: 1, C1: 1, C2: 1,
		Flags: pixel.FlagStartOfFrame | pixel.FlagStartOfLine |
			pixel.FlagEndOfLine | pixel.FlagEndOfFrame,
	}))

	require.Eventually(t, func() bool { return w.Faults() == 1 },
		time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, faultErr, ErrStreamGeometry)
	assert.Equal(t, uint64(0), w.Frames())
	for _, s := range ctl.Snapshot() {
		assert.Equal(t, framebuf.Free, s.State, "a truncated frame must never become ready")
	}

	// The writer recovers on the next complete frame.
	good := frameSamples(2, 2, func(x, y int) (int32, int32, int32) { return 4, 4, 4 })
	require.NoError(t, stream.SendAll(ctx, in, good))
	in.Close()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), w.Frames())
	got := readBack(t, arena, ctl)
	for i, s := range got {
		assert.Equal(t, int32(4), s.C0, "pixel %d", i)
	}
}

func TestWriterRejectsOversizedLine(t *testing.T) {
	arena, ctl := testStore(t, 2, 2, 1, 0, nil)
	var faultErr error
	in := stream.NewChannel(4)
	w, err := NewWriter(arena, ctl, in, WriterConfig{OnFault: func(err error, d framebuf.Descriptor) {
		faultErr = err
	}})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Three samples with no line end into a two-wide geometry.
	require.NoError(t, in.Send(ctx, pixel.Sample{Flags: pixel.FlagStartOfFrame | pixel.FlagStartOfLine}))
	require.NoError(t, in.Send(ctx, pixel.Sample{}))
	require.NoError(t, in.Send(ctx, pixel.Sample{}))

	require.Eventually(t, func() bool { return w.Faults() == 1 },
		time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, faultErr, ErrStreamGeometry)

	in.Close()
	require.NoError(t, <-done)
}
