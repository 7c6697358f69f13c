package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pixelpipe/pixel"
)

func rasterFrame(w, h int) []pixel.Sample {
	samples := make([]pixel.Sample, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			samples = append(samples, pixel.Sample{
				C0: int32(x), C1: int32(y), C2: int32(x + y),
				X: x, Y: y,
				Flags: pixel.BoundaryFlags(x, y, w, h),
			})
		}
	}
	return samples
}

func TestChannelPreservesOrderExactlyOnce(t *testing.T) {
	tests := []struct {
		name  string
		depth int
	}{
		{name: "rendezvous", depth: 0},
		{name: "slack_4", depth: 4},
		{name: "slack_64", depth: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := NewChannel(tt.depth)
			in := rasterFrame(16, 8)

			go func() {
				_ = SendAll(ctx, c, in)
				c.Close()
			}()

			var out []pixel.Sample
			for {
				s, err := c.Recv(ctx)
				if err == ErrClosed {
					break
				}
				require.NoError(t, err)
				out = append(out, s)
			}

			assert.Equal(t, in, out, "every sample exactly once, in order")
		})
	}
}

func TestChannelBackpressureBlocksSend(t *testing.T) {
	c := NewChannel(0)
	sent := make(chan struct{})

	go func() {
		_ = c.Send(context.Background(), pixel.Sample{C0: 1})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("send completed with no receiver: rendezvous violated")
	case <-time.After(20 * time.Millisecond):
	}

	s, err := c.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.C0)

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("send did not complete after receive")
	}
}

func TestChannelSendCancellation(t *testing.T) {
	c := NewChannel(0)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Send(ctx, pixel.Sample{})
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled send did not return")
	}
}

func TestChannelRecvCancellation(t *testing.T) {
	c := NewChannel(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannelRecvAfterClose(t *testing.T) {
	ctx := context.Background()
	c := NewChannel(2)
	require.NoError(t, c.Send(ctx, pixel.Sample{C0: 7}))
	c.Close()

	s, err := c.Recv(ctx)
	require.NoError(t, err, "buffered sample still receivable after close")
	assert.Equal(t, int32(7), s.C0)

	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCollectFrame(t *testing.T) {
	ctx := context.Background()
	c := NewChannel(64)
	frame := rasterFrame(4, 2)

	require.NoError(t, SendAll(ctx, c, frame))

	got, err := CollectFrame(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestCollectFrameDiscardsAbortedFrame(t *testing.T) {
	ctx := context.Background()
	c := NewChannel(64)
	frame := rasterFrame(4, 4)

	// Half a frame, then an abort marker, then a complete frame.
	require.NoError(t, SendAll(ctx, c, frame[:8]))
	require.NoError(t, c.Send(ctx, pixel.Abort()))
	require.NoError(t, SendAll(ctx, c, frame))

	_, err := CollectFrame(ctx, c)
	assert.ErrorIs(t, err, ErrAborted)

	got, err := CollectFrame(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, frame, got, "frame after abort delivered intact")
}

func TestCollectFrameResynchronizesOnStartOfFrame(t *testing.T) {
	ctx := context.Background()
	c := NewChannel(64)
	frame := rasterFrame(4, 2)

	// Tail of a previous frame without its start; collector must skip it.
	require.NoError(t, SendAll(ctx, c, frame[5:]))
	require.NoError(t, SendAll(ctx, c, frame))

	got, err := CollectFrame(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}
