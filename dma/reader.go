package dma

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/framebuf"
	"github.com/opd-ai/pixelpipe/membus"
	"github.com/opd-ai/pixelpipe/pixel"
	"github.com/opd-ai/pixelpipe/stream"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// Burst is the transaction length in pixels. Bursts never cross a
	// line boundary. Zero means DefaultBurst.
	Burst int

	// LookAhead is the maximum number of outstanding transactions. Zero
	// means DefaultLookAhead.
	LookAhead int

	// OnFault is invoked once per recalled frame with the failure cause
	// and the descriptor of the frame being read.
	OnFault func(err error, d framebuf.Descriptor)
}

// Reader streams frames from the store to its output channel, newest frame
// first, one frame per acquisition.
type Reader struct {
	bus membus.Bus
	ctl *framebuf.Controller
	out *stream.Channel
	cfg ReaderConfig

	frames atomic.Uint64
	faults atomic.Uint64
}

// outstanding is one issued burst whose completion has not yet been
// consumed.
type outstanding struct {
	comp   <-chan membus.Completion
	x, y   int
	pixels int
}

// NewReader wires a reader between the bus, the buffer controller, and its
// output channel.
func NewReader(bus membus.Bus, ctl *framebuf.Controller, out *stream.Channel, cfg ReaderConfig) (*Reader, error) {
	if bus == nil || ctl == nil || out == nil {
		return nil, errors.New("reader requires a bus, a controller, and an output channel")
	}
	if cfg.Burst < 0 || cfg.LookAhead < 0 {
		return nil, fmt.Errorf("burst and look-ahead must be non-negative: %d, %d", cfg.Burst, cfg.LookAhead)
	}
	if cfg.Burst == 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.LookAhead == 0 {
		cfg.LookAhead = DefaultLookAhead
	}
	return &Reader{bus: bus, ctl: ctl, out: out, cfg: cfg}, nil
}

// Frames returns how many frames were streamed out completely.
func (r *Reader) Frames() uint64 { return r.frames.Load() }

// Faults returns how many frames were recalled by transaction failures.
func (r *Reader) Faults() uint64 { return r.faults.Load() }

// Run streams frames until the context is canceled or the controller closes.
func (r *Reader) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function":   "Reader.Run",
		"burst":      r.cfg.Burst,
		"look_ahead": r.cfg.LookAhead,
	}).Info("DMA reader started")

	defer r.out.Close()
	for {
		d, err := r.ctl.AcquireRead(ctx)
		if errors.Is(err, framebuf.ErrControllerClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		err = r.streamFrame(ctx, d)
		release := r.ctl.CompleteRead(d.Slot)
		switch {
		case err == nil:
			r.frames.Add(1)
		case errors.Is(err, errFaulted):
			r.faults.Add(1)
		default:
			return err
		}
		if release != nil && !errors.Is(release, framebuf.ErrControllerClosed) {
			return release
		}
	}
}

// streamFrame fetches one frame burst by burst and hands its samples
// downstream in raster order. The look-ahead window caps outstanding
// transactions; a new burst is issued only once the oldest one's samples
// have all been delivered.
func (r *Reader) streamFrame(ctx context.Context, d framebuf.Descriptor) error {
	bpp := d.Format.BytesPerPixel()
	window := make([]outstanding, 0, r.cfg.LookAhead)
	nextX, nextY := 0, 0

	issue := func() error {
		n := d.Width - nextX
		if n > r.cfg.Burst {
			n = r.cfg.Burst
		}
		addr := d.Base + int64(nextY)*int64(d.Stride) + int64(nextX*bpp)
		comp, err := r.bus.Submit(ctx, membus.Transaction{
			Addr:   addr,
			Length: n * bpp,
			Dir:    membus.DirRead,
		})
		if err != nil {
			return err
		}
		window = append(window, outstanding{comp: comp, x: nextX, y: nextY, pixels: n})
		nextX += n
		if nextX >= d.Width {
			nextX = 0
			nextY++
		}
		return nil
	}

	for {
		for len(window) < r.cfg.LookAhead && nextY < d.Height {
			if err := issue(); err != nil {
				return r.fault(ctx, d, err)
			}
		}
		if len(window) == 0 {
			logrus.WithFields(logrus.Fields{
				"function": "Reader.streamFrame",
				"slot":     d.Slot,
				"sequence": d.Sequence,
			}).Debug("Frame streamed out")
			return nil
		}

		b := window[0]
		window = window[1:]
		var comp membus.Completion
		select {
		case comp = <-b.comp:
		case <-ctx.Done():
			return ctx.Err()
		}
		if comp.Err != nil {
			return r.fault(ctx, d, comp.Err)
		}

		for i := 0; i < b.pixels; i++ {
			c0, c1, c2 := d.Format.Get(comp.Data[i*bpp:])
			s := pixel.Sample{
				C0: c0, C1: c1, C2: c2,
				X: b.x + i, Y: b.y,
				Flags: pixel.BoundaryFlags(b.x+i, b.y, d.Width, d.Height),
			}
			if err := r.out.Send(ctx, s); err != nil {
				return err
			}
		}
	}
}

// fault recalls the frame in flight: the remaining window is abandoned, a
// single abort marker tells downstream to discard whatever it already got,
// and the failure is reported upward once.
func (r *Reader) fault(ctx context.Context, d framebuf.Descriptor, cause error) error {
	logrus.WithFields(logrus.Fields{
		"function": "Reader.fault",
		"slot":     d.Slot,
		"sequence": d.Sequence,
		"transfer": d.Transfer.String(),
		"error":    cause.Error(),
	}).Error("Frame read failed, recalling frame")

	if r.cfg.OnFault != nil {
		r.cfg.OnFault(cause, d)
	}
	if err := r.out.Send(ctx, pixel.Abort()); err != nil {
		return err
	}
	return errFaulted
}
