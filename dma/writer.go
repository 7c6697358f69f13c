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

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Burst is the write transaction length in pixels. Bursts never cross
	// a line boundary. Zero means DefaultBurst.
	Burst int

	// LookAhead caps outstanding write transactions. Zero means
	// DefaultLookAhead.
	LookAhead int

	// OnFault is invoked once per frame recalled by a transaction
	// failure. Upstream recalls do not raise it; their fault was already
	// reported at the source.
	OnFault func(err error, d framebuf.Descriptor)
}

// Writer consumes a sample stream and commits complete frames to the store.
// Between frames it resynchronizes on start-of-frame, so a stream joined
// mid-frame loses only the partial frame.
type Writer struct {
	bus membus.Bus
	ctl *framebuf.Controller
	in  *stream.Channel
	cfg WriterConfig

	frames atomic.Uint64
	faults atomic.Uint64
	aborts atomic.Uint64
}

// NewWriter wires a writer between its input channel, the bus, and the
// buffer controller.
func NewWriter(bus membus.Bus, ctl *framebuf.Controller, in *stream.Channel, cfg WriterConfig) (*Writer, error) {
	if bus == nil || ctl == nil || in == nil {
		return nil, errors.New("writer requires a bus, a controller, and an input channel")
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
	return &Writer{bus: bus, ctl: ctl, in: in, cfg: cfg}, nil
}

// Frames returns how many frames were committed to the store.
func (w *Writer) Frames() uint64 { return w.frames.Load() }

// Faults returns how many frames were recalled by transaction failures.
func (w *Writer) Faults() uint64 { return w.faults.Load() }

// Aborts returns how many partial frames were dropped, whether by upstream
// recall or mid-frame shutdown.
func (w *Writer) Aborts() uint64 { return w.aborts.Load() }

// Run consumes samples until the upstream closes or the context is canceled.
func (w *Writer) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function":   "Writer.Run",
		"burst":      w.cfg.Burst,
		"look_ahead": w.cfg.LookAhead,
	}).Info("DMA writer started")

	for {
		s, err := w.in.Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.IsAbort() || !s.Flags.Has(pixel.FlagStartOfFrame) {
			// Between frames: wait for the next frame start.
			continue
		}

		err = w.writeFrame(ctx, s)
		switch {
		case err == nil, errors.Is(err, errFaulted):
		case errors.Is(err, errStopped):
			return nil
		default:
			return err
		}
	}
}

// writeFrame packs one frame into a freshly acquired slot, starting from the
// frame's first sample. Waiting for that slot is the input path's sole
// backpressure point: while blocked here the writer receives nothing, and
// the stall propagates up the handshake chain.
func (w *Writer) writeFrame(ctx context.Context, first pixel.Sample) error {
	d, err := w.ctl.AcquireWrite(ctx)
	if errors.Is(err, framebuf.ErrControllerClosed) {
		return errStopped
	}
	if err != nil {
		return err
	}

	bpp := d.Format.BytesPerPixel()
	buf := make([]byte, 0, w.cfg.Burst*bpp)
	var window []<-chan membus.Completion
	burstX, burstY := 0, 0
	x, y := 0, 0
	var pixels, words uint64

	waitFront := func() error {
		var comp membus.Completion
		select {
		case comp = <-window[0]:
		case <-ctx.Done():
			return ctx.Err()
		}
		window = window[1:]
		return comp.Err
	}

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		// The burst buffer is reused immediately, so the transaction
		// gets its own copy of the payload.
		data := make([]byte, len(buf))
		copy(data, buf)
		for len(window) >= w.cfg.LookAhead {
			if err := waitFront(); err != nil {
				return err
			}
		}
		comp, err := w.bus.Submit(ctx, membus.Transaction{
			Addr:   d.Base + int64(burstY)*int64(d.Stride) + int64(burstX*bpp),
			Length: len(data),
			Dir:    membus.DirWrite,
			Data:   data,
		})
		if err != nil {
			return err
		}
		window = append(window, comp)
		pixels += uint64(len(buf) / bpp)
		words += uint64(len(buf))
		buf = buf[:0]
		return nil
	}

	s := first
	for {
		if s.IsAbort() {
			w.abortFrame(d, "upstream recall")
			return errFaulted
		}
		if x >= d.Width || y >= d.Height {
			return w.fault(d, fmt.Errorf("%w: sample at (%d,%d) outside %dx%d",
				ErrStreamGeometry, x, y, d.Width, d.Height))
		}

		n := len(buf)
		buf = buf[:n+bpp]
		d.Format.Put(buf[n:], s.C0, s.C1, s.C2)
		x++

		lineEnd := s.Flags.Has(pixel.FlagEndOfLine)
		if lineEnd || len(buf) == cap(buf) {
			if err := flush(); err != nil {
				return w.flushErr(ctx, d, err)
			}
		}
		if lineEnd {
			x = 0
			y++
			burstX, burstY = 0, y
		} else if len(buf) == 0 {
			burstX, burstY = x, y
		}

		if s.Flags.Has(pixel.FlagEndOfFrame) {
			// A frame that ends before the raster is covered would commit
			// whatever the slot held before; drop it instead.
			if x != 0 || y != d.Height {
				return w.fault(d, fmt.Errorf("%w: frame ended at (%d,%d) before covering %dx%d",
					ErrStreamGeometry, x, y, d.Width, d.Height))
			}
			if err := flush(); err != nil {
				return w.flushErr(ctx, d, err)
			}
			for len(window) > 0 {
				if err := waitFront(); err != nil {
					return w.flushErr(ctx, d, err)
				}
			}
			seq, err := w.ctl.CompleteWrite(d.Slot)
			if errors.Is(err, framebuf.ErrControllerClosed) {
				return errStopped
			}
			if err != nil {
				return err
			}
			w.frames.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "Writer.writeFrame",
				"slot":     d.Slot,
				"sequence": seq,
				"pixels":   pixels,
				"words":    words,
				"transfer": d.Transfer.String(),
			}).Debug("Frame committed")
			return nil
		}

		s, err = w.in.Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			w.abortFrame(d, "stream closed mid-frame")
			return errStopped
		}
		if err != nil {
			w.abortFrame(d, "canceled mid-frame")
			return err
		}
	}
}

// flushErr routes a flush failure: cancellation propagates as-is after the
// partial frame is dropped, anything else is a transaction fault.
func (w *Writer) flushErr(ctx context.Context, d framebuf.Descriptor, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.abortFrame(d, "canceled mid-frame")
		return err
	}
	return w.fault(d, err)
}

// abortFrame drops the partial frame without raising a fault event. The
// abort counter moves last, once the slot transition has settled.
func (w *Writer) abortFrame(d framebuf.Descriptor, reason string) {
	if err := w.ctl.AbortWrite(d.Slot); err != nil && !errors.Is(err, framebuf.ErrControllerClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "Writer.abortFrame",
			"slot":     d.Slot,
			"error":    err.Error(),
		}).Warn("Abort of writing slot failed")
	}
	logrus.WithFields(logrus.Fields{
		"function": "Writer.abortFrame",
		"slot":     d.Slot,
		"reason":   reason,
		"transfer": d.Transfer.String(),
	}).Debug("Partial frame dropped")
	w.aborts.Add(1)
}

// fault recalls the frame after a failed transaction and reports it upward
// once. The fault counter moves last, once the slot transition has settled.
func (w *Writer) fault(d framebuf.Descriptor, cause error) error {
	logrus.WithFields(logrus.Fields{
		"function": "Writer.fault",
		"slot":     d.Slot,
		"transfer": d.Transfer.String(),
		"error":    cause.Error(),
	}).Error("Frame write failed, dropping frame")

	if w.cfg.OnFault != nil {
		w.cfg.OnFault(cause, d)
	}
	w.abortFrame(d, "write fault")
	w.faults.Add(1)
	return errFaulted
}
