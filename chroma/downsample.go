package chroma

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/pixel"
	"github.com/opd-ai/pixelpipe/stream"
)

// Downsampler reduces 4:4:4 chroma to the configured ratio. It buffers one
// line for 4:2:2 and a line pair for 4:2:0, so upstream is never stalled for
// more than two lines of samples. With Ratio444 it degenerates to a
// pass-through stage.
type Downsampler struct {
	ratio Ratio
	in    *stream.Channel
	out   *stream.Channel

	col   int
	row   int
	lines [2][]pixel.Sample
	sums  []groupSum
}

// NewDownsampler wires a downsampler between in and out.
func NewDownsampler(ratio Ratio, in, out *stream.Channel) (*Downsampler, error) {
	if !ratio.Valid() {
		return nil, ErrBadRatio
	}
	return &Downsampler{ratio: ratio, in: in, out: out}, nil
}

// Run processes samples until the upstream closes or the context is
// canceled. Samples buffered for an unfinished group when the upstream
// closes belong to a truncated frame and are discarded.
func (d *Downsampler) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Downsampler.Run",
		"ratio":    d.ratio.String(),
	}).Debug("Chroma downsampler started")

	defer d.out.Close()
	for {
		s, err := d.in.Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			if len(d.lines[0]) > 0 || len(d.lines[1]) > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Downsampler.Run",
					"buffered": len(d.lines[0]) + len(d.lines[1]),
				}).Debug("Discarding truncated frame at close")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.process(ctx, s); err != nil {
			return err
		}
	}
}

func (d *Downsampler) process(ctx context.Context, s pixel.Sample) error {
	if s.IsAbort() {
		// The frame in flight is being recalled; drop its buffered
		// samples and pass the marker on.
		d.reset()
		return d.out.Send(ctx, s)
	}
	if s.Flags.Has(pixel.FlagStartOfFrame) {
		d.reset()
	}
	if d.ratio == Ratio444 {
		return d.out.Send(ctx, s)
	}

	line := 0
	if d.ratio == Ratio420 {
		line = d.row & 1
	}
	group := d.col >> 1
	for len(d.sums) <= group {
		d.sums = append(d.sums, groupSum{})
	}
	d.sums[group].add(s.C1, s.C2)
	d.lines[line] = append(d.lines[line], s)
	d.col++

	if !s.Flags.Has(pixel.FlagEndOfLine) {
		return nil
	}
	complete := d.ratio == Ratio422 || line == 1 || s.Flags.Has(pixel.FlagEndOfFrame)
	if complete {
		if err := d.flush(ctx); err != nil {
			return err
		}
	}
	d.col = 0
	d.row++
	return nil
}

// flush resolves every group average and emits the buffered lines in raster
// order. The first buffered line holds the chroma sites.
func (d *Downsampler) flush(ctx context.Context) error {
	for line := 0; line < 2; line++ {
		for i, s := range d.lines[line] {
			c1, c2 := d.sums[i>>1].mean()
			s.C1, s.C2 = c1, c2
			if line == 0 && i&1 == 0 {
				s.Flags |= pixel.FlagChromaSited
			} else {
				s.Flags &^= pixel.FlagChromaSited
			}
			if err := d.out.Send(ctx, s); err != nil {
				return err
			}
		}
	}
	d.lines[0] = d.lines[0][:0]
	d.lines[1] = d.lines[1][:0]
	d.sums = d.sums[:0]
	return nil
}

func (d *Downsampler) reset() {
	d.col = 0
	d.row = 0
	d.lines[0] = d.lines[0][:0]
	d.lines[1] = d.lines[1][:0]
	d.sums = d.sums[:0]
}
