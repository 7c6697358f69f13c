// Package endpoint models the video endpoints at the edges of the pipeline:
// a synthetic pattern source standing in for a capture device and a
// frame-assembling sink standing in for a display. Both speak plain
// handshake streams; physical-layer serialization belongs to whatever real
// endpoint replaces them.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/chroma"
	"github.com/opd-ai/pixelpipe/pixel"
	"github.com/opd-ai/pixelpipe/stream"
)

// SourceConfig configures a PatternSource.
type SourceConfig struct {
	// Geometry and Format shape the emitted frames.
	Geometry pixel.Geometry
	Format   pixel.Format

	// Ratio marks chroma sites on the emitted stream: Ratio444 emits no
	// siting flags, the subsampled ratios flag their carrier pixels so
	// the stream conforms to the link format a capture path expects.
	Ratio chroma.Ratio

	// Frames bounds how many frames to emit; zero keeps emitting until
	// the context is canceled.
	Frames int

	// Interval paces frame starts; zero runs at whatever rate downstream
	// backpressure allows.
	Interval time.Duration
}

// PatternSource emits a moving gradient test pattern as a conformant sample
// stream.
type PatternSource struct {
	out    *stream.Channel
	cfg    SourceConfig
	frames atomic.Uint64
}

// NewPatternSource validates the configuration and wires the source to its
// output channel.
func NewPatternSource(out *stream.Channel, cfg SourceConfig) (*PatternSource, error) {
	if out == nil {
		return nil, errors.New("pattern source requires an output channel")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Geometry.Validate(cfg.Format); err != nil {
		return nil, err
	}
	if !cfg.Ratio.Valid() {
		return nil, chroma.ErrBadRatio
	}
	if cfg.Frames < 0 {
		return nil, fmt.Errorf("frame count must be non-negative, got %d", cfg.Frames)
	}
	return &PatternSource{out: out, cfg: cfg}, nil
}

// Frames returns how many complete frames have been emitted.
func (p *PatternSource) Frames() uint64 { return p.frames.Load() }

// Run emits frames until the configured count is reached or the context is
// canceled, then closes the output.
func (p *PatternSource) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "PatternSource.Run",
		"geometry": fmt.Sprintf("%dx%d", p.cfg.Geometry.Width, p.cfg.Geometry.Height),
		"format":   p.cfg.Format.String(),
		"ratio":    p.cfg.Ratio.String(),
	}).Info("Pattern source started")

	defer p.out.Close()
	var ticker *time.Ticker
	if p.cfg.Interval > 0 {
		ticker = time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
	}

	for t := 0; p.cfg.Frames == 0 || t < p.cfg.Frames; t++ {
		if err := p.emitFrame(ctx, t); err != nil {
			return err
		}
		p.frames.Add(1)
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// emitFrame streams one frame of the pattern at time step t.
func (p *PatternSource) emitFrame(ctx context.Context, t int) error {
	w, h := p.cfg.Geometry.Width, p.cfg.Geometry.Height
	max := p.cfg.Format.Max()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := pixel.Sample{
				C0:    int32(3*x+5*y+7*t) & max,
				C1:    int32(11*x+2*t) & max,
				C2:    int32(13*y+3*t) & max,
				X:     x,
				Y:     y,
				Flags: pixel.BoundaryFlags(x, y, w, h) | p.siting(x, y),
			}
			if err := p.out.Send(ctx, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// siting flags the chroma carrier pixels for the configured ratio.
func (p *PatternSource) siting(x, y int) pixel.Flags {
	switch p.cfg.Ratio {
	case chroma.Ratio422:
		if x&1 == 0 {
			return pixel.FlagChromaSited
		}
	case chroma.Ratio420:
		if x&1 == 0 && y&1 == 0 {
			return pixel.FlagChromaSited
		}
	}
	return 0
}
