package endpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/pixel"
	"github.com/opd-ai/pixelpipe/stream"
)

// SinkConfig configures a FrameSink.
type SinkConfig struct {
	// OnFrame is invoked with each committed frame, in delivery order,
	// from the sink's goroutine. The slice is owned by the callback.
	OnFrame func(frame []pixel.Sample)
}

// FrameSink assembles the sample stream back into whole frames. A frame is
// committed only when it arrives complete; recalled frames are discarded
// without a trace beyond the discard counter, so a faulted transfer upstream
// never shows a partial picture.
type FrameSink struct {
	in  *stream.Channel
	cfg SinkConfig

	mu   sync.Mutex
	last []pixel.Sample

	frames   atomic.Uint64
	discards atomic.Uint64
}

// NewFrameSink wires a sink to its input channel.
func NewFrameSink(in *stream.Channel, cfg SinkConfig) (*FrameSink, error) {
	if in == nil {
		return nil, errors.New("frame sink requires an input channel")
	}
	return &FrameSink{in: in, cfg: cfg}, nil
}

// Frames returns how many complete frames were committed.
func (s *FrameSink) Frames() uint64 { return s.frames.Load() }

// Discards returns how many recalled frames were dropped.
func (s *FrameSink) Discards() uint64 { return s.discards.Load() }

// Last returns a copy of the most recently committed frame, or nil if none
// has been committed yet.
func (s *FrameSink) Last() []pixel.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	out := make([]pixel.Sample, len(s.last))
	copy(out, s.last)
	return out
}

// Run assembles frames until the upstream closes or the context is canceled.
func (s *FrameSink) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "FrameSink.Run",
	}).Info("Frame sink started")

	for {
		frame, err := stream.CollectFrame(ctx, s.in)
		switch {
		case errors.Is(err, stream.ErrClosed):
			logrus.WithFields(logrus.Fields{
				"function": "FrameSink.Run",
				"frames":   s.frames.Load(),
				"discards": s.discards.Load(),
			}).Info("Frame sink drained")
			return nil
		case errors.Is(err, stream.ErrAborted):
			s.discards.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "FrameSink.Run",
			}).Debug("Recalled frame discarded")
			continue
		case err != nil:
			return err
		}

		s.mu.Lock()
		s.last = frame
		s.mu.Unlock()
		s.frames.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "FrameSink.Run",
			"samples":  len(frame),
		}).Debug("Frame committed")

		if s.cfg.OnFrame != nil {
			copied := make([]pixel.Sample, len(frame))
			copy(copied, frame)
			s.cfg.OnFrame(copied)
		}
	}
}
