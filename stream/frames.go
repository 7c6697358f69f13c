package stream

import (
	"context"

	"github.com/opd-ai/pixelpipe/pixel"
)

// SendAll sends the samples in order, stopping early on cancellation.
func SendAll(ctx context.Context, c *Channel, samples []pixel.Sample) error {
	for _, s := range samples {
		if err := c.Send(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// CollectFrame assembles one complete frame from the channel: samples from
// the next start-of-frame through end-of-frame, inclusive. Samples arriving
// before a start-of-frame are skipped (resynchronization after an abort). If
// an abort marker arrives the partial frame is discarded wholesale and
// CollectFrame returns ErrAborted; a recalled frame is never delivered.
func CollectFrame(ctx context.Context, c *Channel) ([]pixel.Sample, error) {
	var frame []pixel.Sample
	started := false
	for {
		s, err := c.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if s.IsAbort() {
			return nil, ErrAborted
		}
		if !started {
			if !s.Flags.Has(pixel.FlagStartOfFrame) {
				continue
			}
			started = true
		}
		frame = append(frame, s)
		if s.Flags.Has(pixel.FlagEndOfFrame) {
			return frame, nil
		}
	}
}
