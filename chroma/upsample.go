package chroma

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/pixel"
	"github.com/opd-ai/pixelpipe/stream"
)

type sitePair struct {
	c1, c2 int32
}

// Upsampler reconstructs 4:4:4 chroma from a subsampled stream. Chroma sites
// keep their own values, so Nearest reproduces the downsampler's input
// exactly at every site. One stored chroma line supplies the rows that carry
// no sites in 4:2:0.
type Upsampler struct {
	ratio  Ratio
	policy Policy
	in     *stream.Channel
	out    *stream.Channel

	col   int
	row   int
	sites []sitePair

	lastSite sitePair
	haveLast bool

	pending     pixel.Sample
	havePending bool
}

// NewUpsampler wires an upsampler between in and out.
func NewUpsampler(ratio Ratio, policy Policy, in, out *stream.Channel) (*Upsampler, error) {
	if !ratio.Valid() {
		return nil, ErrBadRatio
	}
	if policy > Linear {
		return nil, ErrBadPolicy
	}
	return &Upsampler{ratio: ratio, policy: policy, in: in, out: out}, nil
}

// Run processes samples until the upstream closes or the context is
// canceled.
func (u *Upsampler) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Upsampler.Run",
		"ratio":    u.ratio.String(),
		"policy":   u.policy.String(),
	}).Debug("Chroma upsampler started")

	defer u.out.Close()
	for {
		s, err := u.in.Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := u.process(ctx, s); err != nil {
			return err
		}
	}
}

func (u *Upsampler) process(ctx context.Context, s pixel.Sample) error {
	if s.IsAbort() {
		u.reset()
		return u.out.Send(ctx, s)
	}
	if s.Flags.Has(pixel.FlagStartOfFrame) {
		u.reset()
	}
	if u.ratio == Ratio444 {
		s.Flags &^= pixel.FlagChromaSited
		return u.out.Send(ctx, s)
	}

	var err error
	if s.Flags.Has(pixel.FlagChromaSited) {
		err = u.site(ctx, s)
	} else {
		err = u.fill(ctx, s)
	}
	if err != nil {
		return err
	}

	u.col++
	if s.Flags.Has(pixel.FlagEndOfLine) {
		u.col = 0
		u.row++
		u.haveLast = false
	}
	return nil
}

// site handles a chroma-carrying pixel: remember its chroma for the pixels
// it covers, resolve any held neighbor, and emit it with its own values.
func (u *Upsampler) site(ctx context.Context, s pixel.Sample) error {
	idx := u.col >> 1
	for len(u.sites) <= idx {
		u.sites = append(u.sites, sitePair{})
	}
	u.sites[idx] = sitePair{s.C1, s.C2}

	if u.havePending {
		p := u.pending
		u.havePending = false
		if u.haveLast {
			p.C1 = avg2(u.lastSite.c1, s.C1)
			p.C2 = avg2(u.lastSite.c2, s.C2)
		} else {
			p.C1, p.C2 = s.C1, s.C2
		}
		if err := u.out.Send(ctx, p); err != nil {
			return err
		}
	}
	u.lastSite = sitePair{s.C1, s.C2}
	u.haveLast = true

	s.Flags &^= pixel.FlagChromaSited
	return u.out.Send(ctx, s)
}

// fill supplies chroma for a pixel that carries none.
func (u *Upsampler) fill(ctx context.Context, s pixel.Sample) error {
	siteRow := u.ratio == Ratio422 || u.row&1 == 0

	if u.policy == Linear && siteRow {
		// Interpolation needs the site to the right. Hold the sample
		// unless the line ends here, in which case the left site
		// replicates across the edge.
		if !s.Flags.Has(pixel.FlagEndOfLine) {
			if u.havePending {
				// Malformed spacing between sites; resolve the
				// older sample by replication to keep order.
				p := u.pending
				if u.haveLast {
					p.C1, p.C2 = u.lastSite.c1, u.lastSite.c2
				}
				if err := u.out.Send(ctx, p); err != nil {
					return err
				}
			}
			u.pending = s
			u.havePending = true
			return nil
		}
		if u.haveLast {
			s.C1, s.C2 = u.lastSite.c1, u.lastSite.c2
		}
		return u.out.Send(ctx, s)
	}

	idx := u.col >> 1
	switch {
	case len(u.sites) == 0:
		// No site seen yet this frame; leave the chroma alone.
	case u.policy == Linear && u.col&1 == 1 && idx+1 < len(u.sites):
		s.C1 = avg2(u.sites[idx].c1, u.sites[idx+1].c1)
		s.C2 = avg2(u.sites[idx].c2, u.sites[idx+1].c2)
	default:
		if idx >= len(u.sites) {
			idx = len(u.sites) - 1
		}
		s.C1, s.C2 = u.sites[idx].c1, u.sites[idx].c2
	}
	return u.out.Send(ctx, s)
}

func (u *Upsampler) reset() {
	u.col = 0
	u.row = 0
	u.sites = u.sites[:0]
	u.haveLast = false
	u.havePending = false
}
