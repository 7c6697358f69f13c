// Package chroma implements chroma resampling between full-resolution 4:4:4
// streams and the subsampled 4:2:2 and 4:2:0 ratios.
//
// Subsampled streams keep the full sample rate: every pixel still flows with
// its luma in C0, and the shared chroma of its group is duplicated into C1
// and C2 on every member. The pixel that formally owns the group's chroma is
// marked FlagChromaSited, using top-left siting: even columns for 4:2:2,
// even columns of even rows for 4:2:0. This is the unpacked view of a
// hardware link word that carries one chroma pair per pixel group.
//
// Downsampling averages each group with a single rounding step (round half
// up on the group sum). Groups cut short by a line or frame edge average
// only the samples present, which is identical to edge replication. No state
// survives a frame boundary and nothing is ever averaged across one.
//
// Upsampling back to 4:4:4 clears the siting flags and fills chroma by
// policy. Nearest replicates the owning group's chroma and is the exact
// structural inverse of the downsampler on chroma sites. Linear interpolates
// between horizontally adjacent chroma sites with edge replication at line
// ends; across chroma rows it replicates the row above, so a Linear upsample
// of a prior downsample is lossy and must not be treated as round-trip safe.
package chroma

import (
	"errors"
	"fmt"
)

// Sentinel errors for resampler configuration.
var (
	// ErrBadRatio indicates an unknown subsampling ratio.
	ErrBadRatio = errors.New("unknown subsampling ratio")

	// ErrBadPolicy indicates an unknown upsampling policy.
	ErrBadPolicy = errors.New("unknown upsampling policy")
)

// Ratio is a chroma subsampling ratio.
type Ratio uint8

const (
	// Ratio444 carries chroma on every pixel; resamplers pass through.
	Ratio444 Ratio = iota
	// Ratio422 halves chroma horizontally.
	Ratio422
	// Ratio420 halves chroma on both axes.
	Ratio420
)

func (r Ratio) String() string {
	switch r {
	case Ratio444:
		return "4:4:4"
	case Ratio422:
		return "4:2:2"
	case Ratio420:
		return "4:2:0"
	default:
		return fmt.Sprintf("Ratio(%d)", uint8(r))
	}
}

// Valid reports whether the ratio is one of the supported values.
func (r Ratio) Valid() bool {
	return r <= Ratio420
}

// Policy selects how an Upsampler fills the chroma of non-sited pixels.
type Policy uint8

const (
	// Nearest replicates the owning chroma site. Exact inverse of the
	// downsampler on chroma sites.
	Nearest Policy = iota
	// Linear interpolates between adjacent chroma sites along the line.
	Linear
)

func (p Policy) String() string {
	switch p {
	case Nearest:
		return "nearest"
	case Linear:
		return "linear"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// avg2 averages two component values, rounding half up.
func avg2(a, b int32) int32 {
	return (a + b + 1) >> 1
}

// groupSum accumulates the chroma of one pixel group. Counts are always a
// power of two: 4 for a full 2x2 group, 2 at a single edge, 1 in a corner.
type groupSum struct {
	c1, c2 int32
	n      int32
}

func (g *groupSum) add(c1, c2 int32) {
	g.c1 += c1
	g.c2 += c2
	g.n++
}

func (g *groupSum) mean() (int32, int32) {
	if g.n == 0 {
		return 0, 0
	}
	return (g.c1 + g.n>>1) / g.n, (g.c2 + g.n>>1) / g.n
}
