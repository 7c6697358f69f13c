// Package csc implements fixed-point color space conversion between RGB and
// YCbCr sample streams.
//
// A Converter applies a 3x3 matrix with pre and post offset vectors to each
// sample: out = M*(in + pre) + post. Matrix coefficients are quantized to
// signed fixed point with a configurable fraction width, products accumulate
// in 64 bits, and the final downshift supports half-even, half-up, and
// truncating rounding. Results clamp to the component range by default;
// wrap-around is available for test harnesses that need to observe raw
// arithmetic. BT.601 and BT.709 full-range presets are provided for any
// supported bit depth.
package csc

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/pixel"
)

// Sentinel errors for converter configuration.
var (
	// ErrBadFracBits indicates a fraction width outside the supported
	// range.
	ErrBadFracBits = errors.New("fraction width out of range")

	// ErrBadMode indicates an unknown rounding or overflow mode.
	ErrBadMode = errors.New("unknown conversion mode")
)

// Rounding selects how the fixed-point downshift resolves fraction bits.
type Rounding uint8

const (
	// RoundHalfEven rounds to nearest, ties to even. The default.
	RoundHalfEven Rounding = iota
	// RoundHalfUp rounds to nearest, ties toward positive infinity.
	RoundHalfUp
	// Truncate drops the fraction bits, rounding toward negative
	// infinity.
	Truncate
)

func (r Rounding) String() string {
	switch r {
	case RoundHalfEven:
		return "half-even"
	case RoundHalfUp:
		return "half-up"
	case Truncate:
		return "truncate"
	default:
		return fmt.Sprintf("Rounding(%d)", uint8(r))
	}
}

// Overflow selects how out-of-range results map back into the component
// range.
type Overflow uint8

const (
	// Clamp saturates to [0, 2^depth-1]. The default.
	Clamp Overflow = iota
	// Wrap keeps the low depth bits, discarding overflow.
	Wrap
)

func (o Overflow) String() string {
	switch o {
	case Clamp:
		return "clamp"
	case Wrap:
		return "wrap"
	default:
		return fmt.Sprintf("Overflow(%d)", uint8(o))
	}
}

// DefaultFracBits is the fraction width used when Config leaves it zero.
// Twelve bits keep BT.601/BT.709 round trips within one LSB at 8 bits.
const DefaultFracBits = 12

// maxFracBits bounds the fraction width so three 16-bit components times
// quantized coefficients always fit an int64 accumulator.
const maxFracBits = 30

// Config configures a Converter.
type Config struct {
	// Matrix is the conversion to apply, usually one of the presets.
	Matrix Matrix

	// Format gives the component bit depth used for offsets, clamping,
	// and wrapping. The color model is advisory.
	Format pixel.Format

	// FracBits is the fixed-point fraction width. Zero means
	// DefaultFracBits.
	FracBits uint8

	// Rounding and Overflow select the arithmetic modes.
	Rounding Rounding
	Overflow Overflow
}

// Converter applies one direction of color space conversion. The direction
// is fixed by the matrix given at construction; build a second Converter for
// the reverse path.
type Converter struct {
	coef     [3][3]int64
	pre      [3]int64
	post     [3]int64
	frac     uint8
	rounding Rounding
	overflow Overflow
	maxVal   int32
}

// NewConverter quantizes the matrix and validates the configuration.
func NewConverter(cfg Config) (*Converter, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	frac := cfg.FracBits
	if frac == 0 {
		frac = DefaultFracBits
	}
	if frac > maxFracBits {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrBadFracBits, frac, maxFracBits)
	}
	if cfg.Rounding > Truncate {
		return nil, fmt.Errorf("%w: rounding %d", ErrBadMode, cfg.Rounding)
	}
	if cfg.Overflow > Wrap {
		return nil, fmt.Errorf("%w: overflow %d", ErrBadMode, cfg.Overflow)
	}

	c := &Converter{
		frac:     frac,
		rounding: cfg.Rounding,
		overflow: cfg.Overflow,
		maxVal:   cfg.Format.Max(),
	}
	scale := float64(int64(1) << frac)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c.coef[i][j] = int64(math.Round(cfg.Matrix.Coef[i][j] * scale))
		}
		c.pre[i] = int64(cfg.Matrix.Pre[i])
		c.post[i] = int64(cfg.Matrix.Post[i])
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewConverter",
		"frac_bits": frac,
		"rounding":  cfg.Rounding.String(),
		"overflow":  cfg.Overflow.String(),
		"depth":     cfg.Format.Depth,
	}).Debug("Color space converter created")
	return c, nil
}

// Convert transforms one sample's components, leaving position and flags
// untouched. Abort markers pass through unmodified.
func (c *Converter) Convert(s pixel.Sample) pixel.Sample {
	if s.IsAbort() {
		return s
	}
	in := [3]int64{
		int64(s.C0) + c.pre[0],
		int64(s.C1) + c.pre[1],
		int64(s.C2) + c.pre[2],
	}
	var out [3]int32
	for i := 0; i < 3; i++ {
		acc := c.coef[i][0]*in[0] + c.coef[i][1]*in[1] + c.coef[i][2]*in[2]
		v := c.shift(acc) + c.post[i]
		out[i] = c.fit(v)
	}
	s.C0, s.C1, s.C2 = out[0], out[1], out[2]
	return s
}

// shift performs the fixed-point downshift with the configured rounding.
// Arithmetic right shift gives floor division, so the remainder below is
// always non-negative and ties resolve identically for both signs.
func (c *Converter) shift(acc int64) int64 {
	q := acc >> c.frac
	if c.rounding == Truncate {
		return q
	}
	r := acc - (q << c.frac)
	halfStep := int64(1) << (c.frac - 1)
	switch {
	case r > halfStep:
		return q + 1
	case r < halfStep:
		return q
	case c.rounding == RoundHalfUp:
		return q + 1
	default:
		// Half-even: bump only when the floor quotient is odd.
		return q + (q & 1)
	}
}

// fit maps an out-of-range value back into [0, max] per the overflow mode.
func (c *Converter) fit(v int64) int32 {
	switch c.overflow {
	case Wrap:
		return int32(v) & c.maxVal
	default:
		if v < 0 {
			return 0
		}
		if v > int64(c.maxVal) {
			return c.maxVal
		}
		return int32(v)
	}
}
