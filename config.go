package pixelpipe

import (
	"fmt"
	"time"

	"github.com/opd-ai/pixelpipe/chroma"
	"github.com/opd-ai/pixelpipe/csc"
	"github.com/opd-ai/pixelpipe/dma"
	"github.com/opd-ai/pixelpipe/pixel"
)

// Standard selects the matrix preset pair used by both conversion stages.
type Standard uint8

const (
	// BT601 selects the full-range BT.601 encode/decode matrices.
	BT601 Standard = iota
	// BT709 selects the full-range BT.709 encode/decode matrices.
	BT709
)

func (s Standard) String() string {
	switch s {
	case BT601:
		return "BT.601"
	case BT709:
		return "BT.709"
	default:
		return fmt.Sprintf("Standard(%d)", uint8(s))
	}
}

// Config fixes every tunable of a pipeline at construction time. The zero
// value is not usable; start from NewConfig and adjust.
type Config struct {
	// Width and Height are the frame raster dimensions. Stride is the
	// frame store line pitch in bytes; zero packs lines tightly.
	Width  int
	Height int
	Stride int

	// StoreFormat is the pixel layout inside frame store slots. The store
	// side of both paths always carries RGB.
	StoreFormat pixel.Format

	// LinkFormat is the pixel layout on the link side of both paths,
	// always YCbCr, subsampled per Ratio. Its depth must match the store.
	LinkFormat pixel.Format

	// Ratio is the chroma subsampling carried on the link.
	Ratio chroma.Ratio

	// Slots is the frame buffer count: 3 for tear-free triple buffering,
	// 2 for classic double buffering.
	Slots int

	// Burst is the DMA transaction length in pixels; LookAhead caps how
	// many transactions either engine keeps outstanding. Zero picks the
	// engine defaults.
	Burst     int
	LookAhead int

	// ChannelDepth is the slack of every inter-stage channel. Zero gives
	// strict rendezvous handshaking on every hop.
	ChannelDepth int

	// Standard selects the conversion matrices for both directions.
	Standard Standard

	// FracBits is the converter precision; zero means csc.DefaultFracBits.
	// Rounding and Overflow select the converter arithmetic modes.
	FracBits uint8
	Rounding csc.Rounding
	Overflow csc.Overflow

	// Upsample is the capture path's chroma reconstruction policy.
	Upsample chroma.Policy

	// OverrunAfter bounds how long the capture writer may wait for a free
	// slot before the oldest pending frame is dropped. Zero waits forever.
	OverrunAfter time.Duration
}

// NewConfig returns the default configuration: VGA RGB frames in a triple
// buffered store, an 8-bit 4:2:2 YCbCr link, BT.601 matrices, and a little
// slack on every channel.
func NewConfig() *Config {
	return &Config{
		Width:        640,
		Height:       480,
		StoreFormat:  pixel.Format{Model: pixel.ModelRGB, Depth: 8},
		LinkFormat:   pixel.Format{Model: pixel.ModelYCbCr, Depth: 8},
		Ratio:        chroma.Ratio422,
		Slots:        3,
		Burst:        dma.DefaultBurst,
		LookAhead:    dma.DefaultLookAhead,
		ChannelDepth: 8,
		Upsample:     chroma.Nearest,
	}
}

// Validate checks the configuration for internal consistency. Every failure
// wraps ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.StoreFormat.Validate(); err != nil {
		return fmt.Errorf("%w: store format: %v", ErrConfiguration, err)
	}
	if c.StoreFormat.Model != pixel.ModelRGB {
		return fmt.Errorf("%w: frame store must hold RGB, got %s",
			ErrConfiguration, c.StoreFormat.Model)
	}
	if err := c.LinkFormat.Validate(); err != nil {
		return fmt.Errorf("%w: link format: %v", ErrConfiguration, err)
	}
	if c.LinkFormat.Model != pixel.ModelYCbCr {
		return fmt.Errorf("%w: link must carry YCbCr, got %s",
			ErrConfiguration, c.LinkFormat.Model)
	}
	if c.StoreFormat.Depth != c.LinkFormat.Depth {
		return fmt.Errorf("%w: store depth %d != link depth %d",
			ErrConfiguration, c.StoreFormat.Depth, c.LinkFormat.Depth)
	}
	if err := c.geometry().Validate(c.StoreFormat); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if !c.Ratio.Valid() {
		return fmt.Errorf("%w: %s", ErrConfiguration, c.Ratio)
	}
	if c.Slots < 2 || c.Slots > 3 {
		return fmt.Errorf("%w: slot count must be 2 or 3, got %d",
			ErrConfiguration, c.Slots)
	}
	if c.Burst < 0 || c.LookAhead < 0 || c.ChannelDepth < 0 {
		return fmt.Errorf("%w: burst %d, look-ahead %d, channel depth %d must be non-negative",
			ErrConfiguration, c.Burst, c.LookAhead, c.ChannelDepth)
	}
	if c.Standard != BT601 && c.Standard != BT709 {
		return fmt.Errorf("%w: %s", ErrConfiguration, c.Standard)
	}
	if c.Rounding > csc.Truncate {
		return fmt.Errorf("%w: rounding mode %d", ErrConfiguration, c.Rounding)
	}
	if c.Overflow > csc.Wrap {
		return fmt.Errorf("%w: overflow mode %d", ErrConfiguration, c.Overflow)
	}
	if c.Upsample != chroma.Nearest && c.Upsample != chroma.Linear {
		return fmt.Errorf("%w: upsample policy %d", ErrConfiguration, c.Upsample)
	}
	if c.OverrunAfter < 0 {
		return fmt.Errorf("%w: overrun threshold %s is negative",
			ErrConfiguration, c.OverrunAfter)
	}
	return nil
}

// geometry returns the frame store raster description.
func (c *Config) geometry() pixel.Geometry {
	return pixel.Geometry{Width: c.Width, Height: c.Height, Stride: c.Stride}
}

// matrices returns the encode (RGB to YCbCr) and decode (YCbCr to RGB)
// presets for the configured standard at the configured depth.
func (c *Config) matrices() (encode, decode csc.Matrix) {
	depth := c.StoreFormat.Depth
	if c.Standard == BT709 {
		return csc.BT709RGBToYCbCr(depth), csc.BT709YCbCrToRGB(depth)
	}
	return csc.BT601RGBToYCbCr(depth), csc.BT601YCbCrToRGB(depth)
}
