package pixel

import (
	"errors"
	"fmt"
)

// Sentinel errors for format and geometry validation.
var (
	// ErrBadFormat indicates an unsupported color model or component depth.
	ErrBadFormat = errors.New("unsupported pixel format")

	// ErrBadGeometry indicates inconsistent frame geometry.
	ErrBadGeometry = errors.New("invalid frame geometry")
)

// ColorModel identifies the meaning of a sample's three components.
type ColorModel uint8

const (
	// ModelRGB orders components as R, G, B.
	ModelRGB ColorModel = iota
	// ModelYCbCr orders components as Y, Cb, Cr.
	ModelYCbCr
)

func (m ColorModel) String() string {
	switch m {
	case ModelRGB:
		return "RGB"
	case ModelYCbCr:
		return "YCbCr"
	default:
		return fmt.Sprintf("ColorModel(%d)", uint8(m))
	}
}

// Format describes how the three components of a sample are interpreted and
// stored: the color model and the fixed-point depth in bits per component.
// Components up to 8 bits occupy one byte each in the frame store, deeper
// components two bytes (little-endian), giving 3 or 6 bytes per pixel.
type Format struct {
	Model ColorModel
	Depth uint8 // bits per component, 1..16
}

// Validate checks the format against the supported model and depth range.
func (f Format) Validate() error {
	if f.Model != ModelRGB && f.Model != ModelYCbCr {
		return fmt.Errorf("%w: color model %d", ErrBadFormat, f.Model)
	}
	if f.Depth < 1 || f.Depth > 16 {
		return fmt.Errorf("%w: depth %d bits (supported 1..16)", ErrBadFormat, f.Depth)
	}
	return nil
}

// Max returns the largest representable component value, (1<<Depth)-1.
func (f Format) Max() int32 {
	return int32(1)<<f.Depth - 1
}

// Half returns the mid-scale value 1<<(Depth-1), the chroma zero point.
func (f Format) Half() int32 {
	return int32(1) << (f.Depth - 1)
}

// BytesPerComponent returns the storage size of one component.
func (f Format) BytesPerComponent() int {
	if f.Depth <= 8 {
		return 1
	}
	return 2
}

// BytesPerPixel returns the storage size of one packed pixel.
func (f Format) BytesPerPixel() int {
	return 3 * f.BytesPerComponent()
}

func (f Format) String() string {
	return fmt.Sprintf("%s%d", f.Model, f.Depth)
}

// Clamp saturates v to the format's representable range [0, Max].
func (f Format) Clamp(v int32) int32 {
	if v < 0 {
		return 0
	}
	if max := f.Max(); v > max {
		return max
	}
	return v
}

// Put packs one pixel's components into dst, which must hold at least
// BytesPerPixel bytes. Components are stored in model order, little-endian
// for two-byte components.
func (f Format) Put(dst []byte, c0, c1, c2 int32) {
	if f.Depth <= 8 {
		dst[0] = byte(c0)
		dst[1] = byte(c1)
		dst[2] = byte(c2)
		return
	}
	dst[0] = byte(c0)
	dst[1] = byte(c0 >> 8)
	dst[2] = byte(c1)
	dst[3] = byte(c1 >> 8)
	dst[4] = byte(c2)
	dst[5] = byte(c2 >> 8)
}

// Get unpacks one pixel's components from src, the inverse of Put.
func (f Format) Get(src []byte) (c0, c1, c2 int32) {
	if f.Depth <= 8 {
		return int32(src[0]), int32(src[1]), int32(src[2])
	}
	c0 = int32(src[0]) | int32(src[1])<<8
	c1 = int32(src[2]) | int32(src[3])<<8
	c2 = int32(src[4]) | int32(src[5])<<8
	return c0, c1, c2
}

// Geometry describes the raster dimensions of a frame and its line stride in
// the frame store. A zero Stride means lines are packed (Width*BytesPerPixel).
type Geometry struct {
	Width  int
	Height int
	Stride int // bytes per line; 0 = packed
}

// LineBytes returns the effective stride for the given format.
func (g Geometry) LineBytes(f Format) int {
	if g.Stride > 0 {
		return g.Stride
	}
	return g.Width * f.BytesPerPixel()
}

// FrameBytes returns the store footprint of one frame.
func (g Geometry) FrameBytes(f Format) int {
	return g.LineBytes(f) * g.Height
}

// Pixels returns the number of pixels in one frame.
func (g Geometry) Pixels() int {
	return g.Width * g.Height
}

// Validate checks the geometry against the format: positive dimensions and a
// stride wide enough for a full line.
func (g Geometry) Validate(f Format) error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrBadGeometry, g.Width, g.Height)
	}
	if g.Stride > 0 && g.Stride < g.Width*f.BytesPerPixel() {
		return fmt.Errorf("%w: stride %d < line %d bytes",
			ErrBadGeometry, g.Stride, g.Width*f.BytesPerPixel())
	}
	return nil
}
