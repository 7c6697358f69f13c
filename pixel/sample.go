// Package pixel defines the sample, format and geometry types shared by every
// stage of the video pipeline.
//
// A Sample is one pixel's worth of data on a handshake channel: three
// fixed-point component values plus positional metadata and boundary flags.
// Samples are immutable once produced; a stage consumes one and emits zero or
// more derived samples, never mutating the original.
package pixel

import "fmt"

// Flags carries the sideband signals that travel with a sample: the raster
// boundary markers plus the two flags the Go rendition adds for subsampled
// chroma siting and in-band frame aborts.
type Flags uint8

const (
	// FlagStartOfLine marks the first sample of a raster line.
	FlagStartOfLine Flags = 1 << iota
	// FlagEndOfLine marks the last sample of a raster line.
	FlagEndOfLine
	// FlagStartOfFrame marks the first sample of a frame.
	FlagStartOfFrame
	// FlagEndOfFrame marks the last sample of a frame.
	FlagEndOfFrame
	// FlagChromaSited marks a sample that carries chroma in a subsampled
	// stream. In a 4:4:4 stream every sample carries it.
	FlagChromaSited
	// FlagAbort marks an abort marker: the current frame is recalled and
	// every downstream stage must discard its buffered samples for it.
	// An abort marker carries no pixel payload.
	FlagAbort
)

// Has reports whether all flags in mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		flag Flags
		name string
	}{
		{FlagStartOfLine, "sol"},
		{FlagEndOfLine, "eol"},
		{FlagStartOfFrame, "sof"},
		{FlagEndOfFrame, "eof"},
		{FlagChromaSited, "chroma"},
		{FlagAbort, "abort"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.flag) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// Sample is one pixel on a handshake channel.
//
// The three components are fixed-point values whose meaning depends on the
// stream's Format: {R,G,B} for ModelRGB, {Y,Cb,Cr} for ModelYCbCr. X and Y
// are the column and row indices in raster order.
type Sample struct {
	C0, C1, C2 int32
	X, Y       int
	Flags      Flags
}

// Abort returns an abort marker sample. It carries no pixel payload and its
// position fields are meaningless.
func Abort() Sample {
	return Sample{Flags: FlagAbort}
}

// IsAbort reports whether the sample is an abort marker rather than pixel data.
func (s Sample) IsAbort() bool {
	return s.Flags.Has(FlagAbort)
}

func (s Sample) String() string {
	if s.IsAbort() {
		return "sample(abort)"
	}
	return fmt.Sprintf("sample(%d,%d %d/%d/%d %s)", s.X, s.Y, s.C0, s.C1, s.C2, s.Flags)
}

// BoundaryFlags computes the raster boundary flags for position (x, y) in a
// width×height frame. Sources use it to tag generated samples; tests use it
// to build expected streams.
func BoundaryFlags(x, y, width, height int) Flags {
	var f Flags
	if x == 0 {
		f |= FlagStartOfLine
	}
	if x == width-1 {
		f |= FlagEndOfLine
	}
	if x == 0 && y == 0 {
		f |= FlagStartOfFrame
	}
	if x == width-1 && y == height-1 {
		f |= FlagEndOfFrame
	}
	return f
}
