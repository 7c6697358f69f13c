package pixel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name      string
		format    Format
		expectErr bool
	}{
		{name: "rgb8", format: Format{Model: ModelRGB, Depth: 8}, expectErr: false},
		{name: "ycbcr10", format: Format{Model: ModelYCbCr, Depth: 10}, expectErr: false},
		{name: "rgb16", format: Format{Model: ModelRGB, Depth: 16}, expectErr: false},
		{name: "zero_depth", format: Format{Model: ModelRGB, Depth: 0}, expectErr: true},
		{name: "too_deep", format: Format{Model: ModelRGB, Depth: 17}, expectErr: true},
		{name: "bad_model", format: Format{Model: ColorModel(7), Depth: 8}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrBadFormat)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFormatRanges(t *testing.T) {
	f8 := Format{Model: ModelRGB, Depth: 8}
	assert.Equal(t, int32(255), f8.Max())
	assert.Equal(t, int32(128), f8.Half())
	assert.Equal(t, 3, f8.BytesPerPixel())

	f10 := Format{Model: ModelYCbCr, Depth: 10}
	assert.Equal(t, int32(1023), f10.Max())
	assert.Equal(t, int32(512), f10.Half())
	assert.Equal(t, 6, f10.BytesPerPixel())
}

func TestFormatClamp(t *testing.T) {
	f := Format{Model: ModelRGB, Depth: 8}
	assert.Equal(t, int32(0), f.Clamp(-5))
	assert.Equal(t, int32(255), f.Clamp(300))
	assert.Equal(t, int32(77), f.Clamp(77))
}

func TestFormatPutGetRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		format     Format
		c0, c1, c2 int32
	}{
		{name: "rgb8", format: Format{Model: ModelRGB, Depth: 8}, c0: 0, c1: 128, c2: 255},
		{name: "ycbcr10", format: Format{Model: ModelYCbCr, Depth: 10}, c0: 1023, c1: 512, c2: 1},
		{name: "rgb16", format: Format{Model: ModelRGB, Depth: 16}, c0: 65535, c1: 256, c2: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.format.BytesPerPixel())
			tt.format.Put(buf, tt.c0, tt.c1, tt.c2)
			c0, c1, c2 := tt.format.Get(buf)
			assert.Equal(t, tt.c0, c0)
			assert.Equal(t, tt.c1, c1)
			assert.Equal(t, tt.c2, c2)
		})
	}
}

func TestGeometryValidate(t *testing.T) {
	f := Format{Model: ModelRGB, Depth: 8}

	tests := []struct {
		name      string
		geom      Geometry
		expectErr bool
	}{
		{name: "packed", geom: Geometry{Width: 640, Height: 480}, expectErr: false},
		{name: "padded_stride", geom: Geometry{Width: 640, Height: 480, Stride: 2048}, expectErr: false},
		{name: "zero_width", geom: Geometry{Width: 0, Height: 480}, expectErr: true},
		{name: "negative_height", geom: Geometry{Width: 640, Height: -1}, expectErr: true},
		{name: "short_stride", geom: Geometry{Width: 640, Height: 480, Stride: 100}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.geom.Validate(f)
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrBadGeometry)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGeometrySizes(t *testing.T) {
	f := Format{Model: ModelRGB, Depth: 8}

	packed := Geometry{Width: 4, Height: 4}
	require.Equal(t, 12, packed.LineBytes(f))
	assert.Equal(t, 48, packed.FrameBytes(f))
	assert.Equal(t, 16, packed.Pixels())

	padded := Geometry{Width: 4, Height: 4, Stride: 16}
	assert.Equal(t, 16, padded.LineBytes(f))
	assert.Equal(t, 64, padded.FrameBytes(f))
}
