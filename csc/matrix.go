package csc

// Matrix specifies a color space conversion as out = M*(in + pre) + post.
// Coefficients are given as float64 and quantized to fixed point when a
// Converter is built. Pre offsets recenter signed components (chroma) before
// the multiply; post offsets recenter after it. Both are expressed at the
// component scale of the target bit depth.
type Matrix struct {
	Coef [3][3]float64
	Pre  [3]int32
	Post [3]int32
}

// half returns the mid-scale offset for a bit depth, e.g. 128 at 8 bits.
func half(depth uint8) int32 {
	return int32(1) << (depth - 1)
}

// BT601RGBToYCbCr returns the full-range BT.601 encode matrix for the given
// bit depth. Chroma components come out centered at mid-scale.
func BT601RGBToYCbCr(depth uint8) Matrix {
	h := half(depth)
	return Matrix{
		Coef: [3][3]float64{
			{0.299, 0.587, 0.114},
			{-0.168736, -0.331264, 0.5},
			{0.5, -0.418688, -0.081312},
		},
		Post: [3]int32{0, h, h},
	}
}

// BT601YCbCrToRGB returns the full-range BT.601 decode matrix for the given
// bit depth. It is the inverse of BT601RGBToYCbCr up to rounding.
func BT601YCbCrToRGB(depth uint8) Matrix {
	h := half(depth)
	return Matrix{
		Coef: [3][3]float64{
			{1.0, 0.0, 1.402},
			{1.0, -0.344136, -0.714136},
			{1.0, 1.772, 0.0},
		},
		Pre: [3]int32{0, -h, -h},
	}
}

// BT709RGBToYCbCr returns the full-range BT.709 encode matrix for the given
// bit depth.
func BT709RGBToYCbCr(depth uint8) Matrix {
	h := half(depth)
	return Matrix{
		Coef: [3][3]float64{
			{0.2126, 0.7152, 0.0722},
			{-0.114572, -0.385428, 0.5},
			{0.5, -0.454153, -0.045847},
		},
		Post: [3]int32{0, h, h},
	}
}

// BT709YCbCrToRGB returns the full-range BT.709 decode matrix for the given
// bit depth.
func BT709YCbCrToRGB(depth uint8) Matrix {
	h := half(depth)
	return Matrix{
		Coef: [3][3]float64{
			{1.0, 0.0, 1.5748},
			{1.0, -0.187324, -0.468124},
			{1.0, 1.8556, 0.0},
		},
		Pre: [3]int32{0, -h, -h},
	}
}

// Identity returns the pass-through matrix. Useful with Pre/Post offsets for
// plain level shifts.
func Identity() Matrix {
	return Matrix{
		Coef: [3][3]float64{
			{1, 0, 0},
			{0, 1, 0},
			{0, 0, 1},
		},
	}
}
