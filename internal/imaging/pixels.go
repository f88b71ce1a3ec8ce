package imaging

import (
	"errors"
	"fmt"
)

var ErrMalformedPixelData = errors.New("malformed pixel data")

// Photometric interpretations understood by the normalizer.
const (
	Monochrome1 = "MONOCHROME1"
	Monochrome2 = "MONOCHROME2"
	RGB         = "RGB"
	YBRFull     = "YBR_FULL"
)

type SampleType struct {
	BitsAllocated int
	BitsStored    int
	Signed        bool
}

// Dtype names the sample type the way the conversion record reports it.
func (s SampleType) Dtype() string {
	prefix := "uint"
	if s.Signed {
		prefix = "int"
	}
	return fmt.Sprintf("%s%d", prefix, s.BitsAllocated)
}

func (s SampleType) stored() int {
	if s.BitsStored <= 0 || s.BitsStored > s.BitsAllocated {
		return s.BitsAllocated
	}
	return s.BitsStored
}

// PixelBuffer holds one decoded frame with samples interleaved per pixel
// (row-major, channel-fastest).
type PixelBuffer struct {
	Rows        int
	Cols        int
	Channels    int
	Samples     []int
	Type        SampleType
	Photometric string
}

func (b *PixelBuffer) Shape() []int {
	if b.Channels > 1 {
		return []int{b.Rows, b.Cols, b.Channels}
	}
	return []int{b.Rows, b.Cols}
}

func (b *PixelBuffer) validate() error {
	if b == nil {
		return fmt.Errorf("%w: no pixel buffer", ErrMalformedPixelData)
	}
	if b.Rows <= 0 || b.Cols <= 0 || b.Channels <= 0 {
		return fmt.Errorf("%w: invalid shape %dx%dx%d", ErrMalformedPixelData, b.Rows, b.Cols, b.Channels)
	}
	if b.Channels == 2 {
		return fmt.Errorf("%w: unsupported channel count %d", ErrMalformedPixelData, b.Channels)
	}
	switch b.Type.BitsAllocated {
	case 8, 16, 32:
	default:
		return fmt.Errorf("%w: unsupported bit depth %d", ErrMalformedPixelData, b.Type.BitsAllocated)
	}
	if expected := b.Rows * b.Cols * b.Channels; len(b.Samples) != expected {
		return fmt.Errorf("%w: expected %d samples, found %d", ErrMalformedPixelData, expected, len(b.Samples))
	}
	return nil
}

// decode masks every sample to the stored bit width and sign-extends it when
// the sample type is signed.
func (b *PixelBuffer) decode() []int {
	bits := b.Type.stored()
	mask := int64(1)<<bits - 1
	signBit := int64(1) << (bits - 1)

	out := make([]int, len(b.Samples))
	for i, s := range b.Samples {
		v := int64(s) & mask
		if b.Type.Signed && v&signBit != 0 {
			v -= mask + 1
		}
		out[i] = int(v)
	}
	return out
}

func minMaxInt(values []int) (int, int) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func minMaxFloat(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}
