package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"dobbe-backend/pkg/api"
)

const (
	ConvertedFormat = "PNG"
	flatValue       = 128
)

type Converted struct {
	Image  *image.RGBA
	PNG    []byte
	Record api.ImageInfo
}

// Convert turns a decoded frame into a 3 channel 8 bit raster. Transforms
// that cannot be applied are recorded in Record.TransformErrors and skipped;
// only a malformed buffer fails the conversion.
func Convert(buf *PixelBuffer, opts ConvertOptions) (*Converted, error) {
	if err := buf.validate(); err != nil {
		return nil, err
	}

	record := api.ImageInfo{
		OriginalShape:             buf.Shape(),
		OriginalDtype:             buf.Type.Dtype(),
		ConvertedFormat:           ConvertedFormat,
		ConvertedSize:             [2]int{buf.Cols, buf.Rows},
		PhotometricInterpretation: buf.Photometric,
		TransferSyntax:            opts.TransferSyntax,
	}

	raw := buf.decode()
	record.PixelArrayMin, record.PixelArrayMax = minMaxInt(raw)

	values := make([]float64, len(raw))
	for i, v := range raw {
		values[i] = float64(v)
	}

	channels := buf.Channels
	if channels == 1 {
		values = applyModality(values, opts, &record)
		values = applyVOI(values, opts, &record)
	}

	if channels >= 3 && buf.Photometric == YBRFull {
		ybrToRGB(values, channels)
	}

	if buf.Photometric == Monochrome1 && channels == 1 {
		_, hi := minMaxFloat(values)
		for i, v := range values {
			values[i] = hi - v
		}
		record.Inverted = true
	}

	if channels > 3 {
		values = firstChannels(values, channels, 3)
		record.ChannelsDropped = channels - 3
		channels = 3
	}

	scaled := rescale(values)

	img := toRGBA(scaled, buf.Rows, buf.Cols, channels)

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, img); err != nil {
		return nil, fmt.Errorf("error encoding png: %w", err)
	}

	return &Converted{Image: img, PNG: encoded.Bytes(), Record: record}, nil
}

// rescale maps the observed range onto 0..255. A flat input becomes uniform
// mid gray.
func rescale(values []float64) []uint8 {
	out := make([]uint8, len(values))

	lo, hi := minMaxFloat(values)
	if hi == lo {
		for i := range out {
			out[i] = flatValue
		}
		return out
	}

	scale := 255 / (hi - lo)
	for i, v := range values {
		out[i] = uint8(math.Round((v - lo) * scale))
	}
	return out
}

func firstChannels(values []float64, channels, keep int) []float64 {
	pixels := len(values) / channels
	out := make([]float64, pixels*keep)
	for p := 0; p < pixels; p++ {
		copy(out[p*keep:(p+1)*keep], values[p*channels:p*channels+keep])
	}
	return out
}

func ybrToRGB(values []float64, channels int) {
	for p := 0; p+2 < len(values); p += channels {
		y, cb, cr := values[p], values[p+1]-128, values[p+2]-128
		values[p] = y + 1.402*cr
		values[p+1] = y - 0.344136*cb - 0.714136*cr
		values[p+2] = y + 1.772*cb
	}
}

func toRGBA(samples []uint8, rows, cols, channels int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for p := 0; p < rows*cols; p++ {
		px := img.Pix[p*4 : p*4+4]
		if channels == 1 {
			v := samples[p]
			px[0], px[1], px[2] = v, v, v
		} else {
			s := samples[p*channels : p*channels+3]
			px[0], px[1], px[2] = s[0], s[1], s[2]
		}
		px[3] = 0xff
	}
	return img
}
