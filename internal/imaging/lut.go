package imaging

import (
	"fmt"
	"math"

	"dobbe-backend/pkg/api"
)

// LUT is a lookup table as declared by a modality or VOI LUT sequence. Inputs
// below FirstMapped map to the first entry, inputs past the end to the last.
type LUT struct {
	FirstMapped int
	Bits        int
	Data        []int
}

func (l *LUT) validate() error {
	if len(l.Data) == 0 {
		return fmt.Errorf("lookup table has no entries")
	}
	if l.Bits != 0 && (l.Bits < 8 || l.Bits > 16) {
		return fmt.Errorf("lookup table declares unsupported entry width %d", l.Bits)
	}
	return nil
}

func (l *LUT) apply(values []float64) []float64 {
	out := make([]float64, len(values))
	last := len(l.Data) - 1
	for i, v := range values {
		idx := int(math.Round(v)) - l.FirstMapped
		if idx < 0 {
			idx = 0
		} else if idx > last {
			idx = last
		}
		out[i] = float64(l.Data[idx])
	}
	return out
}

type ConvertOptions struct {
	ModalityLUT    *LUT
	Rescale        *api.Rescale
	VOILUT         *LUT
	Window         *api.Window
	TransferSyntax string
}

func applyModality(values []float64, opts ConvertOptions, record *api.ImageInfo) []float64 {
	if opts.ModalityLUT != nil {
		if err := opts.ModalityLUT.validate(); err != nil {
			record.TransformErrors = append(record.TransformErrors, fmt.Sprintf("modality lut: %v", err))
			return values
		}
		record.ModalityLutApplied = true
		return opts.ModalityLUT.apply(values)
	}

	rescale := opts.Rescale
	if rescale == nil || (rescale.Slope == 1 && rescale.Intercept == 0) {
		return values
	}
	if rescale.Slope == 0 || math.IsNaN(rescale.Slope) || math.IsNaN(rescale.Intercept) {
		record.TransformErrors = append(record.TransformErrors, fmt.Sprintf("rescale: invalid slope %v intercept %v", rescale.Slope, rescale.Intercept))
		return values
	}

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v*rescale.Slope + rescale.Intercept
	}
	record.Rescale = &api.Rescale{Slope: rescale.Slope, Intercept: rescale.Intercept}
	return out
}

func applyVOI(values []float64, opts ConvertOptions, record *api.ImageInfo) []float64 {
	if opts.VOILUT != nil {
		err := opts.VOILUT.validate()
		if err == nil {
			record.VoiLutApplied = true
			return opts.VOILUT.apply(values)
		}
		// fall back to the window, if any
		record.TransformErrors = append(record.TransformErrors, fmt.Sprintf("voi lut: %v", err))
	}

	if opts.Window == nil {
		return values
	}
	return applyWindow(values, *opts.Window, record)
}

// applyWindow maps [center - width/2, center + width/2] linearly onto 0..255.
func applyWindow(values []float64, w api.Window, record *api.ImageInfo) []float64 {
	if w.Width <= 0 || math.IsNaN(w.Width) || math.IsNaN(w.Center) {
		record.TransformErrors = append(record.TransformErrors, fmt.Sprintf("window: invalid center %v width %v", w.Center, w.Width))
		return values
	}

	low := w.Center - w.Width/2
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Min(math.Max((v-low)/w.Width*255, 0), 255)
	}
	record.Window = &api.Window{Center: w.Center, Width: w.Width}
	return out
}
