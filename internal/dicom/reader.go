package dicom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"dobbe-backend/internal/imaging"
	"dobbe-backend/pkg/api"

	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	ErrMalformedContainer  = errors.New("malformed dicom container")
	ErrUnsupportedEncoding = errors.New("unsupported pixel data encoding")
)

// Container is a parsed file reduced to what the pipeline needs: the header
// record, the first frame and the transforms it declares.
type Container struct {
	Metadata       api.DicomMetadata
	Pixels         *imaging.PixelBuffer
	Options        imaging.ConvertOptions
	TransferSyntax string
	Frames         int
}

type datasetAttributes struct {
	ds *dcm.Dataset
}

func (a datasetAttributes) value(t tag.Tag) any {
	el, err := a.ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return nil
	}
	return el.Value.GetValue()
}

func (a datasetAttributes) Strings(t tag.Tag) []string {
	v, _ := a.value(t).([]string)
	return v
}

func (a datasetAttributes) Ints(t tag.Tag) []int {
	v, _ := a.value(t).([]int)
	return v
}

func (a datasetAttributes) items(t tag.Tag) []datasetAttributes {
	seq, _ := a.value(t).([]*dcm.SequenceItemValue)

	out := make([]datasetAttributes, 0, len(seq))
	for _, item := range seq {
		elems, _ := item.GetValue().([]*dcm.Element)
		out = append(out, datasetAttributes{ds: &dcm.Dataset{Elements: elems}})
	}
	return out
}

func ReadFile(path string) (*Container, error) {
	ds, err := dcm.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	return FromDataset(&ds)
}

// FromDataset builds a container from an already parsed dataset. Only the
// first frame of a multi-frame object is decoded.
func FromDataset(ds *dcm.Dataset) (*Container, error) {
	attrs := datasetAttributes{ds: ds}

	el, err := ds.FindElementByTag(tagPixelData)
	if err != nil || el == nil || el.Value == nil {
		return nil, fmt.Errorf("%w: no pixel data", ErrMalformedContainer)
	}
	info, ok := el.Value.GetValue().(dcm.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, fmt.Errorf("%w: pixel data has no frames", ErrMalformedContainer)
	}

	container := &Container{
		Metadata: ExtractMetadata(attrs),
		Frames:   len(info.Frames),
	}
	if ts := stringAttr(attrs, tagTransferSyntaxUID); ts != nil {
		container.TransferSyntax = *ts
	}

	fr := info.Frames[0]
	layout := readLayout(attrs, fr.NativeData.Rows, fr.NativeData.Cols, fr.NativeData.BitsPerSample)

	if fr.Encapsulated {
		container.Pixels, err = decodeJPEG(fr.EncapsulatedData.Data, container.TransferSyntax, layout.photometric)
	} else {
		container.Pixels, err = nativeBuffer(fr.NativeData.Data, layout)
	}
	if err != nil {
		return nil, err
	}

	container.Options = readOptions(attrs, layout.sampleType.Signed, byteOrder(container.TransferSyntax))
	container.Options.TransferSyntax = container.TransferSyntax

	return container, nil
}

type pixelLayout struct {
	rows        int
	cols        int
	samples     int
	planar      int
	sampleType  imaging.SampleType
	photometric string
}

func readLayout(attrs Attributes, frameRows, frameCols, frameBits int) pixelLayout {
	layout := pixelLayout{
		rows:        frameRows,
		cols:        frameCols,
		samples:     1,
		photometric: imaging.Monochrome2,
		sampleType:  imaging.SampleType{BitsAllocated: frameBits},
	}

	if v := intAttr(attrs, tagRows); v != nil {
		layout.rows = *v
	}
	if v := intAttr(attrs, tagColumns); v != nil {
		layout.cols = *v
	}
	if v := intAttr(attrs, tagSamplesPerPixel); v != nil && *v > 0 {
		layout.samples = *v
	}
	if v := intAttr(attrs, tagPlanarConfiguration); v != nil {
		layout.planar = *v
	}
	if v := intAttr(attrs, tagBitsAllocated); v != nil {
		layout.sampleType.BitsAllocated = *v
	}
	if v := intAttr(attrs, tagBitsStored); v != nil {
		layout.sampleType.BitsStored = *v
	}
	if v := intAttr(attrs, tagPixelRepresentation); v != nil {
		layout.sampleType.Signed = *v == 1
	}
	if v := stringAttr(attrs, tagPhotometricInterpretation); v != nil {
		layout.photometric = *v
	}
	return layout
}

func nativeBuffer(data [][]int, layout pixelLayout) (*imaging.PixelBuffer, error) {
	samples := make([]int, 0, len(data)*layout.samples)
	for _, px := range data {
		samples = append(samples, px...)
	}

	expected := layout.rows * layout.cols * layout.samples
	if expected <= 0 || len(samples) != expected {
		return nil, fmt.Errorf("%w: frame holds %d samples, header declares %dx%dx%d", imaging.ErrMalformedPixelData, len(samples), layout.rows, layout.cols, layout.samples)
	}

	if layout.planar == 1 && layout.samples > 1 {
		samples = interleave(samples, layout.samples)
	}

	return &imaging.PixelBuffer{
		Rows:        layout.rows,
		Cols:        layout.cols,
		Channels:    layout.samples,
		Samples:     samples,
		Type:        layout.sampleType,
		Photometric: layout.photometric,
	}, nil
}

// interleave converts plane-by-plane samples (RRR..GGG..BBB..) into
// pixel-by-pixel samples (RGBRGB..).
func interleave(planar []int, channels int) []int {
	n := len(planar) / channels
	out := make([]int, len(planar))
	for c := 0; c < channels; c++ {
		for p := 0; p < n; p++ {
			out[p*channels+c] = planar[c*n+p]
		}
	}
	return out
}

func decodeJPEG(data []byte, transferSyntax, photometric string) (*imaging.PixelBuffer, error) {
	switch transferSyntax {
	case TransferSyntaxJPEGBaseline, TransferSyntaxJPEGExtended:
	default:
		return nil, fmt.Errorf("%w: transfer syntax %q", ErrUnsupportedEncoding, transferSyntax)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", imaging.ErrMalformedPixelData, err)
	}

	bounds := img.Bounds()
	buf := &imaging.PixelBuffer{
		Rows: bounds.Dy(),
		Cols: bounds.Dx(),
		Type: imaging.SampleType{BitsAllocated: 8, BitsStored: 8},
	}

	if gray, ok := img.(*image.Gray); ok {
		buf.Channels = 1
		buf.Photometric = imaging.Monochrome2
		if photometric == imaging.Monochrome1 {
			buf.Photometric = imaging.Monochrome1
		}
		buf.Samples = make([]int, 0, buf.Rows*buf.Cols)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := gray.Pix[(y-bounds.Min.Y)*gray.Stride:]
			for x := 0; x < buf.Cols; x++ {
				buf.Samples = append(buf.Samples, int(row[x]))
			}
		}
		return buf, nil
	}

	// the decoder already converts YCbCr, so color frames come out as RGB
	buf.Channels = 3
	buf.Photometric = imaging.RGB
	buf.Samples = make([]int, 0, buf.Rows*buf.Cols*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			buf.Samples = append(buf.Samples, int(c.R), int(c.G), int(c.B))
		}
	}
	return buf, nil
}

// byteOrder is the order of OW values encoded under the transfer syntax.
func byteOrder(transferSyntax string) binary.ByteOrder {
	if transferSyntax == TransferSyntaxExplicitBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func readOptions(attrs datasetAttributes, signed bool, order binary.ByteOrder) imaging.ConvertOptions {
	var opts imaging.ConvertOptions

	if items := attrs.items(tagModalityLUTSequence); len(items) > 0 {
		opts.ModalityLUT = lutFromValues(items[0].Ints(tagLUTDescriptor), items[0].value(tagLUTData), signed, order)
	}

	slope, hasSlope := firstFloat(attrs, tagRescaleSlope)
	intercept, hasIntercept := firstFloat(attrs, tagRescaleIntercept)
	if hasSlope || hasIntercept {
		if !hasSlope {
			slope = 1
		}
		opts.Rescale = &api.Rescale{Slope: slope, Intercept: intercept}
	}

	if items := attrs.items(tagVOILUTSequence); len(items) > 0 {
		opts.VOILUT = lutFromValues(items[0].Ints(tagLUTDescriptor), items[0].value(tagLUTData), signed, order)
	}

	center, hasCenter := firstFloat(attrs, tagWindowCenter)
	width, hasWidth := firstFloat(attrs, tagWindowWidth)
	if hasCenter && hasWidth {
		opts.Window = &api.Window{Center: center, Width: width}
	}

	return opts
}

// lutFromValues builds a lookup table from its descriptor (entries, first
// mapped value, bits per entry) and data. A table with a bad descriptor is
// returned empty so that the normalizer records it as a failed transform.
func lutFromValues(descriptor []int, data any, signed bool, order binary.ByteOrder) *imaging.LUT {
	if len(descriptor) != 3 {
		return &imaging.LUT{}
	}

	entries := descriptor[0]
	if entries == 0 {
		entries = 1 << 16
	}
	lut := &imaging.LUT{FirstMapped: descriptor[1], Bits: descriptor[2]}
	if signed && lut.FirstMapped > 1<<15-1 {
		lut.FirstMapped -= 1 << 16
	}

	switch d := data.(type) {
	case []int:
		lut.Data = d
	case []byte:
		if lut.Bits > 8 || len(d) == 2*entries {
			lut.Data = make([]int, len(d)/2)
			for i := range lut.Data {
				lut.Data[i] = int(order.Uint16(d[2*i:]))
			}
		} else {
			lut.Data = make([]int, len(d))
			for i, b := range d {
				lut.Data[i] = int(b)
			}
		}
	}

	if len(lut.Data) > entries {
		lut.Data = lut.Data[:entries]
	}
	return lut
}
