package dicom

import (
	"strconv"
	"strings"

	"dobbe-backend/pkg/api"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Attributes is a read-only view over the elements of a parsed container.
// Missing elements yield nil slices.
type Attributes interface {
	Strings(t tag.Tag) []string
	Ints(t tag.Tag) []int
}

// ExtractMetadata maps header attributes onto the flat metadata record. It
// never fails: absent or unparsable attributes are left unset.
func ExtractMetadata(attrs Attributes) api.DicomMetadata {
	return api.DicomMetadata{
		PatientId:                 stringAttr(attrs, tagPatientID),
		PatientName:               stringAttr(attrs, tagPatientName),
		PatientBirthDate:          stringAttr(attrs, tagPatientBirthDate),
		PatientSex:                stringAttr(attrs, tagPatientSex),
		StudyDate:                 stringAttr(attrs, tagStudyDate),
		StudyTime:                 stringAttr(attrs, tagStudyTime),
		StudyDescription:          stringAttr(attrs, tagStudyDescription),
		SeriesDescription:         stringAttr(attrs, tagSeriesDescription),
		Modality:                  stringAttr(attrs, tagModality),
		Manufacturer:              stringAttr(attrs, tagManufacturer),
		ManufacturerModelName:     stringAttr(attrs, tagManufacturerModelName),
		Rows:                      intAttr(attrs, tagRows),
		Columns:                   intAttr(attrs, tagColumns),
		PixelSpacing:              floatsAttr(attrs, tagPixelSpacing),
		BitsAllocated:             intAttr(attrs, tagBitsAllocated),
		BitsStored:                intAttr(attrs, tagBitsStored),
		PhotometricInterpretation: stringAttr(attrs, tagPhotometricInterpretation),
		AcquisitionDate:           stringAttr(attrs, tagAcquisitionDate),
		AcquisitionTime:           stringAttr(attrs, tagAcquisitionTime),
		InstitutionName:           stringAttr(attrs, tagInstitutionName),
		ReferringPhysicianName:    stringAttr(attrs, tagReferringPhysicianName),
	}
}

func clean(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func stringAttr(attrs Attributes, t tag.Tag) *string {
	for _, v := range attrs.Strings(t) {
		if v = clean(v); v != "" {
			return &v
		}
	}
	return nil
}

func intAttr(attrs Attributes, t tag.Tag) *int {
	if ints := attrs.Ints(t); len(ints) > 0 {
		v := ints[0]
		return &v
	}

	s := stringAttr(attrs, t)
	if s == nil {
		return nil
	}
	v, err := strconv.Atoi(*s)
	if err != nil {
		return nil
	}
	return &v
}

func floatsAttr(attrs Attributes, t tag.Tag) []float64 {
	values := attrs.Strings(t)
	if len(values) == 0 {
		return nil
	}

	out := make([]float64, 0, len(values))
	for _, v := range values {
		f, err := strconv.ParseFloat(clean(v), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

// firstFloat reads the first value of a possibly multi-valued decimal string.
func firstFloat(attrs Attributes, t tag.Tag) (float64, bool) {
	values := attrs.Strings(t)
	if len(values) == 0 {
		return 0, false
	}
	first, _, _ := strings.Cut(values[0], `\`)
	f, err := strconv.ParseFloat(clean(first), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
