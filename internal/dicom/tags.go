package dicom

import "github.com/suyashkumar/dicom/pkg/tag"

var (
	tagTransferSyntaxUID = tag.Tag{Group: 0x0002, Element: 0x0010}

	tagStudyDate              = tag.Tag{Group: 0x0008, Element: 0x0020}
	tagAcquisitionDate        = tag.Tag{Group: 0x0008, Element: 0x0022}
	tagStudyTime              = tag.Tag{Group: 0x0008, Element: 0x0030}
	tagAcquisitionTime        = tag.Tag{Group: 0x0008, Element: 0x0032}
	tagModality               = tag.Tag{Group: 0x0008, Element: 0x0060}
	tagManufacturer           = tag.Tag{Group: 0x0008, Element: 0x0070}
	tagInstitutionName        = tag.Tag{Group: 0x0008, Element: 0x0080}
	tagReferringPhysicianName = tag.Tag{Group: 0x0008, Element: 0x0090}
	tagStudyDescription       = tag.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesDescription      = tag.Tag{Group: 0x0008, Element: 0x103E}
	tagManufacturerModelName  = tag.Tag{Group: 0x0008, Element: 0x1090}

	tagPatientName      = tag.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID        = tag.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate = tag.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex       = tag.Tag{Group: 0x0010, Element: 0x0040}

	tagSamplesPerPixel           = tag.Tag{Group: 0x0028, Element: 0x0002}
	tagPhotometricInterpretation = tag.Tag{Group: 0x0028, Element: 0x0004}
	tagPlanarConfiguration       = tag.Tag{Group: 0x0028, Element: 0x0006}
	tagNumberOfFrames            = tag.Tag{Group: 0x0028, Element: 0x0008}
	tagRows                      = tag.Tag{Group: 0x0028, Element: 0x0010}
	tagColumns                   = tag.Tag{Group: 0x0028, Element: 0x0011}
	tagPixelSpacing              = tag.Tag{Group: 0x0028, Element: 0x0030}
	tagBitsAllocated             = tag.Tag{Group: 0x0028, Element: 0x0100}
	tagBitsStored                = tag.Tag{Group: 0x0028, Element: 0x0101}
	tagPixelRepresentation       = tag.Tag{Group: 0x0028, Element: 0x0103}
	tagWindowCenter              = tag.Tag{Group: 0x0028, Element: 0x1050}
	tagWindowWidth               = tag.Tag{Group: 0x0028, Element: 0x1051}
	tagRescaleIntercept          = tag.Tag{Group: 0x0028, Element: 0x1052}
	tagRescaleSlope              = tag.Tag{Group: 0x0028, Element: 0x1053}
	tagModalityLUTSequence       = tag.Tag{Group: 0x0028, Element: 0x3000}
	tagLUTDescriptor             = tag.Tag{Group: 0x0028, Element: 0x3002}
	tagLUTData                   = tag.Tag{Group: 0x0028, Element: 0x3006}
	tagVOILUTSequence            = tag.Tag{Group: 0x0028, Element: 0x3010}

	tagPixelData = tag.Tag{Group: 0x7FE0, Element: 0x0010}
)

const TransferSyntaxExplicitBigEndian = "1.2.840.10008.1.2.2"

// Transfer syntaxes with encapsulated frames that can be decoded.
const (
	TransferSyntaxJPEGBaseline = "1.2.840.10008.1.2.4.50"
	TransferSyntaxJPEGExtended = "1.2.840.10008.1.2.4.51"
)
