package api

import (
	"time"

	"github.com/google/uuid"
)

// DicomMetadata is the flat header record of a parsed container. Every field
// is optional; a nil field means the attribute was absent or unparsable.
type DicomMetadata struct {
	PatientId                 *string   `json:"patient_id"`
	PatientName               *string   `json:"patient_name"`
	PatientBirthDate          *string   `json:"patient_birth_date"`
	PatientSex                *string   `json:"patient_sex"`
	StudyDate                 *string   `json:"study_date"`
	StudyTime                 *string   `json:"study_time"`
	StudyDescription          *string   `json:"study_description"`
	SeriesDescription         *string   `json:"series_description"`
	Modality                  *string   `json:"modality"`
	Manufacturer              *string   `json:"manufacturer"`
	ManufacturerModelName     *string   `json:"manufacturer_model_name"`
	Rows                      *int      `json:"rows"`
	Columns                   *int      `json:"columns"`
	PixelSpacing              []float64 `json:"pixel_spacing"`
	BitsAllocated             *int      `json:"bits_allocated"`
	BitsStored                *int      `json:"bits_stored"`
	PhotometricInterpretation *string   `json:"photometric_interpretation"`
	AcquisitionDate           *string   `json:"acquisition_date"`
	AcquisitionTime           *string   `json:"acquisition_time"`
	InstitutionName           *string   `json:"institution_name"`
	ReferringPhysicianName    *string   `json:"referring_physician_name"`
}

type Rescale struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

type Window struct {
	Center float64 `json:"center"`
	Width  float64 `json:"width"`
}

// ImageInfo records how a raster was produced from the source pixel data.
type ImageInfo struct {
	OriginalShape             []int    `json:"original_shape"`
	OriginalDtype             string   `json:"original_dtype"`
	ConvertedFormat           string   `json:"converted_format"`
	ConvertedSize             [2]int   `json:"converted_size"`
	PixelArrayMin             int      `json:"pixel_array_min"`
	PixelArrayMax             int      `json:"pixel_array_max"`
	PhotometricInterpretation string   `json:"photometric_interpretation"`
	TransferSyntax            string   `json:"transfer_syntax,omitempty"`
	ModalityLutApplied        bool     `json:"modality_lut_applied"`
	Rescale                   *Rescale `json:"rescale,omitempty"`
	VoiLutApplied             bool     `json:"voi_lut_applied"`
	Window                    *Window  `json:"window,omitempty"`
	Inverted                  bool     `json:"inverted"`
	ChannelsDropped           int      `json:"channels_dropped,omitempty"`
	TransformErrors           []string `json:"transform_errors,omitempty"`
}

type Detection struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Confidence  float64 `json:"confidence"`
	Class       string  `json:"class"`
	ClassId     int     `json:"class_id"`
	DetectionId string  `json:"detection_id"`
}

type InferenceResult struct {
	ModelId     string      `json:"model_id"`
	Detections  []Detection `json:"predictions"`
	ImageWidth  int         `json:"image_width,omitempty"`
	ImageHeight int         `json:"image_height,omitempty"`
}

const (
	SeverityLow      = "low"
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
)

type DiagnosticReport struct {
	Report          string    `json:"report"`
	Summary         string    `json:"summary"`
	Recommendations []string  `json:"recommendations"`
	SeverityLevel   string    `json:"severity_level"`
	GeneratedAt     time.Time `json:"generated_at"`
	Fallback        bool      `json:"fallback,omitempty"`
}

// Stage update statuses.
const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Stage update steps.
const (
	StepDicomParsing     = "dicom_parsing"
	StepModelInference   = "model_inference"
	StepReportGeneration = "report_generation"
	StepProcessingChain  = "processing_chain"
)

// StageUpdate is the event pushed to a client's live channel. ClientId is only
// used for routing and is cleared before the update reaches the client.
type StageUpdate struct {
	TaskId   string `json:"task_id"`
	ChainId  string `json:"chain_id,omitempty"`
	ClientId string `json:"client_id,omitempty"`
	Status   string `json:"status"`
	Step     string `json:"step"`
	Data     any    `json:"data,omitempty"`
}

type ProcessResponse struct {
	Status  string    `json:"status"`
	ChainId uuid.UUID `json:"chain_id"`
}

type ChainResult struct {
	Message   string            `json:"message"`
	Metadata  DicomMetadata     `json:"metadata"`
	ImageInfo ImageInfo         `json:"image_info"`
	Inference InferenceResult   `json:"inference"`
	Report    *DiagnosticReport `json:"report"`
}

type Chain struct {
	Id             uuid.UUID  `json:"id"`
	ClientId       string     `json:"client_id"`
	ModelId        string     `json:"model_id"`
	FileName       string     `json:"file_name"`
	State          string     `json:"state"`
	Error          string     `json:"error,omitempty"`
	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	Metadata  *DicomMetadata    `json:"metadata,omitempty"`
	ImageInfo *ImageInfo        `json:"image_info,omitempty"`
	Inference *InferenceResult  `json:"inference,omitempty"`
	Report    *DiagnosticReport `json:"report,omitempty"`
}

type ListChainsParams struct {
	ClientId string `schema:"client_id"`
	State    string `schema:"state"`
	Limit    int    `schema:"limit"`
}

type DetectDicomResponse struct {
	Predictions []Detection   `json:"predictions"`
	Metadata    DicomMetadata `json:"metadata"`
	ImageInfo   ImageInfo     `json:"image_info"`
}

type GenerateReportRequest struct {
	Predictions []Detection    `json:"predictions"`
	Metadata    *DicomMetadata `json:"metadata"`
	ImageInfo   *ImageInfo     `json:"image_info"`
}

type GenerateReportResponse struct {
	DiagnosticReport DiagnosticReport `json:"diagnostic_report"`
	DetectionsUsed   []Detection      `json:"detections_used"`
	Metadata         *DicomMetadata   `json:"metadata"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
}
