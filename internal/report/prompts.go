package report

import (
	"fmt"
	"strings"

	"dobbe-backend/pkg/api"
)

const systemPrompt = `You are a dental AI assistant that writes diagnostic reports from automated detection results on dental radiographs.

Guidelines:
- Base the analysis only on the detection data provided
- Use professional clinical terminology
- Reference the location and confidence of each finding
- Suggest appropriate follow-up actions and always recommend professional consultation

Respond with a single JSON object and nothing else:
{
    "report": "Full detailed report text",
    "summary": "Brief summary of key findings",
    "recommendations": ["Specific", "recommendations"],
    "severity_level": "low|moderate|high"
}`

const userPromptTemplate = `Analyze these dental detection results and generate a diagnostic report:

Detection Results:
%s

Patient Information:
%s

Image Information:
%s`

func buildPrompt(detections []api.Detection, metadata *api.DicomMetadata, info *api.ImageInfo) string {
	return fmt.Sprintf(userPromptTemplate, formatDetections(detections), formatPatientInfo(metadata), formatImageInfo(info))
}

func formatDetections(detections []api.Detection) string {
	if len(detections) == 0 {
		return "No significant findings detected in the image."
	}

	parts := make([]string, 0, len(detections))
	for i, d := range detections {
		parts = append(parts, fmt.Sprintf(
			"Detection %d:\n  - Condition: %s\n  - Location: (%g, %g) with dimensions %gx%g\n  - Confidence: %.2f%%\n  - Detection ID: %s",
			i+1, d.Class, d.X, d.Y, d.Width, d.Height, d.Confidence*100, d.DetectionId,
		))
	}
	return strings.Join(parts, "\n\n")
}

func formatPatientInfo(metadata *api.DicomMetadata) string {
	if metadata == nil {
		return "Patient information not available from image metadata."
	}

	var parts []string
	add := func(label string, value *string) {
		if value != nil && *value != "" {
			parts = append(parts, label+": "+*value)
		}
	}
	add("Patient ID", metadata.PatientId)
	add("Sex", metadata.PatientSex)
	add("Study Date", metadata.StudyDate)
	add("Imaging Modality", metadata.Modality)
	add("Institution", metadata.InstitutionName)

	if len(parts) == 0 {
		return "Limited patient information available."
	}
	return strings.Join(parts, "\n")
}

func formatImageInfo(info *api.ImageInfo) string {
	if info == nil {
		return "Image technical details not available."
	}

	var parts []string
	if len(info.OriginalShape) > 0 {
		parts = append(parts, fmt.Sprintf("Image dimensions: %v", info.OriginalShape))
	}
	if info.PhotometricInterpretation != "" {
		parts = append(parts, "Photometric interpretation: "+info.PhotometricInterpretation)
	}
	parts = append(parts, fmt.Sprintf("Pixel value range: %d - %d", info.PixelArrayMin, info.PixelArrayMax))
	if info.Window != nil {
		parts = append(parts, fmt.Sprintf("Display window: center %g, width %g", info.Window.Center, info.Window.Width))
	}

	return strings.Join(parts, "\n")
}
