package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dobbe-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	output string
	err    error
	prompt string
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	f.prompt = prompt
	return f.output, f.err
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(llm LLM) *Service {
	s := NewService(llm, time.Second)
	s.now = func() time.Time { return fixedNow }
	return s
}

func detections(n int) []api.Detection {
	out := make([]api.Detection, n)
	for i := range out {
		out[i] = api.Detection{X: 1, Y: 2, Width: 3, Height: 4, Confidence: 0.5, Class: "caries", DetectionId: "d"}
	}
	return out
}

func TestGenerateDecodesReport(t *testing.T) {
	llm := &fakeLLM{output: `
		{"report": "Two carious lesions.", "summary": "Caries", "recommendations": ["Restore 36"], "severity_level": "high"}
	`}
	sex := "F"

	report := newTestService(llm).Generate(context.Background(), detections(2), &api.DicomMetadata{PatientSex: &sex}, &api.ImageInfo{PhotometricInterpretation: "MONOCHROME2"})

	assert.Equal(t, api.DiagnosticReport{
		Report:          "Two carious lesions.",
		Summary:         "Caries",
		Recommendations: []string{"Restore 36"},
		SeverityLevel:   api.SeverityHigh,
		GeneratedAt:     fixedNow,
	}, report)

	assert.Contains(t, llm.prompt, "Detection 2:")
	assert.Contains(t, llm.prompt, "Sex: F")
	assert.Contains(t, llm.prompt, "Photometric interpretation: MONOCHROME2")
}

func TestGenerateFallsBack(t *testing.T) {
	cases := map[string]*fakeLLM{
		"call error":        {err: errors.New("rate limited")},
		"free text":         {output: "Summary: looks fine\nSeverity: low"},
		"fenced json":       {output: "```json\n{\"report\":\"r\",\"summary\":\"s\",\"recommendations\":[\"x\"],\"severity_level\":\"low\"}\n```"},
		"missing field":     {output: `{"report": "r", "summary": "s", "severity_level": "low"}`},
		"unknown severity":  {output: `{"report": "r", "summary": "s", "recommendations": ["x"], "severity_level": "critical"}`},
		"trailing object":   {output: `{"report": "r", "summary": "s", "recommendations": ["x"], "severity_level": "low"} {}`},
		"empty":             {output: ""},
		"wrong value types": {output: `{"report": 1, "summary": "s", "recommendations": ["x"], "severity_level": "low"}`},
	}

	for name, llm := range cases {
		t.Run(name, func(t *testing.T) {
			report := newTestService(llm).Generate(context.Background(), detections(3), nil, nil)
			assert.Equal(t, Fallback(3, fixedNow), report)
			assert.Equal(t, api.SeverityModerate, report.SeverityLevel)
			assert.NotEmpty(t, report.Recommendations)
			assert.Contains(t, report.Report, "detected 3 findings")
		})
	}
}

func TestGenerateWithoutModel(t *testing.T) {
	report := newTestService(nil).Generate(context.Background(), nil, nil, nil)
	assert.True(t, report.Fallback)
	assert.Equal(t, "Analysis completed with 0 detections", report.Summary)
}

func TestPromptFormatting(t *testing.T) {
	assert.Equal(t, "No significant findings detected in the image.", formatDetections(nil))
	assert.Equal(t, "Patient information not available from image metadata.", formatPatientInfo(nil))
	assert.Equal(t, "Limited patient information available.", formatPatientInfo(&api.DicomMetadata{}))
	assert.Equal(t, "Image technical details not available.", formatImageInfo(nil))

	text := formatDetections([]api.Detection{{X: 10, Y: 20.5, Width: 3, Height: 4, Confidence: 0.875, Class: "lesion", DetectionId: "abc"}})
	assert.Equal(t, "Detection 1:\n  - Condition: lesion\n  - Location: (10, 20.5) with dimensions 3x4\n  - Confidence: 87.50%\n  - Detection ID: abc", text)

	info := formatImageInfo(&api.ImageInfo{OriginalShape: []int{2, 3}, PixelArrayMin: 5, PixelArrayMax: 900, Window: &api.Window{Center: 40, Width: 400}})
	assert.True(t, strings.HasPrefix(info, "Image dimensions: [2 3]\n"))
	assert.Contains(t, info, "Pixel value range: 5 - 900")
	assert.Contains(t, info, "Display window: center 40, width 400")

	require.Contains(t, buildPrompt(nil, nil, nil), "Detection Results:\nNo significant findings")
}
