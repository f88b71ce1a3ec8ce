package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dobbe-backend/pkg/api"
)

var ErrInvalidReport = errors.New("invalid report output")

const DefaultTimeout = 60 * time.Second

// Service turns detections into a diagnostic report. Generate never fails: if
// the model errors or its output does not decode into a complete report, a
// fixed fallback report is returned instead.
type Service struct {
	llm     LLM
	timeout time.Duration
	now     func() time.Time
}

func NewService(llm LLM, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{llm: llm, timeout: timeout, now: time.Now}
}

func (s *Service) Generate(ctx context.Context, detections []api.Detection, metadata *api.DicomMetadata, info *api.ImageInfo) api.DiagnosticReport {
	if s.llm == nil {
		slog.Warn("no report model configured, using fallback report")
		return s.fallback(len(detections))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	output, err := s.llm.Generate(ctx, systemPrompt, buildPrompt(detections, metadata, info))
	if err != nil {
		slog.Error("report generation failed, using fallback report", "error", err)
		return s.fallback(len(detections))
	}

	report, err := decodeReport(output)
	if err != nil {
		slog.Error("report output rejected, using fallback report", "error", err)
		return s.fallback(len(detections))
	}

	report.GeneratedAt = s.now().UTC()
	return report
}

type reportOutput struct {
	Report          *string  `json:"report"`
	Summary         *string  `json:"summary"`
	Recommendations []string `json:"recommendations"`
	SeverityLevel   *string  `json:"severity_level"`
}

func decodeReport(output string) (api.DiagnosticReport, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace([]byte(output))))

	var out reportOutput
	if err := dec.Decode(&out); err != nil {
		return api.DiagnosticReport{}, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	if dec.More() {
		return api.DiagnosticReport{}, fmt.Errorf("%w: trailing data after report object", ErrInvalidReport)
	}

	switch {
	case out.Report == nil || *out.Report == "":
		return api.DiagnosticReport{}, fmt.Errorf("%w: missing report", ErrInvalidReport)
	case out.Summary == nil:
		return api.DiagnosticReport{}, fmt.Errorf("%w: missing summary", ErrInvalidReport)
	case len(out.Recommendations) == 0:
		return api.DiagnosticReport{}, fmt.Errorf("%w: missing recommendations", ErrInvalidReport)
	case out.SeverityLevel == nil:
		return api.DiagnosticReport{}, fmt.Errorf("%w: missing severity_level", ErrInvalidReport)
	}

	switch *out.SeverityLevel {
	case api.SeverityLow, api.SeverityModerate, api.SeverityHigh:
	default:
		return api.DiagnosticReport{}, fmt.Errorf("%w: unknown severity_level %q", ErrInvalidReport, *out.SeverityLevel)
	}

	return api.DiagnosticReport{
		Report:          *out.Report,
		Summary:         *out.Summary,
		Recommendations: out.Recommendations,
		SeverityLevel:   *out.SeverityLevel,
	}, nil
}

func (s *Service) fallback(count int) api.DiagnosticReport {
	return Fallback(count, s.now())
}

func Fallback(count int, now time.Time) api.DiagnosticReport {
	return api.DiagnosticReport{
		Report:  fmt.Sprintf("Automated dental analysis detected %d findings. Professional evaluation recommended.", count),
		Summary: fmt.Sprintf("Analysis completed with %d detections", count),
		Recommendations: []string{
			"Schedule dental consultation",
			"Professional radiographic interpretation needed",
		},
		SeverityLevel: api.SeverityModerate,
		GeneratedAt:   now.UTC(),
		Fallback:      true,
	}
}
