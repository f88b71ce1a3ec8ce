package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dobbe-backend/pkg/api"

	"github.com/go-resty/resty/v2"
)

const DefaultRoboflowURL = "https://serverless.roboflow.com"

var ErrDetectionFailed = errors.New("detection request failed")

type RoboflowClient struct {
	client *resty.Client
	apiKey string
}

var _ Detector = (*RoboflowClient)(nil)

func NewRoboflowClient(baseURL, apiKey string, timeout time.Duration) *RoboflowClient {
	if baseURL == "" {
		baseURL = DefaultRoboflowURL
	}
	return &RoboflowClient{
		client: resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/")).SetTimeout(timeout),
		apiKey: apiKey,
	}
}

type roboflowImage struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type roboflowResponse struct {
	Predictions []api.Detection `json:"predictions"`
	Image       roboflowImage   `json:"image"`
}

func (c *RoboflowClient) Detect(ctx context.Context, image []byte, modelId string) (api.InferenceResult, error) {
	if modelId == "" {
		modelId = DefaultModelId
	}
	if len(image) == 0 {
		return api.InferenceResult{}, fmt.Errorf("%w: empty image", ErrDetectionFailed)
	}

	start := time.Now()

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetQueryParam("api_key", c.apiKey).
		SetBody(base64.StdEncoding.EncodeToString(image)).
		Post("/" + strings.Trim(modelId, "/"))
	if err != nil {
		return api.InferenceResult{}, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}

	if !res.IsSuccess() {
		slog.Error("detection service returned error", "model_id", modelId, "status_code", res.StatusCode(), "body", res.String())
		return api.InferenceResult{}, fmt.Errorf("%w: model %s returned status %d", ErrDetectionFailed, modelId, res.StatusCode())
	}

	var body roboflowResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return api.InferenceResult{}, fmt.Errorf("%w: invalid response body: %w", ErrDetectionFailed, err)
	}

	if body.Predictions == nil {
		body.Predictions = []api.Detection{}
	}

	slog.Info("detection completed", "model_id", modelId, "detections", len(body.Predictions), "duration", time.Since(start))

	return api.InferenceResult{
		ModelId:     modelId,
		Detections:  body.Predictions,
		ImageWidth:  int(body.Image.Width),
		ImageHeight: int(body.Image.Height),
	}, nil
}
