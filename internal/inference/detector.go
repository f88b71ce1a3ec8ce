package inference

import (
	"context"

	"dobbe-backend/pkg/api"
)

const DefaultModelId = "adr/6"

// Detector runs a remote object detection model over an encoded image.
type Detector interface {
	Detect(ctx context.Context, image []byte, modelId string) (api.InferenceResult, error)
}
