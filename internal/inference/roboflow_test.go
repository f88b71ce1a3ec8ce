package inference

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dobbe-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoboflowDetect(t *testing.T) {
	image := []byte("\x89PNG fake image")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/adr/6", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		require.NoError(t, err)
		assert.Equal(t, image, decoded)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"inference_id": "abc",
			"image": {"width": 640, "height": 480},
			"predictions": [
				{"x": 10.5, "y": 20, "width": 30, "height": 40, "confidence": 0.91, "class": "caries", "class_id": 1, "detection_id": "d1"}
			]
		}`))
	}))
	defer server.Close()

	client := NewRoboflowClient(server.URL, "secret", time.Second)

	result, err := client.Detect(context.Background(), image, "")
	require.NoError(t, err)

	assert.Equal(t, api.InferenceResult{
		ModelId: "adr/6",
		Detections: []api.Detection{
			{X: 10.5, Y: 20, Width: 30, Height: 40, Confidence: 0.91, Class: "caries", ClassId: 1, DetectionId: "d1"},
		},
		ImageWidth:  640,
		ImageHeight: 480,
	}, result)
}

func TestRoboflowDetectNoPredictions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"image": {"width": 1, "height": 1}}`))
	}))
	defer server.Close()

	result, err := NewRoboflowClient(server.URL, "k", time.Second).Detect(context.Background(), []byte("img"), "other/1")
	require.NoError(t, err)
	assert.Equal(t, "other/1", result.ModelId)
	assert.NotNil(t, result.Detections)
	assert.Empty(t, result.Detections)
}

func TestRoboflowDetectErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad/1":
			http.Error(w, "model not found", http.StatusNotFound)
		case "/garbled/1":
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer server.Close()

	client := NewRoboflowClient(server.URL, "k", time.Second)

	_, err := client.Detect(context.Background(), []byte("img"), "bad/1")
	assert.ErrorIs(t, err, ErrDetectionFailed)

	_, err = client.Detect(context.Background(), []byte("img"), "garbled/1")
	assert.ErrorIs(t, err, ErrDetectionFailed)

	_, err = client.Detect(context.Background(), nil, "bad/1")
	assert.ErrorIs(t, err, ErrDetectionFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Detect(ctx, []byte("img"), "bad/1")
	assert.ErrorIs(t, err, ErrDetectionFailed)
}
