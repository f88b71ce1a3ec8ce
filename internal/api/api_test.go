package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	backend "dobbe-backend/internal/api"
	"dobbe-backend/internal/core"
	"dobbe-backend/internal/database"
	"dobbe-backend/internal/live"
	"dobbe-backend/internal/messaging"
	"dobbe-backend/internal/report"
	"dobbe-backend/internal/storage"
	"dobbe-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type fakeDetector struct {
	err error
}

func (d *fakeDetector) Detect(ctx context.Context, image []byte, modelId string) (api.InferenceResult, error) {
	if d.err != nil {
		return api.InferenceResult{}, d.err
	}
	return api.InferenceResult{ModelId: modelId, Detections: []api.Detection{{Class: "caries", Confidence: 0.8}}}, nil
}

type fakeLLM struct {
	output string
	err    error
}

func (l *fakeLLM) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	return l.output, l.err
}

type testEnv struct {
	db       *gorm.DB
	store    *storage.LocalObjectStore
	queue    *messaging.InMemoryQueue
	events   *messaging.InMemoryEvents
	registry *live.Registry
	router   chi.Router
}

func newTestEnv(t *testing.T, llm report.LLM, maxUpload int64, create ...any) *testEnv {
	t.Helper()

	db := createDB(t, create...)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	events := messaging.NewInMemoryEvents()
	t.Cleanup(func() {
		queue.Close()
		events.Close()
	})

	registry := live.NewRegistry()
	orchestrator := core.NewOrchestrator(db, store, queue, events, "")

	service := backend.NewBackendService(db, store, orchestrator, &fakeDetector{}, report.NewService(llm, time.Second), registry, backend.Config{
		UploadDir:     t.TempDir(),
		MaxUploadSize: maxUpload,
	})

	router := chi.NewRouter()
	service.AddRoutes(router)

	return &testEnv{db: db, store: store, queue: queue, events: events, registry: registry, router: router}
}

type uploadPart struct {
	fileName    string
	contentType string
	content     []byte
}

func multipartBody(t *testing.T, file *uploadPart, fields map[string]string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}

	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, file.fileName))
		h.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, endpoint string, file *uploadPart, fields map[string]string) *httptest.ResponseRecorder {
	body, contentType := multipartBody(t, file, fields)
	req := httptest.NewRequest(http.MethodPost, endpoint, body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, endpoint string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, endpoint, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	rec := env.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var res api.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, api.HealthResponse{Status: "healthy", Service: "dental-detection-api", Connections: 0}, res)
}

func TestProcessDicom(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	rec := env.upload(t, "/process", &uploadPart{fileName: "scan.DCM", contentType: "image/x-custom", content: []byte("DICM")}, map[string]string{
		"client_id": "client-1",
		"model_id":  "custom/3",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res api.ProcessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "processing", res.Status)
	assert.NotEqual(t, uuid.Nil, res.ChainId)

	chain, err := database.GetChain(context.Background(), env.db, res.ChainId)
	require.NoError(t, err)
	assert.Equal(t, "client-1", chain.ClientId)
	assert.Equal(t, "custom/3", chain.ModelId)
	assert.Equal(t, "scan.DCM", chain.FileName)
	assert.Equal(t, database.ChainCreated, chain.State)

	source, err := env.store.GetObject(context.Background(), chain.SourceKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("DICM"), source)

	select {
	case task := <-env.queue.Tasks():
		assert.Equal(t, messaging.ParseQueue, task.Type())
		var payload messaging.ParseTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &payload))
		assert.Equal(t, res.ChainId, payload.ChainId)
	default:
		t.Fatal("expected a parse task to be queued")
	}

	update := <-env.events.Events()
	assert.Equal(t, api.StatusStarted, update.Status)
	assert.Equal(t, api.StepProcessingChain, update.Step)
	assert.Equal(t, res.ChainId.String(), update.TaskId)
}

func TestProcessDicomValidation(t *testing.T) {
	env := newTestEnv(t, nil, 64)

	rec := env.upload(t, "/process", &uploadPart{fileName: "notes.txt", contentType: "text/plain", content: []byte("hello")}, map[string]string{"client_id": "client-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, "/process", &uploadPart{fileName: "scan.bin", contentType: "application/dicom", content: bytes.Repeat([]byte{1}, 65)}, map[string]string{"client_id": "client-1"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = env.upload(t, "/process", &uploadPart{fileName: "scan.rvg", contentType: "application/octet-stream", content: []byte("DICM")}, map[string]string{"client_id": "bad id!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, "/process", nil, map[string]string{"client_id": "client-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	chains, err := database.ListChains(context.Background(), env.db, database.ChainFilter{})
	require.NoError(t, err)
	assert.Empty(t, chains)
}

func TestProcessDicomRejectsHugeBody(t *testing.T) {
	env := newTestEnv(t, nil, 16)

	// Exceeds the body limit itself, not just the declared file size.
	rec := env.upload(t, "/process", &uploadPart{fileName: "scan.dcm", contentType: "application/dicom", content: bytes.Repeat([]byte{1}, 2*1024*1024)}, map[string]string{"client_id": "client-1"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDetectDicomRejectsInvalidFiles(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	rec := env.upload(t, "/detect-dicom", &uploadPart{fileName: "photo.jpg", contentType: "image/jpeg", content: []byte{0xff, 0xd8}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, "/detect-dicom", &uploadPart{fileName: "scan.dcm", contentType: "application/dicom", content: []byte("not a dicom file")}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGenerateDiagnosticReport(t *testing.T) {
	llm := &fakeLLM{output: `{"report":"One carious lesion.","summary":"Caries","recommendations":["Restore tooth 14"],"severity_level":"low"}`}
	env := newTestEnv(t, llm, 0)

	modality := "IO"
	payload, err := json.Marshal(api.GenerateReportRequest{
		Predictions: []api.Detection{{Class: "caries", Confidence: 0.82}},
		Metadata:    &api.DicomMetadata{Modality: &modality},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/generate-diagnostic-report", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res api.GenerateReportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "Caries", res.DiagnosticReport.Summary)
	assert.Equal(t, api.SeverityLow, res.DiagnosticReport.SeverityLevel)
	assert.False(t, res.DiagnosticReport.Fallback)
	assert.Len(t, res.DetectionsUsed, 1)
	assert.Equal(t, "IO", *res.Metadata.Modality)
}

func TestGenerateDiagnosticReportFallback(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{err: errors.New("rate limited")}, 0)

	req := httptest.NewRequest(http.MethodPost, "/generate-diagnostic-report", strings.NewReader(`{"predictions":[]}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res api.GenerateReportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.DiagnosticReport.Fallback)
	assert.Equal(t, api.SeverityModerate, res.DiagnosticReport.SeverityLevel)
	assert.Empty(t, res.DetectionsUsed)
	assert.Nil(t, res.Metadata)

	req = httptest.NewRequest(http.MethodPost, "/generate-diagnostic-report", strings.NewReader(`{"predictions":`))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetChain(t *testing.T) {
	id := uuid.New()
	metadata, err := database.ToJSON(api.DicomMetadata{Rows: ptr(512)})
	require.NoError(t, err)

	env := newTestEnv(t, nil, 0, &database.Chain{
		Id:           id,
		ClientId:     "client-1",
		ModelId:      "adr/6",
		FileName:     "scan.dcm",
		State:        database.ChainInference,
		Metadata:     metadata,
		CreationTime: time.Now(),
	})

	rec := env.get(t, "/chains/"+id.String())
	require.Equal(t, http.StatusOK, rec.Code)

	var res api.Chain
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, id, res.Id)
	assert.Equal(t, database.ChainInference, res.State)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, 512, *res.Metadata.Rows)
	assert.Nil(t, res.ImageInfo)
	assert.Nil(t, res.Report)
	assert.Nil(t, res.CompletionTime)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/chains/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/chains/not-a-uuid").Code)
}

func TestListChains(t *testing.T) {
	now := time.Now()
	env := newTestEnv(t, nil, 0,
		&database.Chain{Id: uuid.New(), ClientId: "a", State: database.ChainCompleted, CreationTime: now.Add(-time.Minute)},
		&database.Chain{Id: uuid.New(), ClientId: "a", State: database.ChainFailed, CreationTime: now},
		&database.Chain{Id: uuid.New(), ClientId: "b", State: database.ChainCompleted, CreationTime: now},
	)

	rec := env.get(t, "/chains?client_id=a")
	require.Equal(t, http.StatusOK, rec.Code)

	var res []api.Chain
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res, 2)
	assert.Equal(t, database.ChainFailed, res[0].State)

	rec = env.get(t, "/chains?state=completed&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	res = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res, 1)
	assert.Equal(t, database.ChainCompleted, res[0].State)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/chains?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/chains?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/chains?client_id=a%20b").Code)
}

func TestGetChainImage(t *testing.T) {
	withImage, withoutImage := uuid.New(), uuid.New()
	env := newTestEnv(t, nil, 0,
		&database.Chain{Id: withImage, ClientId: "a", State: database.ChainCompleted, ImageKey: storage.ChainImageKey(withImage.String()), CreationTime: time.Now()},
		&database.Chain{Id: withoutImage, ClientId: "a", State: database.ChainParsing, CreationTime: time.Now()},
	)

	require.NoError(t, env.store.PutObject(context.Background(), storage.ChainImageKey(withImage.String()), strings.NewReader("\x89PNG")))

	rec := env.get(t, "/chains/"+withImage.String()+"/image")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, env.get(t, "/chains/"+withoutImage.String()+"/image").Code)
}

func TestWebsocket(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	server := httptest.NewServer(env.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/client-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, env.registry.Send(context.Background(), "client-1", api.StageUpdate{TaskId: "t1", Status: api.StatusCompleted, Step: api.StepDicomParsing}))

	var update api.StageUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "t1", update.TaskId)
	assert.Equal(t, api.StepDicomParsing, update.Step)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	var echo map[string]string
	require.NoError(t, conn.ReadJSON(&echo))
	assert.Equal(t, map[string]string{"status": "received", "message": "ping"}, echo)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws/bad%20id", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func ptr[T any](v T) *T {
	return &v
}
