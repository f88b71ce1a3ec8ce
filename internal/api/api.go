package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dobbe-backend/internal/core"
	"dobbe-backend/internal/database"
	"dobbe-backend/internal/dicom"
	"dobbe-backend/internal/imaging"
	"dobbe-backend/internal/inference"
	"dobbe-backend/internal/live"
	"dobbe-backend/internal/report"
	"dobbe-backend/internal/storage"
	"dobbe-backend/pkg/api"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

const (
	DefaultMaxUploadSize = 10 * 1024 * 1024
	requestTimeout       = 60 * time.Second
	maxListLimit         = 500
)

var (
	allowedExtensions   = map[string]bool{".dcm": true, ".dicom": true, ".rvg": true}
	allowedContentTypes = map[string]bool{"application/dicom": true, "application/octet-stream": true}
)

type BackendService struct {
	db           *gorm.DB
	storage      storage.ObjectStore
	orchestrator *core.Orchestrator
	detector     inference.Detector
	reports      *report.Service
	registry     *live.Registry
	ws           *live.Server

	uploadDir     string
	maxUploadSize int64
	defaultModel  string
}

type Config struct {
	UploadDir     string
	MaxUploadSize int64
	DefaultModel  string
	WriteTimeout  time.Duration
}

func NewBackendService(db *gorm.DB, storage storage.ObjectStore, orchestrator *core.Orchestrator, detector inference.Detector, reports *report.Service, registry *live.Registry, cfg Config) *BackendService {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = inference.DefaultModelId
	}
	return &BackendService{
		db:            db,
		storage:       storage,
		orchestrator:  orchestrator,
		detector:      detector,
		reports:       reports,
		registry:      registry,
		ws:            live.NewServer(registry, cfg.WriteTimeout),
		uploadDir:     cfg.UploadDir,
		maxUploadSize: cfg.MaxUploadSize,
		defaultModel:  cfg.DefaultModel,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	// Websocket connections live longer than any request timeout.
	r.Get("/ws/{client_id}", s.ServeWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", RestHandler(s.Health))
		r.Post("/process", s.limitUpload(RestHandler(s.ProcessDicom)))
		r.Post("/detect-dicom", s.limitUpload(RestHandler(s.DetectDicom)))
		r.Post("/generate-diagnostic-report", RestHandler(s.GenerateDiagnosticReport))

		r.Route("/chains", func(r chi.Router) {
			r.Get("/", RestHandler(s.ListChains))
			r.Get("/{chain_id}", RestHandler(s.GetChain))
			r.Get("/{chain_id}/image", s.GetChainImage)
		})
	})
}

func (s *BackendService) Health(r *http.Request) (any, error) {
	return api.HealthResponse{Status: "healthy", Service: "dental-detection-api", Connections: s.registry.Count()}, nil
}

func (s *BackendService) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	clientId := chi.URLParam(r, "client_id")
	if err := validateClientId(clientId); err != nil {
		writeError(w, err)
		return
	}
	s.ws.Serve(w, r, clientId)
}

func validateUpload(header *multipart.FileHeader, maxSize int64) error {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	contentType := header.Header.Get("Content-Type")
	if !allowedExtensions[ext] && !allowedContentTypes[contentType] {
		return CodedErrorf(http.StatusBadRequest, "file must be a DICOM file (.dcm, .dicom, .rvg) or have content type application/dicom or application/octet-stream")
	}
	if header.Size > maxSize {
		return CodedErrorf(http.StatusRequestEntityTooLarge, "file size (%s) exceeds maximum allowed size (%s)", humanize.IBytes(uint64(header.Size)), humanize.IBytes(uint64(maxSize)))
	}
	return nil
}

func (s *BackendService) limitUpload(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Leave room for the other form fields and multipart framing.
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+1024*1024)
		next(w, r)
	}
}

// saveUpload validates the "file" form field and copies it to a temp file the
// caller must remove.
func (s *BackendService) saveUpload(r *http.Request) (string, *multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", nil, CodedErrorf(http.StatusRequestEntityTooLarge, "file size exceeds maximum allowed size (%s)", humanize.IBytes(uint64(s.maxUploadSize)))
		}
		return "", nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, CodedErrorf(http.StatusBadRequest, "missing file in request")
	}
	defer file.Close()

	if err := validateUpload(header, s.maxUploadSize); err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(s.uploadDir, os.ModePerm); err != nil {
		return "", nil, CodedErrorf(http.StatusInternalServerError, "unable to store upload")
	}
	tmp, err := os.CreateTemp(s.uploadDir, "upload-*.dcm")
	if err != nil {
		slog.Error("error creating upload file", "error", err)
		return "", nil, CodedErrorf(http.StatusInternalServerError, "unable to store upload")
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, file); err != nil {
		slog.Error("error writing upload file", "error", err)
		_ = os.Remove(tmp.Name())
		return "", nil, CodedErrorf(http.StatusInternalServerError, "unable to store upload")
	}

	return tmp.Name(), header, nil
}

func (s *BackendService) ProcessDicom(r *http.Request) (any, error) {
	path, header, err := s.saveUpload(r)
	if err != nil {
		return nil, err
	}

	clientId := r.FormValue("client_id")
	if err := validateClientId(clientId); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	chainId, err := s.orchestrator.Start(r.Context(), core.ChainRequest{
		FilePath: path,
		FileName: header.Filename,
		ClientId: clientId,
		ModelId:  r.FormValue("model_id"),
	})
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "unable to start processing chain")
	}

	return api.ProcessResponse{Status: "processing", ChainId: chainId}, nil
}

func (s *BackendService) DetectDicom(r *http.Request) (any, error) {
	path, _, err := s.saveUpload(r)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("error removing upload file", "path", path, "error", err)
		}
	}()

	container, converted, err := dicom.ConvertFile(path)
	if err != nil {
		if errors.Is(err, dicom.ErrMalformedContainer) || errors.Is(err, dicom.ErrUnsupportedEncoding) || errors.Is(err, imaging.ErrMalformedPixelData) {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "unable to decode DICOM file: %v", err)
		}
		slog.Error("error converting dicom file", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "an unexpected error occurred during DICOM processing")
	}

	modelId := r.FormValue("model_id")
	if modelId == "" {
		modelId = s.defaultModel
	}

	result, err := s.detector.Detect(r.Context(), converted.PNG, modelId)
	if err != nil {
		slog.Error("error running detection", "model_id", modelId, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "inference failed: %v", err)
	}

	return api.DetectDicomResponse{
		Predictions: result.Detections,
		Metadata:    container.Metadata,
		ImageInfo:   converted.Record,
	}, nil
}

func (s *BackendService) GenerateDiagnosticReport(r *http.Request) (any, error) {
	req, err := ParseRequest[api.GenerateReportRequest](r)
	if err != nil {
		return nil, err
	}

	diagnostic := s.reports.Generate(r.Context(), req.Predictions, req.Metadata, req.ImageInfo)

	detections := req.Predictions
	if detections == nil {
		detections = []api.Detection{}
	}

	return api.GenerateReportResponse{
		DiagnosticReport: diagnostic,
		DetectionsUsed:   detections,
		Metadata:         req.Metadata,
	}, nil
}

func (s *BackendService) getChain(r *http.Request) (*database.Chain, error) {
	chainId, err := URLParamUUID(r, "chain_id")
	if err != nil {
		return nil, err
	}

	chain, err := database.GetChain(r.Context(), s.db, chainId)
	if err != nil {
		if errors.Is(err, database.ErrChainNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "chain not found")
		}
		slog.Error("error getting chain", "chain_id", chainId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving chain record")
	}
	return chain, nil
}

func (s *BackendService) GetChain(r *http.Request) (any, error) {
	chain, err := s.getChain(r)
	if err != nil {
		return nil, err
	}

	res, err := convertChain(*chain)
	if err != nil {
		slog.Error("error converting chain", "chain_id", chain.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving chain record")
	}
	return res, nil
}

func (s *BackendService) ListChains(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListChainsParams](r)
	if err != nil {
		return nil, err
	}

	if params.ClientId != "" {
		if err := validateClientId(params.ClientId); err != nil {
			return nil, err
		}
	}
	if params.Limit < 0 || params.Limit > maxListLimit {
		return nil, CodedErrorf(http.StatusBadRequest, "limit must be between 0 and %d", maxListLimit)
	}
	if params.Limit == 0 {
		params.Limit = 100
	}

	chains, err := database.ListChains(r.Context(), s.db, database.ChainFilter{
		ClientId: params.ClientId,
		State:    strings.ToUpper(params.State),
		Limit:    params.Limit,
	})
	if err != nil {
		slog.Error("error listing chains", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing chains")
	}

	res, err := convertChains(chains)
	if err != nil {
		slog.Error("error converting chains", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing chains")
	}
	return res, nil
}

func (s *BackendService) GetChainImage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.getChain(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if chain.ImageKey == "" {
		writeError(w, CodedErrorf(http.StatusNotFound, "chain %s has no converted image", chain.Id))
		return
	}

	data, err := s.storage.GetObject(r.Context(), chain.ImageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, CodedErrorf(http.StatusNotFound, "converted image for chain %s not found", chain.Id))
			return
		}
		writeError(w, CodedError(http.StatusInternalServerError, fmt.Errorf("error loading converted image: %w", err)))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("error writing image response", "chain_id", chain.Id, "error", err)
	}
}
