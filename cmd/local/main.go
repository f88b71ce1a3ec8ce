package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dobbe-backend/cmd"
	"dobbe-backend/internal/api"
	"dobbe-backend/internal/config"
	"dobbe-backend/internal/core"
	"dobbe-backend/internal/database"
	"dobbe-backend/internal/live"
	"dobbe-backend/internal/messaging"
	"dobbe-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Config runs the whole pipeline in one process on top of sqlite, the local
// object store and in memory queues.
type Config struct {
	Root           string `env:"ROOT" envDefault:"./dobbe"`
	Port           int    `env:"PORT" envDefault:"8000"`
	Workers        int    `env:"CONCURRENCY" envDefault:"2"`
	DefaultModelId string `env:"DEFAULT_MODEL_ID" envDefault:"adr/6"`
	MaxUploadSize  int64  `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"`

	Detector config.Detector
	Report   config.Report
}

func createServer(service *api.BackendService, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting local backend", "root", cfg.Root, "port", cfg.Port, "workers", cfg.Workers)

	dbDir := filepath.Join(cfg.Root, "db")
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	db, err := database.NewDatabase(filepath.Join(dbDir, "dobbe.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	reports, err := cmd.CreateReportService(cfg.Report)
	if err != nil {
		log.Fatalf("Failed to create report service: %v", err)
	}
	detector := cmd.CreateDetector(cfg.Detector)

	queue := messaging.NewInMemoryQueue()
	events := messaging.NewInMemoryEvents()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator := core.NewOrchestrator(db, store, queue, events, cfg.DefaultModelId)
	worker := core.NewTaskProcessor(db, store, queue, queue, events, detector, reports, filepath.Join(cfg.Root, "work"))

	registry := live.NewRegistry()
	hub := live.NewHub(registry, events)

	service := api.NewBackendService(db, store, orchestrator, detector, reports, registry, api.Config{
		UploadDir:     filepath.Join(cfg.Root, "uploads"),
		MaxUploadSize: cfg.MaxUploadSize,
		DefaultModel:  cfg.DefaultModelId,
		WriteTimeout:  live.DefaultWriteTimeout,
	})
	server := createServer(service, cfg.Port)

	slog.Info("starting worker")
	workerDone := make(chan struct{})
	go func() {
		worker.Start(cfg.Workers)
		close(workerDone)
	}()
	go hub.Run(ctx)

	if resumed, err := orchestrator.Resume(ctx); err != nil {
		log.Fatalf("Failed to resume unfinished chains: %v", err)
	} else if resumed > 0 {
		slog.Info("resumed unfinished chains", "count", resumed)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
		<-workerDone

		cancel()
		events.Close()
		registry.CloseAll()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
