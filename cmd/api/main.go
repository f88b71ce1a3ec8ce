package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dobbe-backend/cmd"
	"dobbe-backend/internal/api"
	"dobbe-backend/internal/config"
	"dobbe-backend/internal/core"
	"dobbe-backend/internal/database"
	"dobbe-backend/internal/live"
	"dobbe-backend/internal/messaging"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type APIConfig struct {
	DatabaseURL    string   `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL    string   `env:"RABBITMQ_URL,notEmpty,required"`
	APIPort        string   `env:"API_PORT" envDefault:"8000"`
	DefaultModelId string   `env:"DEFAULT_MODEL_ID" envDefault:"adr/6"`
	MaxUploadSize  int64    `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"`
	UploadDir      string   `env:"UPLOAD_DIR" envDefault:""`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	Storage  config.Storage
	Detector config.Detector
	Report   config.Report
	Relay    config.Relay
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cmd.CreateObjectStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	events, closeEvents, err := cmd.CreateEventPublisher(cfg.Relay, publisher)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer closeEvents()

	receiver, err := cmd.CreateEventReceiver(ctx, cfg.Relay, cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to subscribe to stage events: %v", err)
	}
	defer receiver.Close()

	reports, err := cmd.CreateReportService(cfg.Report)
	if err != nil {
		log.Fatalf("Failed to create report service: %v", err)
	}

	registry := live.NewRegistry()
	hub := live.NewHub(registry, receiver)
	go hub.Run(ctx)

	orchestrator := core.NewOrchestrator(db, store, publisher, events, cfg.DefaultModelId)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	apiHandler := api.NewBackendService(db, store, orchestrator, cmd.CreateDetector(cfg.Detector), reports, registry, api.Config{
		UploadDir:     cfg.UploadDir,
		MaxUploadSize: cfg.MaxUploadSize,
		DefaultModel:  cfg.DefaultModelId,
		WriteTimeout:  live.DefaultWriteTimeout,
	})

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
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

		cancel()
		registry.CloseAll()
	}()

	slog.Info("api server listening", "port", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	slog.Info("server stopped")
}
