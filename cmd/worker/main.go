package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dobbe-backend/cmd"
	"dobbe-backend/internal/config"
	"dobbe-backend/internal/core"
	"dobbe-backend/internal/database"
	"dobbe-backend/internal/messaging"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	WorkerConcurrency int    `env:"CONCURRENCY" envDefault:"1"`
	WorkDir           string `env:"WORK_DIR" envDefault:"./data/work"`

	Storage  config.Storage
	Detector config.Detector
	Report   config.Report
	Relay    config.Relay
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cmd.CreateObjectStore(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("Worker: Failed to create object store: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start task receiver: %v", err)
	}

	events, closeEvents, err := cmd.CreateEventPublisher(cfg.Relay, publisher)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer closeEvents()

	reports, err := cmd.CreateReportService(cfg.Report)
	if err != nil {
		log.Fatalf("Failed to create report service: %v", err)
	}

	if err := os.MkdirAll(cfg.WorkDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create work dir: %v", err)
	}

	processor := core.NewTaskProcessor(db, store, publisher, receiver, events, cmd.CreateDetector(cfg.Detector), reports, cfg.WorkDir)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutdown signal received, waiting for in flight tasks")
		processor.Stop()
	}()

	slog.Info("worker started, waiting for tasks", "concurrency", cfg.WorkerConcurrency)
	processor.Start(cfg.WorkerConcurrency)

	slog.Info("worker process stopped")
}
