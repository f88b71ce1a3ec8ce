package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"

	"dobbe-backend/internal/config"
	"dobbe-backend/internal/inference"
	"dobbe-backend/internal/messaging"
	"dobbe-backend/internal/report"
	"dobbe-backend/internal/storage"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func CreateObjectStore(ctx context.Context, cfg config.Storage) (storage.ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.UseS3() {
		slog.Info("using local object store", "dir", cfg.LocalDir)
		return storage.NewLocalObjectStore(cfg.LocalDir)
	}

	slog.Info("using s3 object store", "endpoint", cfg.S3EndpointURL, "bucket", cfg.Bucket)
	return storage.NewS3ObjectStore(ctx, storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Bucket:          cfg.Bucket,
	})
}

func CreateDetector(cfg config.Detector) *inference.RoboflowClient {
	if cfg.RoboflowAPIKey == "" {
		slog.Warn("ROBOFLOW_API_KEY is not set, detection requests will likely be rejected")
	}
	return inference.NewRoboflowClient(cfg.RoboflowURL, cfg.RoboflowAPIKey, cfg.RoboflowTimeout)
}

// CreateReportService returns a service that always falls back to the
// template report when no api key is configured.
func CreateReportService(cfg config.Report) (*report.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY is not set, diagnostic reports will use the fallback template")
		return report.NewService(nil, cfg.Timeout), nil
	}

	llmCfg := report.OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return report.NewService(report.NewOpenAILLM(llmCfg), cfg.Timeout), nil
	case config.ProviderLangChain:
		llm, err := report.NewLangChainLLM(llmCfg)
		if err != nil {
			return nil, err
		}
		return report.NewService(llm, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER '%s': must be 'openai' or 'langchain'", cfg.Provider)
	}
}

// CreateEventPublisher returns the relay stage workers publish updates to.
// The rabbitmq relay reuses the task publisher's connection.
func CreateEventPublisher(cfg config.Relay, rabbit *messaging.RabbitMQPublisher) (messaging.EventPublisher, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	switch cfg.EventRelay {
	case config.RelayRabbitMQ:
		return rabbit, func() {}, nil
	case config.RelayRedis:
		events, err := messaging.NewRedisEvents(messaging.RedisConfig{URL: cfg.RedisURL, Retries: messaging.DefaultRedisRetries})
		if err != nil {
			return nil, nil, err
		}
		return events, events.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid EVENT_RELAY '%s': must be 'rabbitmq' or 'redis'", cfg.EventRelay)
	}
}

// CreateEventReceiver subscribes the api process to the relay selected by
// cfg.EventRelay.
func CreateEventReceiver(ctx context.Context, cfg config.Relay, rabbitMQURL string) (messaging.EventReceiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.EventRelay {
	case config.RelayRabbitMQ:
		return messaging.NewRabbitMQEventReceiver(rabbitMQURL)
	case config.RelayRedis:
		events, err := messaging.NewRedisEvents(messaging.RedisConfig{URL: cfg.RedisURL, Retries: messaging.DefaultRedisRetries})
		if err != nil {
			return nil, err
		}
		if err := events.Subscribe(ctx); err != nil {
			events.Close()
			return nil, err
		}
		return events, nil
	default:
		return nil, fmt.Errorf("invalid EVENT_RELAY '%s': must be 'rabbitmq' or 'redis'", cfg.EventRelay)
	}
}
