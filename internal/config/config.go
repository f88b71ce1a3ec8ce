package config

import (
	"fmt"
	"log/slog"
	"time"
)

// Storage selects the S3 object store when an endpoint or access key is
// given and a local directory store otherwise.
type Storage struct {
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	Bucket            string `env:"CHAIN_BUCKET_NAME" envDefault:"chains"`
	LocalDir          string `env:"LOCAL_STORAGE_DIR" envDefault:"./data/storage"`
}

func (c Storage) UseS3() bool {
	return c.S3EndpointURL != "" || c.S3AccessKeyID != ""
}

func (c Storage) Validate() error {
	if !c.UseS3() {
		if c.LocalDir == "" {
			return fmt.Errorf("LOCAL_STORAGE_DIR must be set when S3 is not configured")
		}
		return nil
	}
	if c.Bucket == "" {
		return fmt.Errorf("CHAIN_BUCKET_NAME must be set when S3 is configured")
	}
	if c.S3EndpointURL != "" && (c.S3AccessKeyID == "" || c.S3SecretAccessKey == "") {
		slog.Warn("S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing")
	}
	return nil
}

type Detector struct {
	RoboflowURL     string        `env:"ROBOFLOW_URL"`
	RoboflowAPIKey  string        `env:"ROBOFLOW_API_KEY"`
	RoboflowTimeout time.Duration `env:"ROBOFLOW_TIMEOUT" envDefault:"30s"`
}

const (
	ProviderOpenAI    = "openai"
	ProviderLangChain = "langchain"
)

type Report struct {
	Provider      string        `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	Model         string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	Temperature   float64       `env:"OPENAI_TEMPERATURE" envDefault:"0.3"`
	Timeout       time.Duration `env:"REPORT_TIMEOUT" envDefault:"60s"`
}

func (c Report) Validate() error {
	if c.Provider != ProviderOpenAI && c.Provider != ProviderLangChain {
		return fmt.Errorf("invalid LLM_PROVIDER '%s': must be '%s' or '%s'", c.Provider, ProviderOpenAI, ProviderLangChain)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("invalid OPENAI_TEMPERATURE %v: must be between 0 and 2", c.Temperature)
	}
	return nil
}

const (
	RelayRabbitMQ = "rabbitmq"
	RelayRedis    = "redis"
)

type Relay struct {
	EventRelay string `env:"EVENT_RELAY" envDefault:"rabbitmq"`
	RedisURL   string `env:"REDIS_URL"`
}

func (c Relay) Validate() error {
	switch c.EventRelay {
	case RelayRabbitMQ:
		return nil
	case RelayRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when EVENT_RELAY is '%s'", RelayRedis)
		}
		return nil
	default:
		return fmt.Errorf("invalid EVENT_RELAY '%s': must be '%s' or '%s'", c.EventRelay, RelayRabbitMQ, RelayRedis)
	}
}
