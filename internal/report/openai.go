package report

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultModel = "gpt-4o-mini"

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// OpenAILLM asks the chat completions endpoint for output matching the report
// json schema.
type OpenAILLM struct {
	client openai.Client
	model  string
	temp   float64
}

var _ LLM = (*OpenAILLM)(nil)

func NewOpenAILLM(cfg OpenAIConfig) *OpenAILLM {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(1))

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &OpenAILLM{
		client: openai.NewClient(opts...),
		model:  model,
		temp:   cfg.Temperature,
	}
}

var reportSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"report":  map[string]interface{}{"type": "string"},
		"summary": map[string]interface{}{"type": "string"},
		"recommendations": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"severity_level": map[string]interface{}{
			"type": "string",
			"enum": []string{"low", "moderate", "high"},
		},
	},
	"required":             []string{"report", "summary", "recommendations", "severity_level"},
	"additionalProperties": false,
}

func (o *OpenAILLM) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	chatReq := openai.ChatCompletionNewParams{
		Model:       o.model,
		Messages:    messages,
		Temperature: openai.Float(o.temp),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "diagnostic_report",
					Description: openai.String("Structured dental radiograph report"),
					Schema:      reportSchema,
				},
			},
		},
	}

	res, err := o.client.Chat.Completions.New(ctx, chatReq)
	if err != nil {
		slog.Error("openai error: chat completions failed", "model", o.model, "error", err)
		return "", fmt.Errorf("openai generation failed: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	slog.Info("openai report generated", "model", o.model, "prompt_tokens", res.Usage.PromptTokens, "completion_tokens", res.Usage.CompletionTokens)

	return res.Choices[0].Message.Content, nil
}
