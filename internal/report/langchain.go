package report

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainLLM routes report prompts through langchaingo, which lets the
// report writer target any openai compatible endpoint.
type LangChainLLM struct {
	client *openai.LLM
	temp   float64
}

var _ LLM = (*LangChainLLM)(nil)

func NewLangChainLLM(cfg OpenAIConfig) (*LangChainLLM, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating langchain client: %w", err)
	}

	return &LangChainLLM{client: client, temp: cfg.Temperature}, nil
}

func (l *LangChainLLM) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	resp, err := l.client.GenerateContent(ctx, messages, llms.WithTemperature(l.temp), llms.WithJSONMode())
	if err != nil {
		return "", fmt.Errorf("langchain generation failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("langchain returned no choices")
	}

	return resp.Choices[0].Content, nil
}
