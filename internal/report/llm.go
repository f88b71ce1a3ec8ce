package report

import "context"

// LLM produces the raw completion for a report prompt. Implementations do not
// interpret the output.
type LLM interface {
	Generate(ctx context.Context, systemPrompt, prompt string) (string, error)
}
