package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

type anthropicGenerator struct {
	apiKey string
	model  string
}

// NewAnthropicGenerator calls the Anthropic messages API through llmkit.
// The API is not streamed; the whole completion arrives as one chunk.
func NewAnthropicGenerator(apiKey, model string) Generator {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicGenerator{apiKey: apiKey, model: model}
}

type anthropicResult struct {
	text string
	err  error
}

func (g *anthropicGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	settings := types.RequestSettings{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	start := time.Now()
	done := make(chan anthropicResult, 1)
	go func() {
		resp, err := anthropic.PromptWithSettings(req.System, req.Prompt, "", g.apiKey, settings)
		if err != nil {
			done <- anthropicResult{err: err}
			return
		}
		if len(resp.Content) == 0 {
			done <- anthropicResult{err: fmt.Errorf("no content in response")}
			return
		}
		done <- anthropicResult{text: resp.Content[0].Text}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("anthropic prompt: %w", res.err)
		}
		return consumer(Chunk{
			RunID:   req.RunID,
			Content: res.text,
			Partial: false,
			Latency: time.Since(start),
		})
	}
}
