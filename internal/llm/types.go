package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	RunID       string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	// Speakers lists the speaker ids the caller expects in the output.
	// Backends that cannot honour it ignore it.
	Speakers []string
}

// Chunk represents streamed model output.
type Chunk struct {
	RunID            string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewFromConfig builds the generator selected by cfg.Mode.
func NewFromConfig(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockGenerator(), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "anthropic":
		return NewAnthropicGenerator(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
