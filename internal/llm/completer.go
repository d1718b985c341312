package llm

import (
	"context"
	"strings"
)

// Params tunes a single completion.
type Params struct {
	RunID       string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	Speakers    []string
}

// Completer turns a streaming Generator into a prompt-in, text-out call.
type Completer struct {
	gen Generator
}

func NewCompleter(gen Generator) *Completer {
	return &Completer{gen: gen}
}

// Complete sends prompt to the backend and returns the concatenated output.
func (c *Completer) Complete(ctx context.Context, prompt string, p Params) (string, error) {
	var b strings.Builder
	err := c.gen.Generate(ctx, Request{
		RunID:       p.RunID,
		Prompt:      prompt,
		System:      p.System,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Speakers:    p.Speakers,
	}, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
