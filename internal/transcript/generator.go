// Package transcript turns extracted text into a speaker-tagged dialogue
// through a language model.
package transcript

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/loqalabs/loqa-podcast/internal/llm"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/segment"
)

//go:embed prompt.tmpl
var defaultPrompt string

const systemPrompt = "You write engaging multi-speaker podcast scripts from source material."

// Completer is the language model capability the generator depends on.
type Completer interface {
	Complete(ctx context.Context, prompt string, p llm.Params) (string, error)
}

type Options struct {
	// PromptPath overrides the embedded prompt template when set.
	PromptPath string
	MaxTokens  int
	// DefaultModel is used when the run does not name one.
	DefaultModel string
}

type Generator struct {
	completer Completer
	segmenter *segment.Segmenter
	tmpl      *template.Template
	opts      Options
	logger    *slog.Logger
}

func New(completer Completer, segmenter *segment.Segmenter, opts Options, logger *slog.Logger) (*Generator, error) {
	text := defaultPrompt
	if opts.PromptPath != "" {
		data, err := os.ReadFile(opts.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("read prompt template: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("prompt").Funcs(template.FuncMap{"join": strings.Join}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		completer: completer,
		segmenter: segmenter,
		tmpl:      tmpl,
		opts:      opts,
		logger:    logger.With(slog.String("component", "transcript")),
	}, nil
}

type speakerRole struct {
	ID   string
	Role string
}

type promptData struct {
	PodcastName          string
	Tagline              string
	Speakers             []speakerRole
	FirstSpeaker         string
	Styles               []string
	DialogueStructure    []string
	EngagementTechniques []string
	UserInstructions     string
	Language             string
	LongForm             bool
	TargetWords          int
	Content              string
	Correction           string
}

// JoinDocuments concatenates extracted documents in order, separated by a blank line.
func JoinDocuments(docs []podcast.ExtractedDocument) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if text := strings.TrimSpace(d.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Generate issues one completion for text. If the output does not follow the
// speaker-tag grammar, it retries once with the parse error in the prompt.
// Speaker ids are left for the segmenter to check against the voice map.
func (g *Generator) Generate(ctx context.Context, runID, text string, cfg podcast.GenerationConfig) (podcast.Transcript, error) {
	if strings.TrimSpace(text) == "" {
		return podcast.Transcript{}, &podcast.GenerationError{Kind: podcast.GenerationEmptyInput}
	}
	model := cfg.LLMModel
	if model == "" {
		model = g.opts.DefaultModel
	}
	params := llm.Params{
		RunID:       runID,
		System:      systemPrompt,
		Model:       model,
		MaxTokens:   g.opts.MaxTokens,
		Temperature: cfg.ConversationStyle.Creativity,
		Speakers:    cfg.Speakers(),
	}

	var correction string
	for attempt := 1; attempt <= 2; attempt++ {
		prompt, err := g.render(text, cfg, correction)
		if err != nil {
			return podcast.Transcript{}, &podcast.GenerationError{Kind: podcast.GenerationProviderError, Err: err}
		}
		out, err := g.completer.Complete(ctx, prompt, params)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return podcast.Transcript{}, ctxErr
			}
			return podcast.Transcript{}, &podcast.GenerationError{Kind: podcast.GenerationProviderError, Err: err}
		}
		t := podcast.Transcript{RawText: strings.TrimSpace(out), Model: model}
		parseErr := g.segmenter.Validate(t)
		if parseErr == nil {
			return t, nil
		}
		g.logger.Warn("transcript does not follow speaker grammar",
			slog.String("run_id", runID),
			slog.Int("attempt", attempt),
			slogError(parseErr),
		)
		if attempt == 2 {
			return podcast.Transcript{}, &podcast.GenerationError{Kind: podcast.GenerationMalformedOutput, Err: parseErr}
		}
		correction = parseErr.Error()
	}
	return podcast.Transcript{}, &podcast.GenerationError{Kind: podcast.GenerationMalformedOutput, Err: errors.New("no attempts made")}
}

func (g *Generator) render(text string, cfg podcast.GenerationConfig, correction string) (string, error) {
	style := cfg.ConversationStyle
	speakers := cfg.Speakers()
	data := promptData{
		PodcastName:          style.PodcastName,
		Tagline:              style.Tagline,
		Styles:               style.Styles,
		DialogueStructure:    style.DialogueStructure,
		EngagementTechniques: style.EngagementTechniques,
		UserInstructions:     style.UserInstructions,
		Language:             cfg.Language,
		LongForm:             style.LongForm,
		TargetWords:          1200,
		Content:              text,
		Correction:           correction,
	}
	if data.PodcastName == "" {
		data.PodcastName = "the podcast"
	}
	if data.Language == "" {
		data.Language = "English"
	}
	if len(data.Styles) == 0 {
		data.Styles = []string{"engaging"}
	}
	if style.LongForm {
		data.TargetWords = 4000
	}
	for _, id := range speakers {
		data.Speakers = append(data.Speakers, speakerRole{ID: id, Role: style.Roles[id]})
	}
	if len(speakers) > 0 {
		data.FirstSpeaker = speakers[0]
	}
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
