// Package extract pulls plain text out of podcast source items.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// Strategy fetches the text behind one kind of locator.
type Strategy interface {
	Kind() podcast.SourceKind
	FetchText(ctx context.Context, locator string) (string, error)
}

// Result pairs one source item with its document or error.
type Result struct {
	Document podcast.ExtractedDocument
	Err      error
}

type Extractor struct {
	strategies  map[podcast.SourceKind]Strategy
	maxChars    int
	timeout     time.Duration
	concurrency int
	clock       func() time.Time
	logger      *slog.Logger
}

type Option func(*Extractor)

// WithStrategy registers or replaces the strategy for its kind.
func WithStrategy(s Strategy) Option {
	return func(e *Extractor) { e.strategies[s.Kind()] = s }
}

// WithClock overrides the time source used for ExtractedAt.
func WithClock(clock func() time.Time) Option {
	return func(e *Extractor) { e.clock = clock }
}

// New builds an Extractor with the url, pdf, youtube and rawtext strategies.
func New(cfg config.ExtractConfig, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	client := NewHTTPClient(cfg.UserAgent)
	pdfs := NewPDFStrategy(client)
	e := &Extractor{
		strategies:  make(map[podcast.SourceKind]Strategy),
		maxChars:    cfg.MaxChars,
		timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
		concurrency: cfg.Concurrency,
		clock:       time.Now,
		logger:      logger.With(slog.String("component", "extract")),
	}
	for _, s := range []Strategy{
		NewWebStrategy(client, pdfs),
		pdfs,
		NewYouTubeStrategy(client, cfg.YouTube),
		RawTextStrategy{},
	} {
		e.strategies[s.Kind()] = s
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	return e
}

// Extract returns the text for one item, truncated to the configured ceiling.
func (e *Extractor) Extract(ctx context.Context, item podcast.SourceItem) (podcast.ExtractedDocument, error) {
	strategy, ok := e.strategies[item.Kind]
	if !ok {
		return podcast.ExtractedDocument{}, &podcast.ExtractionError{
			Kind:   podcast.ExtractionUnsupported,
			Source: item,
			Err:    fmt.Errorf("unknown source kind %q", item.Kind),
		}
	}

	itemCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	text, err := strategy.FetchText(itemCtx, item.Locator)
	if err != nil {
		return podcast.ExtractedDocument{}, e.classify(ctx, itemCtx, item, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return podcast.ExtractedDocument{}, &podcast.ExtractionError{
			Kind:   podcast.ExtractionParse,
			Source: item,
			Err:    errors.New("no text found"),
		}
	}

	doc := podcast.ExtractedDocument{Source: item, Text: text, ExtractedAt: e.clock().UTC()}
	if e.maxChars > 0 && utf8.RuneCountInString(text) > e.maxChars {
		doc.Text = truncateRunes(text, e.maxChars)
		doc.Truncated = true
		e.logger.Info("extracted text truncated",
			slog.String("source", item.ID()),
			slog.Int("max_chars", e.maxChars),
		)
	}
	return doc, nil
}

// ExtractAll extracts every item concurrently. The result slice is in input
// order and one item's failure never affects the others.
func (e *Extractor) ExtractAll(ctx context.Context, items []podcast.SourceItem) []Result {
	results := make([]Result, len(items))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			results[i] = Result{Err: err}
			continue
		}
		g.Go(func() error {
			doc, err := e.Extract(ctx, item)
			if err != nil {
				e.logger.Warn("extraction failed", slog.String("source", item.ID()), slogError(err))
			}
			results[i] = Result{Document: doc, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Extractor) classify(parent, itemCtx context.Context, item podcast.SourceItem, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var extractErr *podcast.ExtractionError
	if errors.As(err, &extractErr) {
		extractErr.Source = item
		return extractErr
	}
	if errors.Is(itemCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &podcast.ExtractionError{Kind: podcast.ExtractionTimeout, Source: item, Err: err}
	}
	return &podcast.ExtractionError{Kind: podcast.ExtractionUnreachable, Source: item, Err: err}
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func failure(kind podcast.ExtractionKind, err error) error {
	return &podcast.ExtractionError{Kind: kind, Err: err}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
