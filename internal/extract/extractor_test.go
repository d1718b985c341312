package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

const articleHTML = `<!doctype html>
<html><head><title>Tides of the North Sea</title></head>
<body>
<nav>Home | About</nav>
<article>
<h1>Tides of the North Sea</h1>
<p>The North Sea has some of the most complex tidal patterns in Europe, shaped by the shallow basin and the rotation of the earth.</p>
<p>Fishermen have relied on tide tables for centuries, and modern forecasts still build on the same harmonic analysis.</p>
<p>Amphidromic points are places where the tidal range is almost zero while the water around them rises and falls.</p>
</article>
</body></html>`

func testExtractor(t *testing.T, mutate func(*config.ExtractConfig)) *Extractor {
	t.Helper()
	cfg := config.Default().Extract
	cfg.YouTube.CacheDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func extractionKind(t *testing.T, err error) podcast.ExtractionKind {
	t.Helper()
	var extractErr *podcast.ExtractionError
	if !errors.As(err, &extractErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	return extractErr.Kind
}

func TestExtractWebPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("User-Agent"), "Mozilla") {
			http.Error(w, "not acceptable", http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	item := podcast.SourceItem{Kind: podcast.SourceURL, Locator: srv.URL + "/tides"}
	doc, err := testExtractor(t, nil).Extract(context.Background(), item)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(doc.Text, "harmonic analysis") {
		t.Fatalf("article text missing body:\n%s", doc.Text)
	}
	if doc.Truncated || doc.Source != item || doc.ExtractedAt.IsZero() {
		t.Fatalf("unexpected document metadata: %+v", doc)
	}
}

func TestExtractUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := testExtractor(t, nil).Extract(context.Background(), podcast.SourceItem{Kind: podcast.SourceURL, Locator: srv.URL})
	if kind := extractionKind(t, err); kind != podcast.ExtractionUnreachable {
		t.Fatalf("expected unreachable, got %s", kind)
	}
}

func TestExtractTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e := testExtractor(t, func(c *config.ExtractConfig) { c.TimeoutMS = 50 })
	_, err := e.Extract(context.Background(), podcast.SourceItem{Kind: podcast.SourceURL, Locator: srv.URL})
	if kind := extractionKind(t, err); kind != podcast.ExtractionTimeout {
		t.Fatalf("expected timeout, got %s (%v)", kind, err)
	}
}

func TestExtractPDFContentTypeRoutesToPDFParser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "this is not really a pdf")
	}))
	defer srv.Close()

	_, err := testExtractor(t, nil).Extract(context.Background(), podcast.SourceItem{Kind: podcast.SourceURL, Locator: srv.URL + "/paper"})
	if kind := extractionKind(t, err); kind != podcast.ExtractionParse {
		t.Fatalf("expected parse failure from pdf parser, got %s", kind)
	}
}

func TestExtractMissingLocalPDF(t *testing.T) {
	_, err := testExtractor(t, nil).Extract(context.Background(), podcast.SourceItem{Kind: podcast.SourcePDF, Locator: filepath.Join(t.TempDir(), "missing.pdf")})
	if kind := extractionKind(t, err); kind != podcast.ExtractionUnreachable {
		t.Fatalf("expected unreachable, got %s", kind)
	}
}

func TestExtractUnsupported(t *testing.T) {
	e := testExtractor(t, nil)
	_, err := e.Extract(context.Background(), podcast.SourceItem{Kind: "ftp", Locator: "ftp://example.com"})
	if kind := extractionKind(t, err); kind != podcast.ExtractionUnsupported {
		t.Fatalf("expected unsupported, got %s", kind)
	}
	_, err = e.Extract(context.Background(), podcast.SourceItem{Kind: podcast.SourceURL, Locator: "file:///etc/passwd"})
	if kind := extractionKind(t, err); kind != podcast.ExtractionUnsupported {
		t.Fatalf("expected unsupported for file url, got %s", kind)
	}
}

func TestExtractTruncatesByRunes(t *testing.T) {
	e := testExtractor(t, func(c *config.ExtractConfig) { c.MaxChars = 5 })
	doc, err := e.Extract(context.Background(), podcast.SourceItem{Kind: podcast.SourceRawText, Locator: "héllo wörld"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Text != "héllo" || !doc.Truncated {
		t.Fatalf("unexpected truncation: %q truncated=%v", doc.Text, doc.Truncated)
	}
}

func TestExtractBlankRawText(t *testing.T) {
	_, err := testExtractor(t, nil).Extract(context.Background(), podcast.SourceItem{Kind: podcast.SourceRawText, Locator: "   "})
	if kind := extractionKind(t, err); kind != podcast.ExtractionParse {
		t.Fatalf("expected parse, got %s", kind)
	}
}

func TestExtractAllKeepsOrderAndIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	items := []podcast.SourceItem{
		{Kind: podcast.SourceRawText, Locator: "first"},
		{Kind: podcast.SourceURL, Locator: srv.URL + "/down"},
		{Kind: podcast.SourceURL, Locator: srv.URL + "/up"},
	}
	results := testExtractor(t, nil).ExtractAll(context.Background(), items)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Document.Text != "first" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if kind := extractionKind(t, results[1].Err); kind != podcast.ExtractionUnreachable {
		t.Fatalf("expected unreachable for second item, got %s", kind)
	}
	if results[2].Err != nil || results[2].Document.Source != items[2] {
		t.Fatalf("unexpected third result: %+v", results[2])
	}
}

func TestYouTubeTranscriptAndCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("x-api-key") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("url") != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
			http.Error(w, "bad url", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"text":"never gonna"},{"text":"give you up"}],"lang":"en"}`)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	e := testExtractor(t, func(c *config.ExtractConfig) {
		c.YouTube.TranscriptAPIURL = srv.URL
		c.YouTube.TranscriptAPIKey = "secret"
		c.YouTube.CacheDir = cacheDir
	})
	item := podcast.SourceItem{Kind: podcast.SourceYouTube, Locator: "https://youtu.be/dQw4w9WgXcQ"}
	for i := 0; i < 2; i++ {
		doc, err := e.Extract(context.Background(), item)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if doc.Text != "never gonna give you up" {
			t.Fatalf("unexpected transcript %q", doc.Text)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached second read, got %d api calls", calls.Load())
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "dQw4w9WgXcQ.txt")); err != nil {
		t.Fatalf("expected cache file: %v", err)
	}
}

func TestVideoID(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42": "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ":                     "dQw4w9WgXcQ",
		"https://youtube.com/shorts/dQw4w9WgXcQ":           "dQw4w9WgXcQ",
		"https://www.youtube.com/embed/dQw4w9WgXcQ":        "dQw4w9WgXcQ",
		"dQw4w9WgXcQ": "dQw4w9WgXcQ",
	}
	for in, want := range cases {
		got, err := VideoID(in)
		if err != nil || got != want {
			t.Fatalf("VideoID(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"https://vimeo.com/12345678", "https://www.youtube.com/feed/trending"} {
		if _, err := VideoID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
