package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.DSN == "" {
		cfg.DSN = filepath.Join(t.TempDir(), "podcast.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeAudio(t *testing.T, dir, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "podcast.wav")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestSaveAndOpenArtifact(t *testing.T) {
	s := openTemp(t, config.StoreConfig{})
	ctx := context.Background()
	path := writeAudio(t, filepath.Join(t.TempDir(), "runs", "run-1"), "RIFF")

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := podcast.PodcastArtifact{
		ID:              "art-1",
		RunID:           "run-1",
		FilePath:        path,
		TotalDurationMs: 1234,
		UtteranceCount:  5,
		SourceItems:     []podcast.SourceItem{{Kind: podcast.SourceURL, Locator: "https://example.com"}},
		CreatedAt:       created,
	}
	if err := s.SaveArtifact(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	rc, got, err := s.OpenArtifact(ctx, "art-1")
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "RIFF" {
		t.Fatalf("unexpected content %q", data)
	}
	if got.TotalDurationMs != 1234 || got.UtteranceCount != 5 || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected metadata %+v", got)
	}
	if len(got.SourceItems) != 1 || got.SourceItems[0].Locator != "https://example.com" {
		t.Fatalf("unexpected sources %+v", got.SourceItems)
	}

	if _, err := s.GetArtifact(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunEventsInOrder(t *testing.T) {
	s := openTemp(t, config.StoreConfig{})
	ctx := context.Background()
	states := []string{"Created", "Extracting", "Generating", "Failed"}
	for i, st := range states {
		evt := RunEvent{RunID: "run-1", Seq: i, State: st}
		if st == "Failed" {
			evt.Kind = "malformedOutput"
		}
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendEvent(ctx, RunEvent{RunID: "run-2", Seq: 0, State: "Created"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListRunEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != len(states) {
		t.Fatalf("expected %d events, got %d", len(states), len(events))
	}
	for i, e := range events {
		if e.State != states[i] || e.Seq != i {
			t.Fatalf("event %d: %+v", i, e)
		}
	}
	if events[3].Kind != "malformedOutput" {
		t.Fatalf("expected kind recorded, got %+v", events[3])
	}

	if err := s.AppendEvent(ctx, RunEvent{RunID: "run-1", Seq: 0, State: "Created"}); err == nil {
		t.Fatal("expected duplicate seq to be rejected")
	}
}

func TestPruneRemovesExpiredAndExcessArtifacts(t *testing.T) {
	s := openTemp(t, config.StoreConfig{RetentionDays: 1, MaxArtifacts: 1})
	ctx := context.Background()
	root := t.TempDir()

	oldPath := writeAudio(t, filepath.Join(root, "old"), "a")
	midPath := writeAudio(t, filepath.Join(root, "mid"), "b")
	newPath := writeAudio(t, filepath.Join(root, "new"), "c")

	day := func(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }
	for _, a := range []podcast.PodcastArtifact{
		{ID: "old", RunID: "r1", FilePath: oldPath, CreatedAt: day(1)},
		{ID: "mid", RunID: "r2", FilePath: midPath, CreatedAt: day(9)},
		{ID: "new", RunID: "r3", FilePath: newPath, CreatedAt: day(10)},
	} {
		if err := s.SaveArtifact(ctx, a); err != nil {
			t.Fatalf("save %s: %v", a.ID, err)
		}
	}

	s.clock = func() time.Time { return day(10).Add(time.Hour) }
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for _, id := range []string{"old", "mid"} {
		if _, err := s.GetArtifact(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s pruned, got %v", id, err)
		}
	}
	if _, err := s.GetArtifact(ctx, "new"); err != nil {
		t.Fatalf("expected newest artifact kept: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old file removed, stat err %v", err)
	}
	if _, err := os.Stat(filepath.Dir(midPath)); !os.IsNotExist(err) {
		t.Fatalf("expected empty run dir removed, stat err %v", err)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("expected newest file kept: %v", err)
	}
}

func TestRebindForPostgres(t *testing.T) {
	s := &Store{driver: "pgx"}
	got := s.rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	if got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Fatalf("unexpected query %q", got)
	}
	sqlite := &Store{driver: "sqlite"}
	if q := sqlite.rebind("x = ?"); q != "x = ?" {
		t.Fatalf("sqlite query rewritten: %q", q)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.StoreConfig{Driver: "mysql", DSN: "x"}, newLogger()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
