// Package store keeps artifact metadata and the per-run event log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// ErrNotFound is returned when an artifact id is unknown.
var ErrNotFound = errors.New("artifact not found")

// RunEvent is one recorded state transition of a pipeline run.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	State     string    `json:"state"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite or Postgres database.
type Store struct {
	db     *sql.DB
	driver string
	cfg    config.StoreConfig
	log    *slog.Logger
	clock  func() time.Time
}

// Open connects to the configured database, creates the schema and applies retention.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "store"))

	var (
		driverName string
		dsn        string
	)
	switch cfg.Driver {
	case "", "sqlite":
		dir := filepath.Dir(cfg.DSN)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		driverName = "sqlite"
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DSN)
	case "postgres":
		driverName = "pgx"
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}

	s := &Store{db: db, driver: driverName, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && driverName == "sqlite" {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slogError(err))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slogError(err))
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS artifacts (
    artifact_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    file_path TEXT NOT NULL,
    duration_ms BIGINT NOT NULL,
    utterance_count BIGINT NOT NULL,
    source_items TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at)`,
	`CREATE TABLE IF NOT EXISTS run_events (
    run_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    state TEXT NOT NULL,
    kind TEXT,
    message TEXT,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (run_id, seq)
)`,
	`CREATE INDEX IF NOT EXISTS idx_run_events_created ON run_events(created_at)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveArtifact records the metadata of a finished podcast.
func (s *Store) SaveArtifact(ctx context.Context, a podcast.PodcastArtifact) error {
	if a.ID == "" {
		return errors.New("artifact id is empty")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	sources, err := json.Marshal(a.SourceItems)
	if err != nil {
		return fmt.Errorf("encode source items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO artifacts(artifact_id, run_id, file_path, duration_ms, utterance_count, source_items, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.RunID, a.FilePath, a.TotalDurationMs, a.UtteranceCount, string(sources), a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetArtifact loads artifact metadata by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (podcast.PodcastArtifact, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT artifact_id, run_id, file_path, duration_ms, utterance_count, source_items, created_at
		 FROM artifacts WHERE artifact_id = ?`), id)
	var (
		a       podcast.PodcastArtifact
		sources string
		created int64
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.FilePath, &a.TotalDurationMs, &a.UtteranceCount, &sources, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return podcast.PodcastArtifact{}, ErrNotFound
		}
		return podcast.PodcastArtifact{}, err
	}
	if err := json.Unmarshal([]byte(sources), &a.SourceItems); err != nil {
		return podcast.PodcastArtifact{}, fmt.Errorf("decode source items: %w", err)
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	return a, nil
}

// OpenArtifact returns a reader over the audio file of artifact id.
func (s *Store) OpenArtifact(ctx context.Context, id string) (io.ReadCloser, podcast.PodcastArtifact, error) {
	a, err := s.GetArtifact(ctx, id)
	if err != nil {
		return nil, podcast.PodcastArtifact{}, err
	}
	f, err := os.Open(a.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, podcast.PodcastArtifact{}, ErrNotFound
		}
		return nil, podcast.PodcastArtifact{}, err
	}
	return f, a, nil
}

// AppendEvent writes a run event.
func (s *Store) AppendEvent(ctx context.Context, evt RunEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO run_events(run_id, seq, state, kind, message, created_at) VALUES(?, ?, ?, ?, ?, ?)`),
		evt.RunID, evt.Seq, evt.State, evt.Kind, evt.Message, evt.CreatedAt.UnixMilli())
	return err
}

// ListRunEvents retrieves up to limit events for a run in transition order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT run_id, seq, state, kind, message, created_at
		 FROM run_events WHERE run_id = ? ORDER BY seq ASC LIMIT ?`), runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var (
			e             RunEvent
			kind, message sql.NullString
			created       int64
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &e.State, &kind, &message, &created); err != nil {
			return nil, err
		}
		e.Kind = kind.String
		e.Message = message.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

type expired struct {
	id   string
	path string
}

// Prune applies retention_days and max_artifacts, deleting audio files with their rows.
func (s *Store) Prune(ctx context.Context) error {
	var victims []expired
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		old, err := s.selectArtifacts(ctx, `SELECT artifact_id, file_path FROM artifacts WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		victims = append(victims, old...)
		if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM run_events WHERE created_at < ?`), cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxArtifacts > 0 {
		all, err := s.selectArtifacts(ctx, `SELECT artifact_id, file_path FROM artifacts ORDER BY created_at DESC`)
		if err != nil {
			return err
		}
		if len(all) > s.cfg.MaxArtifacts {
			victims = append(victims, all[s.cfg.MaxArtifacts:]...)
		}
	}
	victims = dedupe(victims)
	if len(victims) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM artifacts WHERE artifact_id = ?`), v.id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove artifact file", slog.String("path", v.path), slogError(err))
			continue
		}
		// the run directory goes too once it is empty
		_ = os.Remove(filepath.Dir(v.path))
	}
	s.log.Info("pruned artifacts", slog.Int("count", len(victims)))
	return nil
}

func dedupe(in []expired) []expired {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, e := range in {
		if seen[e.id] {
			continue
		}
		seen[e.id] = true
		out = append(out, e)
	}
	return out
}

func (s *Store) selectArtifacts(ctx context.Context, query string, args ...any) ([]expired, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.path); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
