// Package store persists analysis results and the LLM call log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is a SQLite-backed results store.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS characters (
	book_id       INTEGER NOT NULL,
	name_key      TEXT    NOT NULL,
	name          TEXT    NOT NULL,
	traits        TEXT    NOT NULL DEFAULT '[]',
	voice_profile TEXT,
	speaker_id    INTEGER,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (book_id, name_key)
);

CREATE TABLE IF NOT EXISTS character_chapters (
	book_id    INTEGER NOT NULL,
	chapter_id INTEGER NOT NULL,
	name_key   TEXT    NOT NULL,
	pages      TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (book_id, chapter_id, name_key),
	FOREIGN KEY (book_id, name_key) REFERENCES characters (book_id, name_key) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS dialog_lines (
	book_id     INTEGER NOT NULL,
	chapter_id  INTEGER NOT NULL,
	name_key    TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	page_number INTEGER NOT NULL,
	text        TEXT    NOT NULL,
	emotion     TEXT    NOT NULL,
	intensity   REAL    NOT NULL,
	PRIMARY KEY (book_id, chapter_id, name_key, seq),
	FOREIGN KEY (book_id, name_key) REFERENCES characters (book_id, name_key) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS llm_calls (
	id            TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	latency_ms    INTEGER NOT NULL,
	book_id       INTEGER,
	chapter_id    INTEGER,
	run_id        TEXT,
	prompt_key    TEXT NOT NULL,
	prompt_hash   TEXT,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	temperature   REAL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL DEFAULT 0,
	response      TEXT,
	finish_reason TEXT,
	success       INTEGER NOT NULL,
	error         TEXT
);

CREATE INDEX IF NOT EXISTS idx_llm_calls_timestamp ON llm_calls (timestamp);
CREATE INDEX IF NOT EXISTS idx_llm_calls_book ON llm_calls (book_id, chapter_id);
`

func (s *Store) initSchema(ctx context.Context) error {
	if err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, schema)
		return err
	}); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op, retrying with backoff while SQLite reports busy.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(busyRetryAttempts),
		retry.Delay(busyRetryInitialBackoff),
		retry.MaxDelay(busyRetryMaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isSQLiteBusy),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("database busy, retrying", "attempt", n+1, "error", err)
		}),
	)
}

// inTx runs fn in a transaction, retrying the whole transaction on busy.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
