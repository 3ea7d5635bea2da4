package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/resilience"
)

// retryAttempts and retryBackoff implement spec §4.13's "Store writes are
// retried locally up to N times (default 3) with fixed backoff (default 1s)".
const (
	retryAttempts = 3
	retryBackoff  = 1 * time.Second
)

// SQLiteStore is the Store implementation backed by modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or attaches to) the SQLite database at path, enabling WAL
// journaling where supported (spec §6 "Journal mode is WAL where
// supported, falling back to DELETE or MEMORY") and foreign-key
// enforcement.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is a single-writer connection pool

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			// WAL is unsupported on some filesystems (e.g. network mounts);
			// fall back rather than fail bootstrap, per spec §6.
			if pragma == "PRAGMA journal_mode = WAL" {
				if _, fallbackErr := db.Exec("PRAGMA journal_mode = DELETE"); fallbackErr != nil {
					_, _ = db.Exec("PRAGMA journal_mode = MEMORY")
				}
				continue
			}
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: slog.Default().With("component", "store")}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// withRetry wraps a store operation per spec §4.13's retry policy,
// returning a STORE_ERROR once attempts are exhausted; an error that is
// already a *core.Error (e.g. DEPENDENCY_CYCLE) is returned unchanged,
// after the same retries. It always returns a
// plain nil error (never a typed-nil *core.Error) so callers can use the
// ordinary `if err != nil` idiom.
func withRetry[T any](ctx context.Context, label string, fn func() (T, error)) (T, error) {
	v, err := resilience.Retry(ctx, retryAttempts, retryBackoff, label, fn)
	if err != nil {
		var zero T
		if existing, ok := err.(*core.Error); ok {
			return zero, existing
		}
		return v, core.StoreError(err, "%s failed after retries", label)
	}
	return v, nil
}

func epochMS(t time.Time) int64 { return t.UnixMilli() }

func fromEpochMS(ms int64) time.Time { return time.UnixMilli(ms) }

func nullableEpochMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return epochMS(*t)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
