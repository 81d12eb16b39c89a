// Package store implements the Store component (§4.A): an embedded,
// transactional, single-writer SQLite database holding sessions,
// session_messages, and job_queue, with a separate read-only connection
// pool for concurrent reads under WAL mode.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/justbecauselabs/pokecode/internal/common/config"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/tracing"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	defaultReaderConns = 4
)

// Store wraps the writer and reader connection pools and exposes the
// narrow transactional API described in §4.A to the services layer.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	log    *logger.Logger
}

// Open creates (if needed) and opens the SQLite database at cfg.DatabasePath,
// applies bundled migrations, and returns a ready Store.
func Open(cfg *config.Config, log *logger.Logger) (*Store, error) {
	path := normalizePath(cfg.DatabasePath)
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	journalMode := "DELETE"
	if cfg.DatabaseWAL {
		journalMode = "WAL"
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=%s&_synchronous=NORMAL&_cache=shared&_cache_size=-%d",
		path, int(defaultBusyTimeout/time.Millisecond), journalMode, cfg.DatabaseCacheSize,
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection: serializes all writes, the simplest way to
	// guarantee the row-level nextOrdinal lock and the one-active-job check
	// never race against a concurrent writer on the same process.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(defaultReaderConns)
	reader.SetMaxIdleConns(defaultReaderConns)

	if err := runMigrations(writer.DB); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		writer: writer,
		reader: reader,
		log:    log.WithFields(),
	}, nil
}

// OpenMemory opens an ephemeral, single-connection SQLite database for tests.
// Both writer and reader share the same connection since there is nothing to
// serialize against.
func OpenMemory() (*Store, error) {
	dsn := "file::memory:?_foreign_keys=on&cache=shared"
	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	writer.SetMaxOpenConns(1)
	if err := runMigrations(writer.DB); err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Store{writer: writer, reader: writer, log: logger.Default()}, nil
}

// Close releases both connection pools. PRAGMA optimize lets SQLite update
// its query planner statistics before the file is closed, cheap insurance
// against a stale plan on next open.
func (s *Store) Close() error {
	_, _ = s.writer.Exec(`PRAGMA optimize`)
	if s.reader != s.writer {
		if err := s.reader.Close(); err != nil {
			return err
		}
	}
	return s.writer.Close()
}

// Writer exposes the underlying writer handle for cross-cutting concerns
// (e.g. transactional helpers shared by multiple services).
func (s *Store) Writer() *sqlx.DB { return s.writer }

// Reader exposes the underlying reader handle.
func (s *Store) Reader() *sqlx.DB { return s.reader }

// WithTx runs fn inside a single writer transaction, committing on success
// and rolling back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	ctx, span := tracing.TraceStoreTx(ctx, "tx")
	defer func() { tracing.EndStoreTx(span, err) }()

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" || dbPath == ":memory:" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
