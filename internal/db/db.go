// Package db provides database connection pools for the directory store
// and the per-session embedded stores.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// SQLite WAL mode allows many readers alongside a single writer.
	sqliteReaderConns = 4
)

// Pool provides separate read and write connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection (MaxOpenConns(1) on the writer avoids
// SQLITE_BUSY under write contention). For PostgreSQL both sides share one
// *sqlx.DB since pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the pool used for INSERT, UPDATE, DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both sides share one *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// OpenSQLite opens a writer/reader pool for a SQLite database, creating
// the file and its parent directory if needed. Pass ":memory:" for an
// in-memory database (used by tests); it shares one connection.
func OpenSQLite(path string) (*Pool, error) {
	if path == ":memory:" {
		mem, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
		if err != nil {
			return nil, fmt.Errorf("open in-memory database: %w", err)
		}
		mem.SetMaxOpenConns(1)
		return &Pool{writer: mem, reader: mem}, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare database dir: %w", err)
		}
	}

	timeoutMs := int(busyTimeout / time.Millisecond)

	// Writer: single connection, WAL, FK enforcement.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		abs, timeoutMs,
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// Touch the file through the writer before opening read-only readers.
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d",
		abs, timeoutMs,
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &Pool{writer: writer, reader: reader}, nil
}

// OpenPostgres opens a pgx-backed pool. One *sqlx.DB serves both sides.
func OpenPostgres(dsn string) (*Pool, error) {
	conn, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{writer: conn, reader: conn}, nil
}
