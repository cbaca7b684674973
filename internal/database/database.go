package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bryan-buckman/prismfeeder/internal/model"
	_ "modernc.org/sqlite"
)

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// NewSQLite opens or creates an SQLite database. path may be a file path or
// a "file:" URI such as "file:feeds?mode=memory&cache=shared".
func NewSQLite(ctx context.Context, path string, backoff model.Backoff) (*SQLStore, error) {
	dsn := sqliteDSN(path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if !inMemory(path) {
		// Enable WAL mode for better concurrency.
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
	}
	if err := migrate(ctx, conn, DialectSQLite); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// One connection serializes writers and keeps in-memory databases alive.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	return NewSQLStore(conn, DialectSQLite, backoff), nil
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "prismfeeder.db"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqlitePragmas
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
