package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config selects and tunes a backend.
type Config struct {
	Driver  Dialect
	DSN     string
	Backoff model.Backoff
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	switch cfg.Driver {
	case DialectSQLite, "":
		return NewSQLite(ctx, cfg.DSN, cfg.Backoff)
	case DialectPostgres:
		return NewPostgres(ctx, cfg.DSN, cfg.Backoff)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	backoff model.Backoff
}

// Ensure SQLStore implements Store interface.
var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open, migrated connection.
func NewSQLStore(db *sql.DB, dialect Dialect, backoff model.Backoff) *SQLStore {
	if backoff.Max <= 0 {
		backoff = model.DefaultBackoff
	}
	return &SQLStore{db: db, dialect: dialect, backoff: backoff}
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL dialect of the backend.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// SupportsHighConcurrency returns true for PostgreSQL.
func (s *SQLStore) SupportsHighConcurrency() bool {
	return s.dialect == DialectPostgres
}

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	gooseDialect := goose.DialectSQLite3
	if dialect == DialectPostgres {
		gooseDialect = goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")) {
			return fmt.Errorf("%w: %s", ErrConflict, liteErr.Error())
		}
	}
	return err
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
