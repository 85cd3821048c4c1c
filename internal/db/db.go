// Package db opens the relational store backing the x2a service and hides the
// dialect differences between the embedded and the client/server engine.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL engine behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// TimeLayout is the fixed-width UTC encoding used for timestamps on SQLite so
// that lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Precision is the timestamp resolution kept by both engines.
const Precision = time.Microsecond

type Config struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection URL.
	DSN string
}

// DB is a *sql.DB that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open opens the configured store. SQLite runs with foreign keys on and a
// single connection; PostgreSQL is reached through the pgx stdlib driver.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch Dialect(cfg.Driver) {
	case SQLite:
		return openSQLite(cfg.Path)
	case Postgres:
		return openPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openSQLite(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return &DB{DB: conn, Dialect: SQLite}, nil
}

func openPostgres(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{DB: conn, Dialect: Postgres}, nil
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// TimeArg encodes t as a bind argument for the dialect.
func (d *DB) TimeArg(t time.Time) any {
	t = t.UTC().Truncate(Precision)
	if d.Dialect == SQLite {
		return t.Format(TimeLayout)
	}
	return t
}

// SnapshotTxOptions returns options for multi-query reads that must observe a
// single snapshot. SQLite transactions are already serializable.
func (d *DB) SnapshotTxOptions() *sql.TxOptions {
	if d.Dialect == Postgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

// Now returns the current time at the precision both engines store.
func Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}

// NullTime scans timestamps stored either as TIMESTAMPTZ or as TimeLayout text.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (t *NullTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	default:
		return fmt.Errorf("cannot scan %T into db.NullTime", v)
	}
}

func (t *NullTime) parse(s string) error {
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

// Ptr returns nil for NULL.
func (t NullTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
