package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"x2a/internal/db"
)

// Repo implements the project, module and job repositories on one store.
// Lookups that match nothing return nil, an empty slice or a zero count.
type Repo struct {
	DB *db.DB
	// Now stamps createdAt and default startedAt values; db.Now when nil.
	Now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) bind(query string) string {
	return r.DB.Rebind(query)
}

// readTx runs fn inside a read-only snapshot so that a row and the fields
// derived from other tables are observed at the same instant.
func (r Repo) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, r.DB.SnapshotTxOptions())
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC().Truncate(db.Precision)
	}
	return db.Now()
}

func newID() string {
	return uuid.NewString()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return r.DB.TimeArg(*t)
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// inClause returns "(?,?,...)" for n binds along with the ids as args.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}
