package repo_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"x2a/internal/db"
	"x2a/internal/domain"
	"x2a/internal/migrate"
	"x2a/internal/repo"
)

const postgresDSNEnv = "X2A_TEST_POSTGRES_DSN"

var (
	alice = domain.Caller{Credentials: "user:default/alice"}
	bob   = domain.Caller{Credentials: "user:default/bob"}
	admin = domain.Caller{Credentials: "user:default/admin", CanViewAll: true, CanWriteAll: true}
)

// clock hands out strictly increasing timestamps one second apart.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type store struct {
	Repo  repo.Repo
	Clock *clock
	Ctx   context.Context
}

// eachStore runs fn against a fresh sqlite store and, when X2A_TEST_POSTGRES_DSN
// is set, against a fresh schema on that PostgreSQL server.
func eachStore(t *testing.T, fn func(t *testing.T, s store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newStore(t, openSQLite(t)))
	})
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" || testing.Short() {
		return
	}
	t.Run("postgres", func(t *testing.T) {
		fn(t, newStore(t, openPostgres(t, dsn)))
	})
}

func newStore(t *testing.T, conn *db.DB) store {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	c := newClock()
	return store{Repo: repo.Repo{DB: conn, Now: c.Now}, Clock: c, Ctx: ctx}
}

func openSQLite(t *testing.T) *db.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x2a.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func openPostgres(t *testing.T, dsn string) *db.DB {
	t.Helper()
	ctx := context.Background()
	schema := "x2a_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	adminConn, err := db.Open(ctx, db.Config{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	_, err = adminConn.ExecContext(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)

	conn, err := db.Open(ctx, db.Config{Driver: "postgres", DSN: withSearchPath(dsn, schema)})
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		adminConn.ExecContext(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
		adminConn.Close()
	})
	return conn
}

func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return fmt.Sprintf("%s search_path=%s", dsn, schema)
}

func (s store) project(t *testing.T, caller domain.Caller, name string) *domain.Project {
	t.Helper()
	p, err := s.Repo.CreateProject(s.Ctx, domain.CreateProjectInput{
		Name:             name,
		Abbreviation:     strings.ToUpper(name[:2]),
		Description:      name + " description",
		SourceRepoURL:    "https://github.com/org/" + name,
		SourceRepoBranch: "main",
		TargetRepoURL:    "https://github.com/org/" + name + "-ansible",
		TargetRepoBranch: "main",
	}, caller)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func (s store) module(t *testing.T, projectID, name string) *domain.Module {
	t.Helper()
	m, err := s.Repo.CreateModule(s.Ctx, domain.CreateModuleInput{Name: name, SourcePath: "cookbooks/" + name, ProjectID: projectID})
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func (s store) job(t *testing.T, in domain.CreateJobInput) *domain.Job {
	t.Helper()
	j, err := s.Repo.CreateJob(s.Ctx, in)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func (s store) countRows(t *testing.T, table, where string, args ...any) int {
	t.Helper()
	var n int
	err := s.Repo.DB.QueryRowContext(s.Ctx, s.Repo.DB.Rebind(`SELECT COUNT(*) FROM `+table+` WHERE `+where), args...).Scan(&n)
	require.NoError(t, err)
	return n
}

func ptr[T any](v T) *T { return &v }
