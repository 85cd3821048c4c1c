package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x2a/internal/db"
	"x2a/internal/domain"
	"x2a/internal/engine"
	"x2a/internal/migrate"
	"x2a/internal/repo"
)

const (
	testSecret = "test-secret"
	basePath   = "/api/x2a"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x2a.db")})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(ctx, conn))

	quiet := log.New(io.Discard, "", 0)
	e := engine.New(conn)
	e.Logger = quiet
	handler, err := New(Config{
		Engine:   e,
		BasePath: basePath,
		Logger:   quiet,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			AdminViewPermission:    "x2a.admin.view",
			AdminWritePermission:   "x2a.admin.write",
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String() + basePath,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, subject string, perms ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, subject, perms)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, s *testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func createProject(t *testing.T, s *testServer, headers map[string]string, name string) domain.Project {
	t.Helper()
	res, data := doJSON(t, s, http.MethodPost, "/projects", map[string]any{
		"name":             name,
		"abbreviation":     "TP",
		"description":      "test project",
		"sourceRepoUrl":    "https://github.com/org/chef",
		"sourceRepoBranch": "main",
		"targetRepoUrl":    "https://github.com/org/ansible",
		"targetRepoBranch": "main",
	}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.Project](t, data)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"ok"`)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, s, http.MethodGet, "/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	forged, err := SignToken("other-secret", "user:default/alice", nil)
	require.NoError(t, err)
	res, _ = doJSON(t, s, http.MethodGet, "/projects", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, s, http.MethodGet, "/projects", nil, map[string]string{"X-Actor-Id": "user:default/legacy"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := bearer(t, "user:default/alice")
	bob := bearer(t, "user:default/bob")
	viewer := bearer(t, "user:default/viewer", "x2a.admin.view")
	admin := bearer(t, "user:default/admin", "x2a.admin.view", "x2a.admin.write")

	p := createProject(t, s, alice, "Test Project")
	assert.Equal(t, "user:default/alice", p.CreatedBy)

	res, _ := doJSON(t, s, http.MethodGet, "/projects/"+p.ID, nil, bob)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, data := doJSON(t, s, http.MethodGet, "/projects/"+p.ID, nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, p.ID, decode[domain.Project](t, data).ID)

	res, data = doJSON(t, s, http.MethodGet, "/projects?sort=name&order=asc&pageSize=5", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[repo.ProjectPage](t, data)
	assert.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Projects, 1)

	res, data = doJSON(t, s, http.MethodGet, "/projects", nil, bob)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page = decode[repo.ProjectPage](t, data)
	assert.Equal(t, 0, page.TotalCount)
	assert.NotNil(t, page.Projects)

	res, _ = doJSON(t, s, http.MethodGet, "/projects?sort=id", nil, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, s, http.MethodDelete, "/projects/"+p.ID, nil, viewer)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = doJSON(t, s, http.MethodDelete, "/projects/"+p.ID, nil, admin)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, s, http.MethodGet, "/projects/"+p.ID, nil, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListProjectsPageBounds(t *testing.T) {
	s := newTestServer(t)
	alice := bearer(t, "user:default/alice")
	createProject(t, s, alice, "Only")

	res, data := doJSON(t, s, http.MethodGet, "/projects?page=1000000000&pageSize=1000", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[repo.ProjectPage](t, data)
	assert.Equal(t, 1, page.TotalCount)
	assert.Empty(t, page.Projects)

	res, data = doJSON(t, s, http.MethodGet, "/projects?page=922337203685477581", nil, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestAuthOnlyGuardsBasePath(t *testing.T) {
	s := newTestServer(t)
	host := strings.TrimSuffix(s.URL, basePath)
	res, err := s.client.Get(host + basePath + "-other/projects")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = s.client.Get(host + basePath + "/projects")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateProjectValidation(t *testing.T) {
	s := newTestServer(t)
	alice := bearer(t, "user:default/alice")
	res, data := doJSON(t, s, http.MethodPost, "/projects", map[string]any{"name": "only name"}, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, s, http.MethodPost, "/projects", map[string]any{
		"name": "", "abbreviation": "X", "description": "d",
		"sourceRepoUrl": "s", "sourceRepoBranch": "main", "targetRepoUrl": "t", "targetRepoBranch": "main",
	}, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Contains(t, decode[errorEnvelope](t, data).Error.Message, "name is required")
}

func TestModuleAndJobFlow(t *testing.T) {
	s := newTestServer(t)
	alice := bearer(t, "user:default/alice")
	bob := bearer(t, "user:default/bob")
	p := createProject(t, s, alice, "Test Project")

	res, data := doJSON(t, s, http.MethodPost, "/projects/"+p.ID+"/modules", map[string]any{"name": "nginx", "sourcePath": "cookbooks/nginx"}, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	m := decode[domain.Module](t, data)

	res, _ = doJSON(t, s, http.MethodPost, "/projects/"+p.ID+"/modules", map[string]any{"name": "x", "sourcePath": "y"}, bob)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// Project-level init job reports a migration plan through the callback.
	res, data = doJSON(t, s, http.MethodPost, "/projects/"+p.ID+"/jobs", map[string]any{"phase": "init"}, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	initJob := decode[engine.StartedJob](t, data)
	require.NotEmpty(t, initJob.CallbackToken)

	callback := "/jobs/" + initJob.Job.ID + "/callback"
	res, _ = doJSON(t, s, http.MethodPost, callback, map[string]any{"status": "success"}, map[string]string{callbackTokenHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, s, http.MethodPost, callback, map[string]any{
		"status":    "success",
		"log":       "plan written\n",
		"artifacts": []map[string]string{{"type": "migration_plan", "value": "http://x/plan.md"}},
	}, map[string]string{callbackTokenHeader: initJob.CallbackToken})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[domain.Job](t, data)
	assert.Equal(t, domain.StatusSuccess, done.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.NotContains(t, string(data), initJob.CallbackToken)

	res, data = doJSON(t, s, http.MethodGet, "/projects/"+p.ID, nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[domain.Project](t, data)
	require.NotNil(t, got.MigrationPlan)
	assert.Equal(t, "http://x/plan.md", got.MigrationPlan.Value)

	// Module analyze job drives the module status.
	res, data = doJSON(t, s, http.MethodPost, "/projects/"+p.ID+"/jobs", map[string]any{"phase": "analyze", "moduleId": m.ID}, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	analyze := decode[engine.StartedJob](t, data)
	res, _ = doJSON(t, s, http.MethodPost, "/jobs/"+analyze.Job.ID+"/callback", map[string]any{"status": "running"},
		map[string]string{callbackTokenHeader: analyze.CallbackToken})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, s, http.MethodGet, "/projects/"+p.ID+"/modules", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	modules := decode[[]domain.Module](t, data)
	require.Len(t, modules, 1)
	assert.Equal(t, domain.StatusRunning, modules[0].Status)
	require.NotNil(t, modules[0].Analyze)
	assert.Equal(t, analyze.Job.ID, modules[0].Analyze.ID)

	res, data = doJSON(t, s, http.MethodGet, "/projects/"+p.ID+"/jobs?phase=analyze&lastJobOnly=true&moduleId="+m.ID, nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	jobs := decode[[]domain.Job](t, data)
	require.Len(t, jobs, 1)
	assert.Equal(t, analyze.Job.ID, jobs[0].ID)

	res, data = doJSON(t, s, http.MethodGet, "/projects/"+p.ID+"/jobs/"+initJob.Job.ID+"/log", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "plan written\n", decode[JobLogResponse](t, data).Log)

	res, data = doJSON(t, s, http.MethodGet, "/projects/"+p.ID+"/jobs/"+initJob.Job.ID, nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotContains(t, string(data), "plan written")

	other := createProject(t, s, alice, "Other")
	res, _ = doJSON(t, s, http.MethodGet, "/projects/"+other.ID+"/jobs/"+initJob.Job.ID, nil, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, s, http.MethodDelete, "/projects/"+p.ID+"/modules/"+m.ID, nil, alice)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, s, http.MethodGet, "/projects/"+p.ID+"/jobs/"+analyze.Job.ID, nil, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, s, http.MethodDelete, "/projects/"+p.ID+"/jobs/"+initJob.Job.ID, nil, alice)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, s, http.MethodDelete, "/projects/"+p.ID+"/jobs/"+initJob.Job.ID, nil, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCallbackUnknownJob(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodPost, "/jobs/missing/callback", map[string]any{"status": "running"},
		map[string]string{callbackTokenHeader: "x"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestOpenAPIServed(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/api/x2a/projects/{projectId}/modules")
	assert.Contains(t, string(data), "callbackToken")
}
