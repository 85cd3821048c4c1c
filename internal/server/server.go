package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"x2a/internal/domain"
	"x2a/internal/engine"
	"x2a/internal/engine/auth"
	"x2a/internal/repo"
)

const DefaultBasePath = "/api/x2a"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failing route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	engine engine.Engine
	repo   repo.Repo
	policy auth.Policy
	logger *log.Logger
}

// New returns an HTTP handler exposing the x2a API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema and parameter validation failures are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	h := handlers{
		engine: cfg.Engine,
		repo:   cfg.Engine.Repo,
		policy: auth.Policy{
			ViewAllPermission:  cfg.Auth.AdminViewPermission,
			WriteAllPermission: cfg.Auth.AdminWritePermission,
		},
		logger: logger,
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("x2a API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, h)
	registerModules(group, h)
	registerJobs(group, h)
	registerCallback(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func notFound(what string) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", what+" not found", nil)
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidCallbackToken):
		return newAPIError(http.StatusForbidden, "invalid_callback_token", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "canceled", "request canceled", nil)
	default:
		h.logger.Printf("http: internal error: %v", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func (h handlers) caller(ctx context.Context) (domain.Caller, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return domain.Caller{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return h.policy.Caller(p.ActorID, p.Permissions), nil
}

// visibleProject resolves the project a nested route operates on. With write
// set, visibility follows the write capability instead of the read one, so a
// viewer cannot change projects it merely sees.
func (h handlers) visibleProject(ctx context.Context, projectID string, write bool) (*domain.Project, huma.StatusError) {
	c, authErr := h.caller(ctx)
	if authErr != nil {
		return nil, authErr
	}
	if write {
		c.CanViewAll = c.CanWriteAll
	}
	p, err := h.repo.GetProject(ctx, projectID, c)
	if err != nil {
		return nil, h.handleError(err)
	}
	if p == nil {
		return nil, notFound("project")
	}
	return p, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Type: "object"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["callbackToken"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: callbackTokenHeader,
	}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			switch {
			case route == path.Join(basePath, "health"):
				op.Security = []map[string][]string{}
			case isCallbackPath(basePath, route):
				op.Security = []map[string][]string{{"callbackToken": {}}}
			default:
				op.Security = bearer
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>x2a API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *ListProjectsRequest) (*struct {
		Body repo.ProjectPage `json:"body"`
	}, error) {
		c, authErr := h.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := h.repo.ListProjects(ctx, repo.ListProjectsParams{
			Page:     input.Page,
			PageSize: input.PageSize,
			Sort:     input.Sort,
			Order:    input.Order,
		}, c)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body repo.ProjectPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body domain.CreateProjectInput `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		c, authErr := h.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.repo.CreateProject(ctx, input.Body, c)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}",
		Summary:     "Get project",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, apiErr := h.visibleProject(ctx, input.ProjectID, false)
		if apiErr != nil {
			return nil, apiErr
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{projectId}",
		Summary:       "Delete project with its modules, jobs and artifacts",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		c, authErr := h.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := h.repo.DeleteProject(ctx, input.ProjectID, c)
		if err != nil {
			return nil, h.handleError(err)
		}
		if n == 0 {
			return nil, notFound("project")
		}
		return nil, nil
	})
}

func registerModules(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-modules",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/modules",
		Summary:     "List modules with derived status",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Module `json:"body"`
	}, error) {
		if _, apiErr := h.visibleProject(ctx, input.ProjectID, false); apiErr != nil {
			return nil, apiErr
		}
		modules, err := h.repo.ListModules(ctx, input.ProjectID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Module `json:"body"`
		}{Body: modules}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-module",
		Method:        http.MethodPost,
		Path:          "/projects/{projectId}/modules",
		Summary:       "Create module",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"projectId"`
		Body      CreateModuleRequest `json:"body"`
	}) (*struct {
		Body domain.Module `json:"body"`
	}, error) {
		if _, apiErr := h.visibleProject(ctx, input.ProjectID, true); apiErr != nil {
			return nil, apiErr
		}
		m, err := h.repo.CreateModule(ctx, domain.CreateModuleInput{
			Name:       input.Body.Name,
			SourcePath: input.Body.SourcePath,
			ProjectID:  input.ProjectID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Module `json:"body"`
		}{Body: *m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-module",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/modules/{moduleId}",
		Summary:     "Get module with derived status",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *modulePath) (*struct {
		Body domain.Module `json:"body"`
	}, error) {
		if _, apiErr := h.visibleProject(ctx, input.ProjectID, false); apiErr != nil {
			return nil, apiErr
		}
		m, err := h.repo.GetModule(ctx, input.ProjectID, input.ModuleID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if m == nil {
			return nil, notFound("module")
		}
		return &struct {
			Body domain.Module `json:"body"`
		}{Body: *m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-module",
		Method:        http.MethodDelete,
		Path:          "/projects/{projectId}/modules/{moduleId}",
		Summary:       "Delete module with its jobs and artifacts",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *modulePath) (*struct{}, error) {
		if _, apiErr := h.visibleProject(ctx, input.ProjectID, true); apiErr != nil {
			return nil, apiErr
		}
		n, err := h.repo.DeleteModule(ctx, input.ProjectID, input.ModuleID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if n == 0 {
			return nil, notFound("module")
		}
		return nil, nil
	})
}

func registerJobs(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/jobs",
		Summary:     "List jobs newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ListJobsRequest) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		if _, apiErr := h.visibleProject(ctx, input.ProjectID, false); apiErr != nil {
			return nil, apiErr
		}
		params := repo.ListJobsParams{ProjectID: input.ProjectID, LastJobOnly: input.LastJobOnly}
		if input.ModuleID != "" {
			params.ModuleID = &input.ModuleID
		}
		if input.Phase != "" {
			phase := domain.Phase(input.Phase)
			params.Phase = &phase
		}
		jobs, err := h.repo.ListJobs(ctx, params)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-job",
		Method:        http.MethodPost,
		Path:          "/projects/{projectId}/jobs",
		Summary:       "Record a job for the runner and issue its callback token",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"projectId"`
		Body      StartJobRequest `json:"body"`
	}) (*struct {
		Body engine.StartedJob `json:"body"`
	}, error) {
		if _, apiErr := h.visibleProject(ctx, input.ProjectID, true); apiErr != nil {
			return nil, apiErr
		}
		if input.Body.ModuleID != nil {
			m, err := h.repo.GetModule(ctx, input.ProjectID, *input.Body.ModuleID)
			if err != nil {
				return nil, h.handleError(err)
			}
			if m == nil {
				return nil, notFound("module")
			}
		}
		started, err := h.engine.StartJob(ctx, engine.StartJobOptions{
			ProjectID:  input.ProjectID,
			ModuleID:   input.Body.ModuleID,
			Phase:      domain.Phase(input.Body.Phase),
			K8sJobName: input.Body.K8sJobName,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.StartedJob `json:"body"`
		}{Body: started}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/jobs/{jobId}",
		Summary:     "Get job without its log",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, apiErr := h.projectJob(ctx, input, false)
		if apiErr != nil {
			return nil, apiErr
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: *j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-log",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/jobs/{jobId}/log",
		Summary:     "Get job log",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobLogResponse `json:"body"`
	}, error) {
		j, apiErr := h.projectJob(ctx, input, true)
		if apiErr != nil {
			return nil, apiErr
		}
		return &struct {
			Body JobLogResponse `json:"body"`
		}{Body: JobLogResponse{JobID: j.ID, Log: stringOrEmpty(j.Log)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-job",
		Method:        http.MethodDelete,
		Path:          "/projects/{projectId}/jobs/{jobId}",
		Summary:       "Delete job with its artifacts",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct{}, error) {
		if _, apiErr := h.visibleProject(ctx, input.ProjectID, true); apiErr != nil {
			return nil, apiErr
		}
		j, err := h.repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if j == nil || j.ProjectID != input.ProjectID {
			return nil, notFound("job")
		}
		n, err := h.repo.DeleteJob(ctx, input.JobID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if n == 0 {
			return nil, notFound("job")
		}
		return nil, nil
	})
}

func (h handlers) projectJob(ctx context.Context, input *jobPath, withLog bool) (*domain.Job, huma.StatusError) {
	if _, apiErr := h.visibleProject(ctx, input.ProjectID, false); apiErr != nil {
		return nil, apiErr
	}
	get := h.repo.GetJob
	if withLog {
		get = h.repo.GetJobWithLog
	}
	j, err := get(ctx, input.JobID)
	if err != nil {
		return nil, h.handleError(err)
	}
	if j == nil || j.ProjectID != input.ProjectID {
		return nil, notFound("job")
	}
	return j, nil
}

func registerCallback(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "job-callback",
		Method:      http.MethodPost,
		Path:        "/jobs/{jobId}/callback",
		Summary:     "Runner status report, authenticated by the job's callback token",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string          `path:"jobId"`
		Token string          `header:"X-Callback-Token"`
		Body  CallbackRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		var status *domain.JobStatus
		if input.Body.Status != nil {
			s := domain.JobStatus(*input.Body.Status)
			status = &s
		}
		j, err := h.engine.HandleCallback(ctx, engine.CallbackInput{
			JobID:        input.JobID,
			Token:        input.Token,
			Status:       status,
			ErrorDetails: input.Body.ErrorDetails,
			K8sJobName:   input.Body.K8sJobName,
			FinishedAt:   input.Body.FinishedAt,
			LogChunk:     input.Body.Log,
			Artifacts:    input.Body.Artifacts,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		if j == nil {
			return nil, notFound("job")
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: *j}, nil
	})
}
