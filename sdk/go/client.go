package x2asdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal x2a HTTP API client. Runners only need Callback; the
// read methods use BearerToken.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:7007/api/x2a.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Artifact struct {
	ID    string `json:"id"`
	JobID string `json:"jobId"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Job struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	ModuleID     *string    `json:"moduleId,omitempty"`
	Phase        string     `json:"phase"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	ErrorDetails *string    `json:"errorDetails,omitempty"`
	K8sJobName   *string    `json:"k8sJobName,omitempty"`
	Artifacts    []Artifact `json:"artifacts"`
}

type Project struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Abbreviation     string    `json:"abbreviation"`
	Description      string    `json:"description"`
	SourceRepoURL    string    `json:"sourceRepoUrl"`
	SourceRepoBranch string    `json:"sourceRepoBranch"`
	TargetRepoURL    string    `json:"targetRepoUrl"`
	TargetRepoBranch string    `json:"targetRepoBranch"`
	CreatedBy        string    `json:"createdBy"`
	CreatedAt        time.Time `json:"createdAt"`
	MigrationPlan    *Artifact `json:"migrationPlan,omitempty"`
}

type ProjectPage struct {
	Projects   []Project `json:"projects"`
	TotalCount int       `json:"totalCount"`
}

type Module struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	SourcePath   string  `json:"sourcePath"`
	ProjectID    string  `json:"projectId"`
	Status       string  `json:"status,omitempty"`
	ErrorDetails *string `json:"errorDetails,omitempty"`
	Analyze      *Job    `json:"analyze,omitempty"`
	Migrate      *Job    `json:"migrate,omitempty"`
	Publish      *Job    `json:"publish,omitempty"`
}

// StartedJob carries the callback token, returned only when the job is started.
type StartedJob struct {
	Job           Job    `json:"job"`
	CallbackToken string `json:"callbackToken"`
}

type ArtifactInput struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// CallbackRequest is a runner report. Log is appended to the job's log.
type CallbackRequest struct {
	Status       string           `json:"status,omitempty"`
	ErrorDetails *string          `json:"errorDetails,omitempty"`
	K8sJobName   *string          `json:"k8sJobName,omitempty"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
	Log          *string          `json:"log,omitempty"`
	Artifacts    *[]ArtifactInput `json:"artifacts,omitempty"`
}

type CreateProjectRequest struct {
	Name             string `json:"name"`
	Abbreviation     string `json:"abbreviation"`
	Description      string `json:"description"`
	SourceRepoURL    string `json:"sourceRepoUrl"`
	SourceRepoBranch string `json:"sourceRepoBranch"`
	TargetRepoURL    string `json:"targetRepoUrl"`
	TargetRepoBranch string `json:"targetRepoBranch"`
}

type ListProjectsOptions struct {
	Page     int
	PageSize int
	Sort     string
	Order    string
}

type ListJobsOptions struct {
	ModuleID    string
	Phase       string
	LastJobOnly bool
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) ListProjects(ctx context.Context, opts ListProjectsOptions) (ProjectPage, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Order != "" {
		q.Set("order", opts.Order)
	}
	var resp ProjectPage
	err := c.do(ctx, http.MethodGet, withQuery("projects", q), nil, nil, &resp)
	return resp, err
}

// CreateProject creates a project owned by the token's subject.
func (c *Client) CreateProject(ctx context.Context, in CreateProjectRequest) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", nil, in, &resp)
	return resp, err
}

func (c *Client) CreateModule(ctx context.Context, projectID, name, sourcePath string) (Module, error) {
	body := map[string]string{"name": name, "sourcePath": sourcePath}
	var resp Module
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "modules"), nil, body, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(projectID, ""), nil, nil, &resp)
	return resp, err
}

func (c *Client) ListModules(ctx context.Context, projectID string) ([]Module, error) {
	var resp []Module
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "modules"), nil, nil, &resp)
	return resp, err
}

func (c *Client) GetModule(ctx context.Context, projectID, moduleID string) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "modules/"+url.PathEscape(moduleID)), nil, nil, &resp)
	return resp, err
}

func (c *Client) ListJobs(ctx context.Context, projectID string, opts ListJobsOptions) ([]Job, error) {
	q := url.Values{}
	if opts.ModuleID != "" {
		q.Set("moduleId", opts.ModuleID)
	}
	if opts.Phase != "" {
		q.Set("phase", opts.Phase)
	}
	if opts.LastJobOnly {
		q.Set("lastJobOnly", "true")
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, withQuery(projectPath(projectID, "jobs"), q), nil, nil, &resp)
	return resp, err
}

// JobLog returns the accumulated runner log of a job.
func (c *Client) JobLog(ctx context.Context, projectID, jobID string) (string, error) {
	var resp struct {
		Log string `json:"log"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "jobs/"+url.PathEscape(jobID)+"/log"), nil, nil, &resp)
	return resp.Log, err
}

// StartJob records a job; moduleID empty means a project-level job.
func (c *Client) StartJob(ctx context.Context, projectID, moduleID, phase, k8sJobName string) (StartedJob, error) {
	body := map[string]any{"phase": phase}
	if moduleID != "" {
		body["moduleId"] = moduleID
	}
	if k8sJobName != "" {
		body["k8sJobName"] = k8sJobName
	}
	var resp StartedJob
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "jobs"), nil, body, &resp)
	return resp, err
}

// Callback reports runner progress for a job using its callback token.
func (c *Client) Callback(ctx context.Context, jobID, token string, report CallbackRequest) (Job, error) {
	var resp Job
	headers := http.Header{"X-Callback-Token": []string{token}}
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/callback", headers, report, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers http.Header, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}
	if c.BearerToken != "" && headers.Get("X-Callback-Token") == "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	base := "projects/" + url.PathEscape(projectID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
