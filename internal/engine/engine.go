package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"x2a/internal/db"
	"x2a/internal/domain"
	"x2a/internal/repo"
)

// ErrInvalidCallbackToken rejects a runner callback whose token does not match
// the one issued when the job was started.
var ErrInvalidCallbackToken = errors.New("invalid callback token")

// Engine sits between the HTTP layer and the repositories for the job runner
// round trip: it issues callback tokens and applies authenticated callbacks.
type Engine struct {
	Repo   repo.Repo
	Logger *log.Logger
	Now    func() time.Time
}

func New(conn *db.DB) Engine {
	return Engine{
		Repo: repo.Repo{DB: conn},
		Now:  time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(db.Precision)
	}
	return db.Now()
}

func (e Engine) logf(format string, args ...any) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

// StartJobOptions describes the job handed to the external runner.
type StartJobOptions struct {
	ProjectID  string
	ModuleID   *string
	Phase      domain.Phase
	K8sJobName *string
}

// StartedJob is returned once; the token is not readable afterwards.
type StartedJob struct {
	Job           *domain.Job `json:"job"`
	CallbackToken string      `json:"callbackToken"`
}

// StartJob records a pending job with a fresh callback token.
func (e Engine) StartJob(ctx context.Context, opts StartJobOptions) (StartedJob, error) {
	token := newCallbackToken()
	started := e.now()
	job, err := e.Repo.CreateJob(ctx, domain.CreateJobInput{
		ProjectID:     opts.ProjectID,
		ModuleID:      opts.ModuleID,
		Phase:         opts.Phase,
		StartedAt:     &started,
		K8sJobName:    opts.K8sJobName,
		CallbackToken: &token,
	})
	if err != nil {
		return StartedJob{}, err
	}
	e.logf("callback: issued token for %s job %s", job.Phase, job.ID)
	return StartedJob{Job: job, CallbackToken: token}, nil
}

func newCallbackToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// CallbackInput is a status report from the runner. LogChunk is appended to
// the job log; every other set field overwrites the stored one.
type CallbackInput struct {
	JobID        string
	Token        string
	Status       *domain.JobStatus
	ErrorDetails *string
	K8sJobName   *string
	FinishedAt   *time.Time
	LogChunk     *string
	Artifacts    *[]domain.ArtifactInput
}

// HandleCallback authenticates the runner against the job's token and applies
// the report. A terminal status without finishedAt is stamped with now.
// An unknown job yields nil without error.
func (e Engine) HandleCallback(ctx context.Context, in CallbackInput) (*domain.Job, error) {
	if in.JobID == "" {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrInvalidInput)
	}
	token, ok, err := e.Repo.JobCallbackToken(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(in.Token)) != 1 {
		e.logf("callback: rejected token for job %s", in.JobID)
		return nil, ErrInvalidCallbackToken
	}

	upd := domain.UpdateJobInput{
		ID:           in.JobID,
		Status:       in.Status,
		ErrorDetails: in.ErrorDetails,
		K8sJobName:   in.K8sJobName,
		FinishedAt:   in.FinishedAt,
		Artifacts:    in.Artifacts,
	}
	if in.LogChunk != nil && *in.LogChunk != "" {
		upd.AppendLog = in.LogChunk
	}
	if upd.Status != nil && upd.Status.Terminal() && upd.FinishedAt == nil {
		now := e.now()
		upd.FinishedAt = &now
	}
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	var job *domain.Job
	if upd.Empty() {
		job, err = e.Repo.GetJob(ctx, in.JobID)
	} else {
		job, err = e.Repo.UpdateJob(ctx, upd)
	}
	if err != nil {
		return nil, err
	}
	if job != nil && in.Status != nil {
		e.logf("callback: job %s is %s", job.ID, job.Status)
	}
	return job, nil
}
