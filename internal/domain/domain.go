package domain

import (
	"errors"
	"time"
)

// ErrInvalidInput marks a rejected call; the store is never touched.
var ErrInvalidInput = errors.New("invalid input")

type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseAnalyze Phase = "analyze"
	PhaseMigrate Phase = "migrate"
	PhasePublish Phase = "publish"
)

// ModulePhases are the phases whose latest job is attached to a module.
var ModulePhases = []Phase{PhaseAnalyze, PhaseMigrate, PhasePublish}

func (p Phase) Valid() bool {
	switch p {
	case PhaseInit, PhaseAnalyze, PhaseMigrate, PhasePublish:
		return true
	}
	return false
}

type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusError   JobStatus = "error"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further status change is expected.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

type ArtifactType string

const (
	ArtifactMigrationPlan       ArtifactType = "migration_plan"
	ArtifactModuleMigrationPlan ArtifactType = "module_migration_plan"
	ArtifactMigratedSources     ArtifactType = "migrated_sources"
)

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
	CreatedAt        time.Time `json:"createdAt" format:"date-time"`
	// MigrationPlan is derived at read time, never stored.
	MigrationPlan *Artifact `json:"migrationPlan,omitempty"`
}

type Module struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SourcePath string `json:"sourcePath"`
	ProjectID  string `json:"projectId"`

	// Derived from the module's jobs on every read.
	Status       JobStatus `json:"status,omitempty" enum:"pending,running,success,error"`
	ErrorDetails *string   `json:"errorDetails,omitempty"`
	Analyze      *Job      `json:"analyze,omitempty"`
	Migrate      *Job      `json:"migrate,omitempty"`
	Publish      *Job      `json:"publish,omitempty"`
}

// Job is the read view of a job row. The callback token has no field here so
// it cannot leak through any read.
type Job struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	ModuleID     *string    `json:"moduleId,omitempty"`
	Phase        Phase      `json:"phase" enum:"init,analyze,migrate,publish"`
	Status       JobStatus  `json:"status" enum:"pending,running,success,error"`
	Log          *string    `json:"log,omitempty"`
	StartedAt    time.Time  `json:"startedAt" format:"date-time"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty" format:"date-time"`
	ErrorDetails *string    `json:"errorDetails,omitempty"`
	K8sJobName   *string    `json:"k8sJobName,omitempty"`
	Artifacts    []Artifact `json:"artifacts"`
}

type Artifact struct {
	ID    string       `json:"id"`
	JobID string       `json:"jobId"`
	Type  ArtifactType `json:"type"`
	Value string       `json:"value"`
}

// Caller is the acting identity plus the capability flags computed by the
// authorization layer.
type Caller struct {
	Credentials string
	CanViewAll  bool
	CanWriteAll bool
}
