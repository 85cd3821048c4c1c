package server

import (
	"time"

	"x2a/internal/domain"
)

type projectPath struct {
	ProjectID string `path:"projectId"`
}

type modulePath struct {
	ProjectID string `path:"projectId"`
	ModuleID  string `path:"moduleId"`
}

type jobPath struct {
	ProjectID string `path:"projectId"`
	JobID     string `path:"jobId"`
}

type ListProjectsRequest struct {
	Page     int    `query:"page" minimum:"0" maximum:"1000000000" doc:"Zero-based page index"`
	PageSize int    `query:"pageSize" minimum:"0" maximum:"1000" doc:"Rows per page, 10 when omitted"`
	Sort     string `query:"sort" enum:"createdAt,name,createdBy"`
	Order    string `query:"order" enum:"asc,desc"`
}

type ListJobsRequest struct {
	ProjectID   string `path:"projectId"`
	ModuleID    string `query:"moduleId"`
	Phase       string `query:"phase" enum:"init,analyze,migrate,publish"`
	LastJobOnly bool   `query:"lastJobOnly"`
}

type CreateModuleRequest struct {
	Name       string `json:"name" minLength:"1"`
	SourcePath string `json:"sourcePath" minLength:"1"`
}

type StartJobRequest struct {
	ModuleID   *string `json:"moduleId,omitempty"`
	Phase      string  `json:"phase" enum:"init,analyze,migrate,publish"`
	K8sJobName *string `json:"k8sJobName,omitempty"`
}

// CallbackRequest is what the runner posts. Log is appended, not replaced.
type CallbackRequest struct {
	Status       *string                 `json:"status,omitempty" enum:"pending,running,success,error"`
	ErrorDetails *string                 `json:"errorDetails,omitempty"`
	K8sJobName   *string                 `json:"k8sJobName,omitempty"`
	FinishedAt   *time.Time              `json:"finishedAt,omitempty"`
	Log          *string                 `json:"log,omitempty"`
	Artifacts    *[]domain.ArtifactInput `json:"artifacts,omitempty"`
}

type JobLogResponse struct {
	JobID string `json:"jobId"`
	Log   string `json:"log"`
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
