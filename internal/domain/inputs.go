package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateProjectInput is the payload of createProject. The owner is never part
// of it; it comes from the caller's credentials.
type CreateProjectInput struct {
	Name             string `json:"name" validate:"required"`
	Abbreviation     string `json:"abbreviation" validate:"required"`
	Description      string `json:"description" validate:"required"`
	SourceRepoURL    string `json:"sourceRepoUrl" validate:"required"`
	SourceRepoBranch string `json:"sourceRepoBranch" validate:"required"`
	TargetRepoURL    string `json:"targetRepoUrl" validate:"required"`
	TargetRepoBranch string `json:"targetRepoBranch" validate:"required"`
}

func (in CreateProjectInput) Validate() error {
	return validationError(validate.Struct(in))
}

type CreateModuleInput struct {
	Name       string `json:"name" validate:"required"`
	SourcePath string `json:"sourcePath" validate:"required"`
	ProjectID  string `json:"projectId" validate:"required"`
}

func (in CreateModuleInput) Validate() error {
	return validationError(validate.Struct(in))
}

type ArtifactInput struct {
	Type  ArtifactType `json:"type" validate:"required"`
	Value string       `json:"value" validate:"required"`
}

// CreateJobInput is stored verbatim; Status defaults to pending and StartedAt
// to the creation time.
type CreateJobInput struct {
	ProjectID     string          `json:"projectId" validate:"required"`
	ModuleID      *string         `json:"moduleId,omitempty" validate:"omitempty,min=1"`
	Phase         Phase           `json:"phase" validate:"required,oneof=init analyze migrate publish"`
	Status        *JobStatus      `json:"status,omitempty" validate:"omitempty,oneof=pending running success error"`
	Log           *string         `json:"log,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
	ErrorDetails  *string         `json:"errorDetails,omitempty"`
	K8sJobName    *string         `json:"k8sJobName,omitempty"`
	CallbackToken *string         `json:"callbackToken,omitempty"`
	Artifacts     []ArtifactInput `json:"artifacts,omitempty" validate:"dive"`
}

func (in CreateJobInput) Validate() error {
	return validationError(validate.Struct(in))
}

// UpdateJobInput carries a partial update; nil fields are left untouched.
// A non-nil Artifacts replaces the job's artifact set, an empty one clears it.
type UpdateJobInput struct {
	ID           string           `json:"id" validate:"required"`
	Status       *JobStatus       `json:"status,omitempty" validate:"omitempty,oneof=pending running success error"`
	Log          *string          `json:"log,omitempty"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
	ErrorDetails *string          `json:"errorDetails,omitempty"`
	K8sJobName   *string          `json:"k8sJobName,omitempty"`
	Artifacts    *[]ArtifactInput `json:"artifacts,omitempty"`
	// AppendLog is added to the end of the log, after Log if both are set.
	AppendLog *string `json:"-"`
}

func (in UpdateJobInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	if in.Artifacts != nil {
		for i, a := range *in.Artifacts {
			if err := validate.Struct(a); err != nil {
				return fmt.Errorf("artifacts[%d]: %w", i, validationError(err))
			}
		}
	}
	return nil
}

// Empty reports whether the update would change nothing.
func (in UpdateJobInput) Empty() bool {
	return in.Status == nil && in.Log == nil && in.FinishedAt == nil &&
		in.ErrorDetails == nil && in.K8sJobName == nil && in.Artifacts == nil &&
		in.AppendLog == nil
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}
