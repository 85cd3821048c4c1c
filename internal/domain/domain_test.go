package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestApplyLatestJobs(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	t.Run("no jobs is pending", func(t *testing.T) {
		m := Module{ID: "m1", Status: StatusRunning, ErrorDetails: strPtr("stale")}
		ApplyLatestJobs(&m, nil)
		assert.Equal(t, StatusPending, m.Status)
		assert.Nil(t, m.ErrorDetails)
		assert.Nil(t, m.Analyze)
		assert.Nil(t, m.Migrate)
		assert.Nil(t, m.Publish)
	})

	t.Run("most recent job wins", func(t *testing.T) {
		analyze := &Job{ID: "a", Phase: PhaseAnalyze, Status: StatusSuccess, StartedAt: t1}
		migrate := &Job{ID: "b", Phase: PhaseMigrate, Status: StatusRunning, StartedAt: t2}
		var m Module
		ApplyLatestJobs(&m, map[Phase]*Job{PhaseAnalyze: analyze, PhaseMigrate: migrate})
		assert.Equal(t, StatusRunning, m.Status)
		assert.Same(t, analyze, m.Analyze)
		assert.Same(t, migrate, m.Migrate)
		assert.Nil(t, m.Publish)
	})

	t.Run("order of phases does not matter", func(t *testing.T) {
		analyze := &Job{ID: "a", Phase: PhaseAnalyze, Status: StatusError, StartedAt: t2, ErrorDetails: strPtr("boom")}
		migrate := &Job{ID: "b", Phase: PhaseMigrate, Status: StatusSuccess, StartedAt: t1}
		var m Module
		ApplyLatestJobs(&m, map[Phase]*Job{PhaseAnalyze: analyze, PhaseMigrate: migrate})
		assert.Equal(t, StatusError, m.Status)
		require.NotNil(t, m.ErrorDetails)
		assert.Equal(t, "boom", *m.ErrorDetails)
	})

	t.Run("error details only for error status", func(t *testing.T) {
		analyze := &Job{ID: "a", Phase: PhaseAnalyze, Status: StatusSuccess, StartedAt: t1, ErrorDetails: strPtr("ignored")}
		var m Module
		ApplyLatestJobs(&m, map[Phase]*Job{PhaseAnalyze: analyze})
		assert.Equal(t, StatusSuccess, m.Status)
		assert.Nil(t, m.ErrorDetails)
	})

	t.Run("tie goes to later phase", func(t *testing.T) {
		migrate := &Job{ID: "b", Phase: PhaseMigrate, Status: StatusSuccess, StartedAt: t1}
		publish := &Job{ID: "c", Phase: PhasePublish, Status: StatusRunning, StartedAt: t1}
		var m Module
		ApplyLatestJobs(&m, map[Phase]*Job{PhaseMigrate: migrate, PhasePublish: publish})
		assert.Equal(t, StatusRunning, m.Status)
	})
}

func TestEnumerations(t *testing.T) {
	for _, p := range []Phase{PhaseInit, PhaseAnalyze, PhaseMigrate, PhasePublish} {
		assert.True(t, p.Valid(), p)
	}
	assert.False(t, Phase("deploy").Valid())

	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, JobStatus("done").Valid())
}

func TestCreateProjectInputValidate(t *testing.T) {
	in := CreateProjectInput{
		Name:             "Project",
		Abbreviation:     "PR",
		Description:      "desc",
		SourceRepoURL:    "https://github.com/org/src",
		SourceRepoBranch: "main",
		TargetRepoURL:    "https://github.com/org/dst",
		TargetRepoBranch: "main",
	}
	require.NoError(t, in.Validate())

	in.Name = ""
	in.TargetRepoBranch = ""
	err := in.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "targetRepoBranch is required")
}

func TestCreateJobInputValidate(t *testing.T) {
	ok := CreateJobInput{ProjectID: "p1", Phase: PhaseInit}
	require.NoError(t, ok.Validate())

	bad := StatusPending + "x"
	tests := []struct {
		name string
		in   CreateJobInput
		want string
	}{
		{"missing project", CreateJobInput{Phase: PhaseInit}, "projectId is required"},
		{"unknown phase", CreateJobInput{ProjectID: "p1", Phase: "deploy"}, "phase must be one of"},
		{"unknown status", CreateJobInput{ProjectID: "p1", Phase: PhaseInit, Status: &bad}, "status must be one of"},
		{"empty module id", CreateJobInput{ProjectID: "p1", Phase: PhaseInit, ModuleID: strPtr("")}, "moduleId"},
		{"artifact without value", CreateJobInput{ProjectID: "p1", Phase: PhaseInit, Artifacts: []ArtifactInput{{Type: ArtifactMigrationPlan}}}, "artifacts[0].value is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUpdateJobInput(t *testing.T) {
	assert.True(t, UpdateJobInput{ID: "j1"}.Empty())
	empty := []ArtifactInput{}
	assert.False(t, UpdateJobInput{ID: "j1", Artifacts: &empty}.Empty())
	chunk := "x"
	assert.False(t, UpdateJobInput{ID: "j1", AppendLog: &chunk}.Empty())
	require.NoError(t, UpdateJobInput{ID: "j1", Artifacts: &empty}.Validate())

	assert.ErrorIs(t, UpdateJobInput{}.Validate(), ErrInvalidInput)

	broken := []ArtifactInput{{Type: "", Value: "x"}}
	err := UpdateJobInput{ID: "j1", Artifacts: &broken}.Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "artifacts[0]")
}
