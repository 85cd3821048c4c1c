package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"x2a/internal/db"
	"x2a/internal/domain"
)

const jobColumns = `id,project_id,module_id,phase,status,started_at,finished_at,error_details,k8s_job_name`

// ListJobsParams filters listJobs. ModuleID and Phase are optional; without a
// module every job of the project matches, project-level ones included.
type ListJobsParams struct {
	ProjectID   string
	ModuleID    *string
	Phase       *domain.Phase
	LastJobOnly bool
}

func scanJob(s rowScanner, withLog bool) (domain.Job, error) {
	var j domain.Job
	var moduleID, errorDetails, k8sJobName, log sql.NullString
	var startedAt, finishedAt db.NullTime
	dest := []any{&j.ID, &j.ProjectID, &moduleID, &j.Phase, &j.Status, &startedAt, &finishedAt, &errorDetails, &k8sJobName}
	if withLog {
		dest = append(dest, &log)
	}
	if err := s.Scan(dest...); err != nil {
		return j, err
	}
	j.ModuleID = stringPtr(moduleID)
	j.StartedAt = startedAt.Time
	j.FinishedAt = finishedAt.Ptr()
	j.ErrorDetails = stringPtr(errorDetails)
	j.K8sJobName = stringPtr(k8sJobName)
	j.Log = stringPtr(log)
	return j, nil
}

// CreateJob inserts the job and its artifacts in one transaction. The result
// carries the supplied log but never the callback token.
func (r Repo) CreateJob(ctx context.Context, in domain.CreateJobInput) (*domain.Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	job := domain.Job{
		ID:           newID(),
		ProjectID:    in.ProjectID,
		ModuleID:     in.ModuleID,
		Phase:        in.Phase,
		Status:       domain.StatusPending,
		Log:          in.Log,
		StartedAt:    r.now(),
		ErrorDetails: in.ErrorDetails,
		K8sJobName:   in.K8sJobName,
		Artifacts:    []domain.Artifact{},
	}
	if in.Status != nil {
		job.Status = *in.Status
	}
	if in.StartedAt != nil {
		job.StartedAt = in.StartedAt.UTC().Truncate(db.Precision)
	}
	if in.FinishedAt != nil {
		t := in.FinishedAt.UTC().Truncate(db.Precision)
		job.FinishedAt = &t
	}

	err := r.writeTx(ctx, func(tx *sql.Tx) error {
		if in.ModuleID != nil {
			var owner string
			err := tx.QueryRowContext(ctx, r.bind(`SELECT project_id FROM modules WHERE id=?`), *in.ModuleID).Scan(&owner)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if err == nil && owner != in.ProjectID {
				return fmt.Errorf("%w: module %s does not belong to project %s", domain.ErrInvalidInput, *in.ModuleID, in.ProjectID)
			}
		}
		_, err := tx.ExecContext(ctx, r.bind(`INSERT INTO jobs(`+jobColumns+`,log,callback_token) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
			job.ID, job.ProjectID, nullableStringPtr(job.ModuleID), string(job.Phase), string(job.Status),
			r.DB.TimeArg(job.StartedAt), r.nullableTime(job.FinishedAt), nullableStringPtr(job.ErrorDetails),
			nullableStringPtr(job.K8sJobName), nullableStringPtr(job.Log), nullableStringPtr(in.CallbackToken))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		job.Artifacts, err = r.insertArtifacts(ctx, tx, job.ID, in.Artifacts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob returns the job with its artifacts and without its log.
func (r Repo) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return r.getJob(ctx, id, false)
}

// GetJobWithLog is GetJob plus the log column.
func (r Repo) GetJobWithLog(ctx context.Context, id string) (*domain.Job, error) {
	return r.getJob(ctx, id, true)
}

func (r Repo) getJob(ctx context.Context, id string, withLog bool) (*domain.Job, error) {
	var res *domain.Job
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = r.getJobTx(ctx, tx, id, withLog)
		return err
	})
	return res, err
}

func (r Repo) getJobTx(ctx context.Context, q querier, id string, withLog bool) (*domain.Job, error) {
	cols := jobColumns
	if withLog {
		cols += ",log"
	}
	j, err := scanJob(q.QueryRowContext(ctx, r.bind(`SELECT `+cols+` FROM jobs WHERE id=?`), id), withLog)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobs := []domain.Job{j}
	if err := r.attachArtifacts(ctx, q, jobs); err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

// ListJobs returns matching jobs newest first. Equal start times are ordered
// by id so the order is stable on every engine.
func (r Repo) ListJobs(ctx context.Context, p ListJobsParams) ([]domain.Job, error) {
	if p.ProjectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", domain.ErrInvalidInput)
	}
	if p.Phase != nil && !p.Phase.Valid() {
		return nil, fmt.Errorf("%w: unknown phase %q", domain.ErrInvalidInput, *p.Phase)
	}
	clauses := []string{"project_id=?"}
	args := []any{p.ProjectID}
	if p.ModuleID != nil {
		clauses = append(clauses, "module_id=?")
		args = append(args, *p.ModuleID)
	}
	if p.Phase != nil {
		clauses = append(clauses, "phase=?")
		args = append(args, string(*p.Phase))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	if p.LastJobOnly {
		query += " LIMIT 1"
	}

	res := []domain.Job{}
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, r.bind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows, false)
			if err != nil {
				return err
			}
			res = append(res, j)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		return r.attachArtifacts(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r Repo) ListJobsForProject(ctx context.Context, projectID string) ([]domain.Job, error) {
	return r.ListJobs(ctx, ListJobsParams{ProjectID: projectID})
}

func (r Repo) ListJobsForModule(ctx context.Context, projectID, moduleID string) ([]domain.Job, error) {
	return r.ListJobs(ctx, ListJobsParams{ProjectID: projectID, ModuleID: &moduleID})
}

// UpdateJob applies the set fields of in in one transaction. Artifacts, when
// set, replace the whole artifact set. A missing job yields nil and nothing
// is written.
func (r Repo) UpdateJob(ctx context.Context, in domain.UpdateJobInput) (*domain.Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var res *domain.Job
	err := r.writeTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, r.bind(`SELECT 1 FROM jobs WHERE id=?`), in.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		var (
			fields []string
			args   []any
		)
		if in.Status != nil {
			fields = append(fields, "status=?")
			args = append(args, string(*in.Status))
		}
		switch {
		case in.Log != nil && in.AppendLog != nil:
			fields = append(fields, "log=?")
			args = append(args, *in.Log+*in.AppendLog)
		case in.Log != nil:
			fields = append(fields, "log=?")
			args = append(args, *in.Log)
		case in.AppendLog != nil:
			fields = append(fields, "log=COALESCE(log,'') || ?")
			args = append(args, *in.AppendLog)
		}
		if in.FinishedAt != nil {
			fields = append(fields, "finished_at=?")
			args = append(args, r.DB.TimeArg(*in.FinishedAt))
		}
		if in.ErrorDetails != nil {
			fields = append(fields, "error_details=?")
			args = append(args, *in.ErrorDetails)
		}
		if in.K8sJobName != nil {
			fields = append(fields, "k8s_job_name=?")
			args = append(args, *in.K8sJobName)
		}
		if len(fields) > 0 {
			args = append(args, in.ID)
			if _, err := tx.ExecContext(ctx, r.bind(`UPDATE jobs SET `+strings.Join(fields, ",")+` WHERE id=?`), args...); err != nil {
				return fmt.Errorf("update job: %w", err)
			}
		}
		if in.Artifacts != nil {
			if _, err := tx.ExecContext(ctx, r.bind(`DELETE FROM artifacts WHERE job_id=?`), in.ID); err != nil {
				return fmt.Errorf("clear artifacts: %w", err)
			}
			if _, err := r.insertArtifacts(ctx, tx, in.ID, *in.Artifacts); err != nil {
				return err
			}
		}
		res, err = r.getJobTx(ctx, tx, in.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteJob removes the job and, through the cascade, its artifacts.
func (r Repo) DeleteJob(ctx context.Context, id string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.bind(`DELETE FROM jobs WHERE id=?`), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendJobLog appends chunk to the job log in a single statement so
// concurrent appends never lose each other's output.
func (r Repo) AppendJobLog(ctx context.Context, id, chunk string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.bind(`UPDATE jobs SET log=COALESCE(log,'') || ? WHERE id=?`), chunk, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// JobCallbackToken is the only read of the callback token. ok is false when
// the job does not exist; token is empty when none was issued.
func (r Repo) JobCallbackToken(ctx context.Context, id string) (token string, ok bool, err error) {
	var v sql.NullString
	err = r.DB.QueryRowContext(ctx, r.bind(`SELECT callback_token FROM jobs WHERE id=?`), id).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

func (r Repo) insertArtifacts(ctx context.Context, tx *sql.Tx, jobID string, in []domain.ArtifactInput) ([]domain.Artifact, error) {
	res := make([]domain.Artifact, 0, len(in))
	for _, a := range in {
		art := domain.Artifact{ID: newID(), JobID: jobID, Type: a.Type, Value: a.Value}
		if _, err := tx.ExecContext(ctx, r.bind(`INSERT INTO artifacts(id,job_id,type,value) VALUES (?,?,?,?)`),
			art.ID, art.JobID, string(art.Type), art.Value); err != nil {
			return nil, fmt.Errorf("insert artifact: %w", err)
		}
		res = append(res, art)
	}
	return res, nil
}

// attachArtifacts loads the artifacts of all jobs in one query.
func (r Repo) attachArtifacts(ctx context.Context, q querier, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
		jobs[i].Artifacts = []domain.Artifact{}
	}
	byJob, err := r.artifactsByJob(ctx, q, ids)
	if err != nil {
		return err
	}
	for i := range jobs {
		if arts, ok := byJob[jobs[i].ID]; ok {
			jobs[i].Artifacts = arts
		}
	}
	return nil
}

func (r Repo) artifactsByJob(ctx context.Context, q querier, jobIDs []string) (map[string][]domain.Artifact, error) {
	in, args := inClause(jobIDs)
	rows, err := q.QueryContext(ctx, r.bind(`SELECT id,job_id,type,value FROM artifacts WHERE job_id IN `+in+` ORDER BY job_id, id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.Artifact{}
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Type, &a.Value); err != nil {
			return nil, err
		}
		res[a.JobID] = append(res[a.JobID], a)
	}
	return res, rows.Err()
}
