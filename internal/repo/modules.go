package repo

import (
	"context"
	"database/sql"
	"fmt"

	"x2a/internal/domain"
)

// CreateModule stores a module. A fresh module has no jobs and reads as pending.
func (r Repo) CreateModule(ctx context.Context, in domain.CreateModuleInput) (*domain.Module, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := domain.Module{
		ID:         newID(),
		Name:       in.Name,
		SourcePath: in.SourcePath,
		ProjectID:  in.ProjectID,
		Status:     domain.StatusPending,
	}
	_, err := r.DB.ExecContext(ctx, r.bind(`INSERT INTO modules(id,name,source_path,project_id) VALUES (?,?,?,?)`),
		m.ID, m.Name, m.SourcePath, m.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("insert module: %w", err)
	}
	return &m, nil
}

// GetModule returns the module of the project with its derived status.
func (r Repo) GetModule(ctx context.Context, projectID, id string) (*domain.Module, error) {
	var res *domain.Module
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		var m domain.Module
		err := tx.QueryRowContext(ctx, r.bind(`SELECT id,name,source_path,project_id FROM modules WHERE id=? AND project_id=?`), id, projectID).
			Scan(&m.ID, &m.Name, &m.SourcePath, &m.ProjectID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		latest, err := r.latestModuleJobs(ctx, tx, `module_id=?`, id)
		if err != nil {
			return err
		}
		domain.ApplyLatestJobs(&m, latest[m.ID])
		res = &m
		return nil
	})
	return res, err
}

// ListModules returns the project's modules ordered by name, each with its
// derived status. Latest jobs for all modules come from one query.
func (r Repo) ListModules(ctx context.Context, projectID string) ([]domain.Module, error) {
	res := []domain.Module{}
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, r.bind(`SELECT id,name,source_path,project_id FROM modules WHERE project_id=? ORDER BY name, id`), projectID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m domain.Module
			if err := rows.Scan(&m.ID, &m.Name, &m.SourcePath, &m.ProjectID); err != nil {
				return err
			}
			res = append(res, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(res) == 0 {
			return nil
		}
		latest, err := r.latestModuleJobs(ctx, tx, `project_id=? AND module_id IS NOT NULL`, projectID)
		if err != nil {
			return err
		}
		for i := range res {
			domain.ApplyLatestJobs(&res[i], latest[res[i].ID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteModule removes the module together with its jobs and their artifacts.
func (r Repo) DeleteModule(ctx context.Context, projectID, id string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.bind(`DELETE FROM modules WHERE id=? AND project_id=?`), id, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// latestModuleJobs returns, per module and per module phase, the most recently
// started job among the rows matching where. Logs are never selected.
func (r Repo) latestModuleJobs(ctx context.Context, q querier, where string, args ...any) (map[string]map[domain.Phase]*domain.Job, error) {
	phases := make([]string, len(domain.ModulePhases))
	for i, p := range domain.ModulePhases {
		phases[i] = string(p)
	}
	in, phaseArgs := inClause(phases)
	query := `SELECT ` + jobColumns + ` FROM (
  SELECT ` + jobColumns + `,
    ROW_NUMBER() OVER (PARTITION BY module_id, phase ORDER BY started_at DESC, id DESC) AS rn
  FROM jobs
  WHERE ` + where + ` AND phase IN ` + in + `
) ranked WHERE rn=1`
	args = append(args, phaseArgs...)
	rows, err := q.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows, false)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := r.attachArtifacts(ctx, q, jobs); err != nil {
		return nil, err
	}

	res := map[string]map[domain.Phase]*domain.Job{}
	for i := range jobs {
		j := &jobs[i]
		if j.ModuleID == nil {
			continue
		}
		byPhase, ok := res[*j.ModuleID]
		if !ok {
			byPhase = map[domain.Phase]*domain.Job{}
			res[*j.ModuleID] = byPhase
		}
		byPhase[j.Phase] = j
	}
	return res, nil
}
