package repo

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"x2a/internal/db"
	"x2a/internal/domain"
)

const projectColumns = `id,name,abbreviation,description,source_repo_url,source_repo_branch,target_repo_url,target_repo_branch,created_by,created_at`

const (
	DefaultPageSize = 10

	SortCreatedAt = "createdAt"
	SortName      = "name"
	SortCreatedBy = "createdBy"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

var sortColumns = map[string]string{
	SortCreatedAt: "created_at",
	SortName:      "name",
	SortCreatedBy: "created_by",
}

// ListProjectsParams selects one page of projects. Zero values mean page 0,
// DefaultPageSize rows, newest first.
type ListProjectsParams struct {
	Page     int
	PageSize int
	Sort     string
	Order    string
}

type ProjectPage struct {
	Projects   []domain.Project `json:"projects"`
	TotalCount int              `json:"totalCount"`
}

func scanProject(s rowScanner) (domain.Project, error) {
	var p domain.Project
	var createdAt db.NullTime
	err := s.Scan(&p.ID, &p.Name, &p.Abbreviation, &p.Description, &p.SourceRepoURL, &p.SourceRepoBranch,
		&p.TargetRepoURL, &p.TargetRepoBranch, &p.CreatedBy, &createdAt)
	p.CreatedAt = createdAt.Time
	return p, err
}

// CreateProject stores a project owned by the caller. Ownership never comes
// from the input.
func (r Repo) CreateProject(ctx context.Context, in domain.CreateProjectInput, caller domain.Caller) (*domain.Project, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if caller.Credentials == "" {
		return nil, fmt.Errorf("%w: credentials are required", domain.ErrInvalidInput)
	}
	p := domain.Project{
		ID:               newID(),
		Name:             in.Name,
		Abbreviation:     in.Abbreviation,
		Description:      in.Description,
		SourceRepoURL:    in.SourceRepoURL,
		SourceRepoBranch: in.SourceRepoBranch,
		TargetRepoURL:    in.TargetRepoURL,
		TargetRepoBranch: in.TargetRepoBranch,
		CreatedBy:        caller.Credentials,
		CreatedAt:        r.now(),
	}
	_, err := r.DB.ExecContext(ctx, r.bind(`INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.Name, p.Abbreviation, p.Description, p.SourceRepoURL, p.SourceRepoBranch,
		p.TargetRepoURL, p.TargetRepoBranch, p.CreatedBy, r.DB.TimeArg(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return &p, nil
}

// GetProject returns the project with its migration plan, or nil when it does
// not exist or the caller may not see it. Both cases look the same.
func (r Repo) GetProject(ctx context.Context, id string, caller domain.Caller) (*domain.Project, error) {
	owner, ownerArgs := ownerClause(caller, caller.CanViewAll)
	var res *domain.Project
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		args := append([]any{id}, ownerArgs...)
		p, err := scanProject(tx.QueryRowContext(ctx, r.bind(`SELECT `+projectColumns+` FROM projects WHERE id=?`+owner), args...))
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		plans, err := r.migrationPlans(ctx, tx, []string{p.ID})
		if err != nil {
			return err
		}
		p.MigrationPlan = plans[p.ID]
		res = &p
		return nil
	})
	return res, err
}

// ListProjects returns one page of the projects visible to the caller and the
// size of the whole visible set.
func (r Repo) ListProjects(ctx context.Context, params ListProjectsParams, caller domain.Caller) (ProjectPage, error) {
	page := ProjectPage{Projects: []domain.Project{}}
	if params.Page < 0 {
		return page, fmt.Errorf("%w: page must not be negative", domain.ErrInvalidInput)
	}
	if params.PageSize < 0 {
		return page, fmt.Errorf("%w: pageSize must be positive", domain.ErrInvalidInput)
	}
	if params.PageSize == 0 {
		params.PageSize = DefaultPageSize
	}
	if params.Sort == "" {
		params.Sort = SortCreatedAt
	}
	column, ok := sortColumns[params.Sort]
	if !ok {
		return page, fmt.Errorf("%w: unknown sort %q", domain.ErrInvalidInput, params.Sort)
	}
	switch params.Order {
	case "":
		params.Order = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return page, fmt.Errorf("%w: unknown order %q", domain.ErrInvalidInput, params.Order)
	}
	direction := "DESC"
	if params.Order == OrderAsc {
		direction = "ASC"
	}

	owner, ownerArgs := ownerClause(caller, caller.CanViewAll)
	where := `WHERE 1=1` + owner
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, r.bind(`SELECT COUNT(*) FROM projects `+where), ownerArgs...).Scan(&page.TotalCount); err != nil {
			return err
		}
		if params.Page > (math.MaxInt-params.PageSize)/params.PageSize {
			// The offset would overflow; such a page lies past any real total.
			return nil
		}
		query := `SELECT ` + projectColumns + ` FROM projects ` + where +
			` ORDER BY ` + column + ` ` + direction + `, id ` + direction + ` LIMIT ? OFFSET ?`
		args := append(append([]any{}, ownerArgs...), params.PageSize, params.Page*params.PageSize)
		rows, err := tx.QueryContext(ctx, r.bind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			page.Projects = append(page.Projects, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(page.Projects) == 0 {
			return nil
		}
		ids := make([]string, len(page.Projects))
		for i := range page.Projects {
			ids[i] = page.Projects[i].ID
		}
		plans, err := r.migrationPlans(ctx, tx, ids)
		if err != nil {
			return err
		}
		for i := range page.Projects {
			page.Projects[i].MigrationPlan = plans[page.Projects[i].ID]
		}
		return nil
	})
	if err != nil {
		return ProjectPage{Projects: []domain.Project{}}, err
	}
	return page, nil
}

// DeleteProject removes the project and everything it owns. The ownership
// check is part of the DELETE itself; a refused delete reports 0.
func (r Repo) DeleteProject(ctx context.Context, id string, caller domain.Caller) (int64, error) {
	owner, ownerArgs := ownerClause(caller, caller.CanWriteAll)
	args := append([]any{id}, ownerArgs...)
	res, err := r.DB.ExecContext(ctx, r.bind(`DELETE FROM projects WHERE id=?`+owner), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// migrationPlans finds, per project, the migration_plan artifact of the most
// recently started project-level init job that has one.
func (r Repo) migrationPlans(ctx context.Context, q querier, projectIDs []string) (map[string]*domain.Artifact, error) {
	in, args := inClause(projectIDs)
	args = append(args, string(domain.PhaseInit), string(domain.ArtifactMigrationPlan))
	rows, err := q.QueryContext(ctx, r.bind(`SELECT project_id,id,job_id,type,value FROM (
  SELECT j.project_id, a.id, a.job_id, a.type, a.value,
    ROW_NUMBER() OVER (PARTITION BY j.project_id ORDER BY j.started_at DESC, j.id DESC, a.id DESC) AS rn
  FROM artifacts a JOIN jobs j ON j.id=a.job_id
  WHERE j.project_id IN `+in+` AND j.module_id IS NULL AND j.phase=? AND a.type=?
) ranked WHERE rn=1`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]*domain.Artifact{}
	for rows.Next() {
		var projectID string
		var a domain.Artifact
		if err := rows.Scan(&projectID, &a.ID, &a.JobID, &a.Type, &a.Value); err != nil {
			return nil, err
		}
		res[projectID] = &a
	}
	return res, rows.Err()
}
