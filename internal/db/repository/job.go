package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.JobRepository = (*JobRepo)(nil)

// JobRepo stores job lifecycle state in SQLite.
type JobRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobRepo creates a new JobRepo.
func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db, now: time.Now}
}

const jobColumns = `id, kind, data_table_id, process_id, status, percent, force_category_change,
	error_message, created_at, started_at, finished_at`

// Create inserts a new job. Missing IDs are generated and status defaults
// to PENDING.
func (r *JobRepo) Create(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	if j == nil {
		return nil, domain.ErrValidation("job is required")
	}
	if j.Kind == "" {
		return nil, domain.ErrValidation("job kind is required")
	}
	if j.ID == "" {
		j.ID = domain.NewID()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	err := db.WithLockRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO jobs (id, kind, data_table_id, process_id, status, force_category_change, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, j.ID, string(j.Kind), j.DataTableID, j.ProcessID, string(j.Status),
			boolToInt(j.ForceCategoryChange), formatTime(r.now()))
		return err
	})
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.GetByID(ctx, j.ID)
}

// GetByID returns a job.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if domain.IsNotFound(err) {
		return nil, domain.ErrNotFound("job %q not found", id)
	}
	return j, err
}

// List returns jobs newest first.
func (r *JobRepo) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// MarkProcessing moves a job to PROCESSING and stamps its start time.
func (r *JobRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.update(ctx, id, `
		UPDATE jobs SET status = ?, percent = 0, error_message = '', started_at = ?, finished_at = NULL
		WHERE id = ?
	`, string(domain.JobProcessing), formatTime(r.now()), id)
}

// UpdateProgress stores the percent complete of a running job.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, percent float64) error {
	return r.update(ctx, id, `UPDATE jobs SET percent = ? WHERE id = ?`, percent, id)
}

// Finish records the outcome of a run. PENDING clears the finish time so
// the job is picked up again.
func (r *JobRepo) Finish(ctx context.Context, id string, status domain.JobStatus, message string) error {
	var finished any
	if status.Terminal() {
		finished = formatTime(r.now())
	}
	percent := "percent"
	if status == domain.JobDone {
		percent = "100"
	}
	return r.update(ctx, id, `
		UPDATE jobs SET status = ?, error_message = ?, finished_at = ?, percent = `+percent+`
		WHERE id = ?
	`, string(status), message, finished, id)
}

func (r *JobRepo) update(ctx context.Context, id, query string, args ...any) error {
	return db.WithLockRetry(ctx, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return mapDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return domain.ErrNotFound("job %q not found", id)
		}
		return nil
	})
}

func scanJob(s rowScanner) (*domain.Job, error) {
	var j domain.Job
	var kind, status, createdAt string
	var force int64
	var started, finished sql.NullString
	if err := s.Scan(&j.ID, &kind, &j.DataTableID, &j.ProcessID, &status, &j.Percent, &force,
		&j.Error, &createdAt, &started, &finished); err != nil {
		return nil, mapDBError(err)
	}
	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobStatus(status)
	j.ForceCategoryChange = force == 1
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = parseTimePtr(started)
	j.FinishedAt = parseTimePtr(finished)
	return &j, nil
}
