package repository

import (
	"context"
	"database/sql"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.ProcessRepository = (*ProcessRepo)(nil)

// ProcessRepo stores processes discovered in master data.
type ProcessRepo struct {
	db *sql.DB
}

// NewProcessRepo creates a new ProcessRepo.
func NewProcessRepo(db *sql.DB) *ProcessRepo {
	return &ProcessRepo{db: db}
}

// Upsert registers a process by (data table, name) and returns it.
func (r *ProcessRepo) Upsert(ctx context.Context, dataTableID int64, name string) (*domain.Process, error) {
	if name == "" {
		return nil, domain.ErrValidation("process name is required")
	}
	err := db.WithLockRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO processes (data_table_id, name) VALUES (?, ?)
			ON CONFLICT (data_table_id, name) DO NOTHING
		`, dataTableID, name)
		return err
	})
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.getOne(ctx, `SELECT id, data_table_id, name, created_at FROM processes WHERE data_table_id = ? AND name = ?`, dataTableID, name)
}

// GetByID returns a process.
func (r *ProcessRepo) GetByID(ctx context.Context, id int64) (*domain.Process, error) {
	p, err := r.getOne(ctx, `SELECT id, data_table_id, name, created_at FROM processes WHERE id = ?`, id)
	if domain.IsNotFound(err) {
		return nil, domain.ErrNotFound("process %d not found", id)
	}
	return p, err
}

// ListByDataTable returns the processes of one data table.
func (r *ProcessRepo) ListByDataTable(ctx context.Context, dataTableID int64) ([]domain.Process, error) {
	return r.list(ctx, `SELECT id, data_table_id, name, created_at FROM processes WHERE data_table_id = ? ORDER BY id`, dataTableID)
}

// List returns every process.
func (r *ProcessRepo) List(ctx context.Context) ([]domain.Process, error) {
	return r.list(ctx, `SELECT id, data_table_id, name, created_at FROM processes ORDER BY id`)
}

func (r *ProcessRepo) getOne(ctx context.Context, query string, args ...any) (*domain.Process, error) {
	var p domain.Process
	var createdAt string
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.DataTableID, &p.Name, &createdAt); err != nil {
		return nil, mapDBError(err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (r *ProcessRepo) list(ctx context.Context, query string, args ...any) ([]domain.Process, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Process
	for rows.Next() {
		var p domain.Process
		var createdAt string
		if err := rows.Scan(&p.ID, &p.DataTableID, &p.Name, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
