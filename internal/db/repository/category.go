package repository

import (
	"context"
	"database/sql"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.CategoryRepository = (*CategoryRepo)(nil)

// CategoryRepo stores the distinct values of CATEGORY columns.
type CategoryRepo struct {
	db *sql.DB
}

// NewCategoryRepo creates a new CategoryRepo.
func NewCategoryRepo(db *sql.DB) *CategoryRepo {
	return &CategoryRepo{db: db}
}

// ListValues returns the stored values of one column, sorted.
func (r *CategoryRepo) ListValues(ctx context.Context, dataTableID int64, column string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT value FROM category_values WHERE data_table_id = ? AND column_name = ? ORDER BY value
	`, dataTableID, column)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AddValues inserts values not stored yet and returns how many were new.
// Values are never removed.
func (r *CategoryRepo) AddValues(ctx context.Context, dataTableID int64, column string, values []string) (int, error) {
	added := 0
	err := db.WithLockRetry(ctx, func(ctx context.Context) error {
		added = 0
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO category_values (data_table_id, column_name, value) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for _, v := range values {
			res, err := stmt.ExecContext(ctx, dataTableID, column, v)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, mapDBError(err)
	}
	return added, nil
}
