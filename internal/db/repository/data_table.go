package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.DataTableRepository = (*DataTableRepo)(nil)

// DataTableRepo stores data table definitions and their logical columns.
type DataTableRepo struct {
	db *sql.DB
}

// NewDataTableRepo creates a new DataTableRepo.
func NewDataTableRepo(db *sql.DB) *DataTableRepo {
	return &DataTableRepo{db: db}
}

const dataTableColumns = `id, name, kind, driver, dsn, directory, table_name, partition, timezone,
	row_limit, approved, remote_only, created_at, updated_at`

// Create inserts a data table with its columns in one transaction.
func (r *DataTableRepo) Create(ctx context.Context, dt *domain.DataTable) (*domain.DataTable, error) {
	if dt == nil {
		return nil, domain.ErrValidation("data table is required")
	}
	if err := dt.Validate(); err != nil {
		return nil, err
	}

	var id int64
	err := db.WithLockRetry(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.ExecContext(ctx, `
			INSERT INTO data_tables (name, kind, driver, dsn, directory, table_name, partition, timezone, row_limit, approved, remote_only)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, dt.Name, string(dt.Kind), dt.Driver, dt.DSN, dt.Directory, dt.Table, dt.Partition,
			dt.Timezone, dt.RowLimit, boolToInt(dt.Approved), boolToInt(dt.RemoteOnly))
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for i, c := range dt.Columns {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO data_table_columns (data_table_id, name, semantic_group, data_type, data_type_source, ordinal)
				VALUES (?, ?, ?, ?, ?, ?)
			`, id, c.Name, string(c.Group), string(c.DataType), c.DataTypeSource, i); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.GetByID(ctx, id)
}

// GetByID returns a data table with its columns.
func (r *DataTableRepo) GetByID(ctx context.Context, id int64) (*domain.DataTable, error) {
	dt, err := r.getOne(ctx, `SELECT `+dataTableColumns+` FROM data_tables WHERE id = ?`, id)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.ErrNotFound("data table %d not found", id)
		}
		return nil, err
	}
	return dt, nil
}

// GetByName returns a data table by its unique name.
func (r *DataTableRepo) GetByName(ctx context.Context, name string) (*domain.DataTable, error) {
	dt, err := r.getOne(ctx, `SELECT `+dataTableColumns+` FROM data_tables WHERE name = ?`, name)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.ErrNotFound("data table %q not found", name)
		}
		return nil, err
	}
	return dt, nil
}

// List returns all data tables ordered by id.
func (r *DataTableRepo) List(ctx context.Context) ([]domain.DataTable, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+dataTableColumns+` FROM data_tables ORDER BY id`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.DataTable
	for rows.Next() {
		dt, err := scanDataTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		cols, err := r.columns(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Columns = cols
	}
	return out, nil
}

// SetApproved marks a data table as approved, freezing its master data.
func (r *DataTableRepo) SetApproved(ctx context.Context, id int64, approved bool) error {
	return r.execOne(ctx, fmt.Sprintf("data table %d", id), `
		UPDATE data_tables SET approved = ?, updated_at = datetime('now') WHERE id = ?
	`, boolToInt(approved), id)
}

// SetColumnType assigns a column data type. An "auto" assignment is a no-op
// once the column already has a type; "user" always overwrites.
func (r *DataTableRepo) SetColumnType(ctx context.Context, columnID int64, t domain.RawType, source string) error {
	if !t.Valid() {
		return domain.ErrValidation("unknown data type %q", t)
	}
	query := `UPDATE data_table_columns SET data_type = ?, data_type_source = ? WHERE id = ?`
	if source != domain.TypeSourceUser {
		source = domain.TypeSourceAuto
		query += ` AND data_type = ''`
	}
	return db.WithLockRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query, string(t), source, columnID)
		return mapDBError(err)
	})
}

func (r *DataTableRepo) execOne(ctx context.Context, what, query string, args ...any) error {
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
			return domain.ErrNotFound("%s not found", what)
		}
		return nil
	})
}

func (r *DataTableRepo) getOne(ctx context.Context, query string, args ...any) (*domain.DataTable, error) {
	dt, err := scanDataTable(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if dt.Columns, err = r.columns(ctx, dt.ID); err != nil {
		return nil, err
	}
	return dt, nil
}

func (r *DataTableRepo) columns(ctx context.Context, dataTableID int64) ([]domain.LogicalColumn, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, data_table_id, name, semantic_group, data_type, data_type_source, ordinal
		FROM data_table_columns WHERE data_table_id = ? ORDER BY ordinal, id
	`, dataTableID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.LogicalColumn
	for rows.Next() {
		var c domain.LogicalColumn
		var group, dataType string
		if err := rows.Scan(&c.ID, &c.DataTableID, &c.Name, &group, &dataType, &c.DataTypeSource, &c.Order); err != nil {
			return nil, err
		}
		c.Group = domain.SemanticGroup(group)
		c.DataType = domain.RawType(dataType)
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataTable(s rowScanner) (*domain.DataTable, error) {
	var dt domain.DataTable
	var kind, createdAt, updatedAt string
	var approved, remoteOnly int64
	if err := s.Scan(&dt.ID, &dt.Name, &kind, &dt.Driver, &dt.DSN, &dt.Directory, &dt.Table,
		&dt.Partition, &dt.Timezone, &dt.RowLimit, &approved, &remoteOnly, &createdAt, &updatedAt); err != nil {
		return nil, mapDBError(err)
	}
	dt.Kind = domain.SourceKind(kind)
	dt.Approved = approved == 1
	dt.RemoteOnly = remoteOnly == 1
	dt.CreatedAt = parseTime(createdAt)
	dt.UpdatedAt = parseTime(updatedAt)
	return &dt, nil
}
