package repository

import (
	"context"
	"database/sql"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.PartitionRepository = (*PartitionRepo)(nil)

// PartitionRepo stores observed partition time ranges.
type PartitionRepo struct {
	db *sql.DB
}

// NewPartitionRepo creates a new PartitionRepo.
func NewPartitionRepo(db *sql.DB) *PartitionRepo {
	return &PartitionRepo{db: db}
}

// ListByDataTable returns the partitions of a data table ordered by key.
func (r *PartitionRepo) ListByDataTable(ctx context.Context, dataTableID int64) ([]domain.PartitionWindow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data_table_id, table_name, partition_key, min_time, max_time, has_data, checked_at
		FROM partition_windows WHERE data_table_id = ? ORDER BY partition_key, table_name
	`, dataTableID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.PartitionWindow
	for rows.Next() {
		var p domain.PartitionWindow
		var minT, maxT, checked string
		var hasData int64
		if err := rows.Scan(&p.DataTableID, &p.TableName, &p.PartitionKey, &minT, &maxT, &hasData, &checked); err != nil {
			return nil, err
		}
		p.MinTime, p.MaxTime, p.CheckedAt = parseTime(minT), parseTime(maxT), parseTime(checked)
		p.HasData = hasData == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert stores a partition. The stored range is widened, never narrowed,
// and has_data never flips back to false.
func (r *PartitionRepo) Upsert(ctx context.Context, p *domain.PartitionWindow) error {
	return db.WithLockRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO partition_windows (data_table_id, table_name, partition_key, min_time, max_time, has_data, checked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (data_table_id, table_name) DO UPDATE SET
				partition_key = excluded.partition_key,
				min_time = CASE
					WHEN partition_windows.min_time = '' THEN excluded.min_time
					WHEN excluded.min_time = '' THEN partition_windows.min_time
					WHEN excluded.min_time < partition_windows.min_time THEN excluded.min_time
					ELSE partition_windows.min_time END,
				max_time = CASE
					WHEN excluded.max_time > partition_windows.max_time THEN excluded.max_time
					ELSE partition_windows.max_time END,
				has_data = MAX(partition_windows.has_data, excluded.has_data),
				checked_at = excluded.checked_at
		`, p.DataTableID, p.TableName, p.PartitionKey, formatTime(p.MinTime), formatTime(p.MaxTime),
			boolToInt(p.HasData), formatTime(p.CheckedAt))
		return mapDBError(err)
	})
}
