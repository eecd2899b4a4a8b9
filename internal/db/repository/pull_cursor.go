package repository

import (
	"context"
	"database/sql"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.PullCursorRepository = (*PullCursorRepo)(nil)

// PullCursorRepo stores traversal cursors per data table and direction.
type PullCursorRepo struct {
	db *sql.DB
}

// NewPullCursorRepo creates a new PullCursorRepo.
func NewPullCursorRepo(db *sql.DB) *PullCursorRepo {
	return &PullCursorRepo{db: db}
}

// Get returns the cursor, or a NotFoundError when the direction never ran.
func (r *PullCursorRepo) Get(ctx context.Context, dataTableID int64, dir domain.Direction) (*domain.PullCursor, error) {
	c := domain.PullCursor{DataTableID: dataTableID, Direction: dir}
	var last, earliest, updated string
	err := r.db.QueryRowContext(ctx, `
		SELECT last_imported, earliest, window_seconds, updated_at
		FROM pull_cursors WHERE data_table_id = ? AND direction = ?
	`, dataTableID, string(dir)).Scan(&last, &earliest, &c.WindowSeconds, &updated)
	if err != nil {
		if domain.IsNotFound(mapDBError(err)) {
			return nil, domain.ErrNotFound("no %s cursor for data table %d", dir, dataTableID)
		}
		return nil, err
	}
	c.LastImported, c.Earliest, c.UpdatedAt = parseTime(last), parseTime(earliest), parseTime(updated)
	return &c, nil
}

// Save upserts a cursor.
func (r *PullCursorRepo) Save(ctx context.Context, c *domain.PullCursor) error {
	return db.WithLockRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO pull_cursors (data_table_id, direction, last_imported, earliest, window_seconds, updated_at)
			VALUES (?, ?, ?, ?, ?, datetime('now'))
			ON CONFLICT (data_table_id, direction) DO UPDATE SET
				last_imported = excluded.last_imported,
				earliest = excluded.earliest,
				window_seconds = excluded.window_seconds,
				updated_at = excluded.updated_at
		`, c.DataTableID, string(c.Direction), formatTime(c.LastImported), formatTime(c.Earliest), c.WindowSeconds)
		return mapDBError(err)
	})
}
