package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.WatermarkRepository = (*WatermarkRepo)(nil)

// WatermarkRepo stores the replication watermark of each process.
type WatermarkRepo struct {
	db *sql.DB
}

// NewWatermarkRepo creates a new WatermarkRepo.
func NewWatermarkRepo(db *sql.DB) *WatermarkRepo {
	return &WatermarkRepo{db: db}
}

// Get returns the watermark; a process that never synced is at cycle 0.
func (r *WatermarkRepo) Get(ctx context.Context, processID int64) (*domain.TransactionWatermark, error) {
	w := domain.TransactionWatermark{ProcessID: processID}
	var updated string
	err := r.db.QueryRowContext(ctx, `
		SELECT last_synced_cycle_id, updated_at FROM transaction_watermarks WHERE process_id = ?
	`, processID).Scan(&w.LastSyncedCycleID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &w, nil
	}
	if err != nil {
		return nil, mapDBError(err)
	}
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

// Advance raises the watermark to cycleID if it is higher.
func (r *WatermarkRepo) Advance(ctx context.Context, processID, cycleID int64) error {
	return db.WithLockRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO transaction_watermarks (process_id, last_synced_cycle_id, updated_at)
			VALUES (?, ?, datetime('now'))
			ON CONFLICT (process_id) DO UPDATE SET
				last_synced_cycle_id = MAX(transaction_watermarks.last_synced_cycle_id, excluded.last_synced_cycle_id),
				updated_at = excluded.updated_at
		`, processID, cycleID)
		return mapDBError(err)
	})
}
