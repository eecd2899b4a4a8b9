package repository

import (
	"context"
	"database/sql"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

var _ domain.AutoLinkRepository = (*AutoLinkRepo)(nil)

// AutoLinkRepo is the local cache of auto-link samples.
type AutoLinkRepo struct {
	db *sql.DB
}

// NewAutoLinkRepo creates a new AutoLinkRepo.
func NewAutoLinkRepo(db *sql.DB) *AutoLinkRepo {
	return &AutoLinkRepo{db: db}
}

// List returns the cached samples of a process, newest first, capped at
// AutoLinkRecordsPerProcess.
func (r *AutoLinkRepo) List(ctx context.Context, processID int64) ([]domain.AutoLinkSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT serial, observed_at FROM autolink_samples
		WHERE process_id = ? ORDER BY observed_at DESC LIMIT ?
	`, processID, domain.AutoLinkRecordsPerProcess)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.AutoLinkSample
	for rows.Next() {
		s := domain.AutoLinkSample{ProcessID: processID}
		var observed string
		if err := rows.Scan(&s.Serial, &observed); err != nil {
			return nil, err
		}
		s.Time = parseTime(observed)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of cached samples of a process.
func (r *AutoLinkRepo) Count(ctx context.Context, processID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM autolink_samples WHERE process_id = ?`, processID).Scan(&n)
	return n, mapDBError(err)
}

// Upsert stores samples keeping the latest time per (process, serial).
func (r *AutoLinkRepo) Upsert(ctx context.Context, samples []domain.AutoLinkSample) error {
	if len(samples) == 0 {
		return nil
	}
	return db.WithLockRetry(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO autolink_samples (process_id, serial, observed_at) VALUES (?, ?, ?)
			ON CONFLICT (process_id, serial) DO UPDATE SET
				observed_at = MAX(autolink_samples.observed_at, excluded.observed_at)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for _, s := range samples {
			if _, err := stmt.ExecContext(ctx, s.ProcessID, s.Serial, formatTime(s.Time)); err != nil {
				return err
			}
		}
		return mapDBError(tx.Commit())
	})
}
