package db

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry attempts for statements that hit a locked database.
const lockRetries = 5

// IsLocked reports whether err is SQLite's busy/locked condition.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// WithLockRetry runs fn, retrying with exponential backoff while SQLite
// reports the database as locked. Other errors are returned immediately.
func WithLockRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(lockRetries, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if IsLocked(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
