package domain

import (
	"context"
	"time"
)

// DataTableRepository persists data table definitions and their columns.
type DataTableRepository interface {
	Create(ctx context.Context, dt *DataTable) (*DataTable, error)
	GetByID(ctx context.Context, id int64) (*DataTable, error)
	GetByName(ctx context.Context, name string) (*DataTable, error)
	List(ctx context.Context) ([]DataTable, error)
	SetApproved(ctx context.Context, id int64, approved bool) error
	// SetColumnType assigns a column's data type. Auto assignments only
	// apply while the column has no type yet.
	SetColumnType(ctx context.Context, columnID int64, t RawType, source string) error
}

// ProcessRepository persists processes registered from master data.
type ProcessRepository interface {
	Upsert(ctx context.Context, dataTableID int64, name string) (*Process, error)
	GetByID(ctx context.Context, id int64) (*Process, error)
	ListByDataTable(ctx context.Context, dataTableID int64) ([]Process, error)
	List(ctx context.Context) ([]Process, error)
}

// PartitionRepository persists per-partition time ranges.
type PartitionRepository interface {
	ListByDataTable(ctx context.Context, dataTableID int64) ([]PartitionWindow, error)
	Upsert(ctx context.Context, p *PartitionWindow) error
}

// PullCursorRepository persists traversal cursors.
type PullCursorRepository interface {
	Get(ctx context.Context, dataTableID int64, dir Direction) (*PullCursor, error)
	Save(ctx context.Context, c *PullCursor) error
}

// CategoryRepository persists distinct values of CATEGORY columns.
type CategoryRepository interface {
	ListValues(ctx context.Context, dataTableID int64, column string) ([]string, error)
	AddValues(ctx context.Context, dataTableID int64, column string, values []string) (int, error)
}

// WatermarkRepository persists replication watermarks.
type WatermarkRepository interface {
	Get(ctx context.Context, processID int64) (*TransactionWatermark, error)
	// Advance moves the watermark forward; lower values are ignored.
	Advance(ctx context.Context, processID, cycleID int64) error
}

// AutoLinkRepository is the local auto-link sample cache.
type AutoLinkRepository interface {
	List(ctx context.Context, processID int64) ([]AutoLinkSample, error)
	Count(ctx context.Context, processID int64) (int, error)
	Upsert(ctx context.Context, samples []AutoLinkSample) error
}

// JobRepository persists job state.
type JobRepository interface {
	Create(ctx context.Context, j *Job) (*Job, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f JobFilter) ([]Job, error)
	MarkProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, percent float64) error
	Finish(ctx context.Context, id string, status JobStatus, message string) error
}

// TransactionStore holds imported transaction cycles per process.
type TransactionStore interface {
	// Import stores new cycles, assigning cycle ids after the current
	// maximum, and returns the number stored. Cycles already stored with
	// the same serial and time are skipped.
	Import(ctx context.Context, processID int64, cycles []Cycle) (int, error)
	// Apply replaces the given cycles (by cycle id) atomically.
	Apply(ctx context.Context, processID int64, cycles []Cycle) error
	After(ctx context.Context, processID, afterCycleID int64, limit int) ([]Cycle, error)
	MaxCycleID(ctx context.Context, processID int64) (int64, error)
	Samples(ctx context.Context, processID int64, since time.Time, limit int) ([]AutoLinkSample, error)
}

// CancelFlags records operator cancellation requests for running jobs.
type CancelFlags interface {
	Request(ctx context.Context, jobID string) error
	Requested(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}
