// Package source reads external data sources into frames. Each source kind
// has one adapter; New picks it from the data table's kind.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/filestore"
)

// Batch sizes.
const (
	DefaultBatchRows  = 10000
	MasterSampleLimit = 100000
	TypeSampleLimit   = 20000
)

// Batches is a lazy sequence of frames. Next returns io.EOF when done.
type Batches interface {
	Next(ctx context.Context) (*domain.Frame, error)
	Close() error
}

// Bounds is the observed time range of a source.
type Bounds struct {
	Min   time.Time
	Max   time.Time
	Empty bool
}

// Adapter normalizes one source kind. The interface is sealed: only this
// package provides implementations.
type Adapter interface {
	Kind() domain.SourceKind
	// MasterSample yields rows for master-data discovery.
	MasterSample(ctx context.Context) (Batches, error)
	// TypeSample yields rows for data-type inference, newest data first
	// where the source allows it.
	TypeSample(ctx context.Context) (Batches, error)
	// TransactionStream yields rows whose time lies in w, in time order,
	// at most limit rows when limit > 0.
	TransactionStream(ctx context.Context, w domain.Window, limit int) (Batches, error)
	// Count returns the number of rows in w.
	Count(ctx context.Context, w domain.Window) (int64, error)
	// Bounds returns the min and max time of the source.
	Bounds(ctx context.Context) (Bounds, error)
	Close() error

	sealed()
}

// Partitioned is implemented by adapters backed by time-bucketed tables.
type Partitioned interface {
	Partitions(ctx context.Context) ([]domain.PartitionWindow, error)
	PartitionBounds(ctx context.Context, table string) (Bounds, error)
}

// PartitionFilter narrows a window to the partition tables known to hold
// data for it, in chronological order.
type PartitionFilter interface {
	Overlapping(ctx context.Context, dataTableID int64, w domain.Window) ([]domain.PartitionWindow, error)
}

// Deps carries the shared collaborators adapters need.
type Deps struct {
	Files      filestore.Store
	DuckDB     *sql.DB // in-process DuckDB used to parse drop files
	Partitions PartitionFilter
	Guard      *GuardOptions // nil disables retry and circuit breaking
	Logger     *slog.Logger
	// Open opens external databases; defaults to sql.Open.
	Open func(driver, dsn string) (*sql.DB, error)
}

// New builds the adapter for dt.
func New(dt *domain.DataTable, deps Deps) (Adapter, error) {
	if dt == nil {
		return nil, domain.ErrValidation("data table is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Open == nil {
		deps.Open = sql.Open
	}
	logger := deps.Logger.With("component", "source", "data_table_id", dt.ID, "kind", string(dt.Kind))

	var (
		a   Adapter
		err error
	)
	switch dt.Kind {
	case domain.SourceCSV, domain.SourceV2, domain.SourceEFA:
		a, err = newFileAdapter(dt, deps.Files, deps.DuckDB, logger)
	case domain.SourceRelational:
		a, err = newRelationalAdapter(dt, deps, logger)
	case domain.SourceVertical:
		a, err = newVerticalAdapter(dt, deps, logger)
	case domain.SourceSoftwareWorkshop:
		a, err = newSoftwareWorkshopAdapter(dt, deps, logger)
	default:
		return nil, domain.ErrValidation("unknown source kind %q", dt.Kind)
	}
	if err != nil {
		return nil, err
	}
	if deps.Guard != nil {
		a = WithGuard(a, *deps.Guard)
	}
	return a, nil
}

// Drain reads every batch into one frame.
func Drain(ctx context.Context, b Batches) (*domain.Frame, error) {
	defer b.Close() //nolint:errcheck
	out := &domain.Frame{}
	for {
		f, err := b.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out.Append(f)
	}
}

// sliceBatches serves frames that are already in memory.
type sliceBatches struct {
	frames []*domain.Frame
}

// FromFrames wraps in-memory frames as Batches.
func FromFrames(frames ...*domain.Frame) Batches {
	return &sliceBatches{frames: frames}
}

func (s *sliceBatches) Next(ctx context.Context) (*domain.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceBatches) Close() error { return nil }

// lazyBatches opens one underlying sequence at a time.
type lazyBatches struct {
	open func(ctx context.Context, i int) (Batches, error)
	n    int
	i    int
	cur  Batches
}

func (l *lazyBatches) Next(ctx context.Context) (*domain.Frame, error) {
	for {
		if l.cur == nil {
			if l.i >= l.n {
				return nil, io.EOF
			}
			b, err := l.open(ctx, l.i)
			if err != nil {
				return nil, err
			}
			l.cur = b
			l.i++
		}
		f, err := l.cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = l.cur.Close()
			l.cur = nil
			continue
		}
		return f, err
	}
}

func (l *lazyBatches) Close() error {
	if l.cur != nil {
		return l.cur.Close()
	}
	return nil
}

// rowsBatches pages through *sql.Rows.
type rowsBatches struct {
	rows    *sql.Rows
	columns []string
	size    int
	limit   int
	read    int
}

func newRowsBatches(rows *sql.Rows, size, limit int) (*rowsBatches, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("read columns: %w", err)
	}
	if size <= 0 {
		size = DefaultBatchRows
	}
	return &rowsBatches{rows: rows, columns: cols, size: size, limit: limit}, nil
}

func (r *rowsBatches) Next(ctx context.Context) (*domain.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := domain.NewFrame(r.columns...)
	for len(f.Rows) < r.size && (r.limit <= 0 || r.read < r.limit) {
		if !r.rows.Next() {
			if err := r.rows.Err(); err != nil {
				return nil, classify("read rows", err)
			}
			break
		}
		vals := make([]any, len(r.columns))
		ptrs := make([]any, len(r.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		f.Rows = append(f.Rows, vals)
		r.read++
	}
	if len(f.Rows) == 0 {
		return nil, io.EOF
	}
	return f, nil
}

func (r *rowsBatches) Close() error {
	return r.rows.Close()
}
