package typeinfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
)

// DefaultCategoryCeiling caps the distinct values of one category column.
const DefaultCategoryCeiling = 256

// Inference is the outcome for one column.
type Inference struct {
	Column     string
	Type       domain.RawType
	Categories int // distinct values stored for CATEGORY columns
}

// Engine assigns types to untyped columns and keeps category value sets.
// Column types are sticky: a typed column is never reclassified except
// through OverrideType.
type Engine struct {
	tables     domain.DataTableRepository
	categories domain.CategoryRepository
	mu         sync.Locker
	quota      int
	ceiling    int
	logger     *slog.Logger
}

// NewEngine creates an engine. mu serializes writes of mapping data and is
// shared with the master splitter.
func NewEngine(tables domain.DataTableRepository, categories domain.CategoryRepository, mu sync.Locker, ceiling int, logger *slog.Logger) *Engine {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	if ceiling <= 0 {
		ceiling = DefaultCategoryCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tables:     tables,
		categories: categories,
		mu:         mu,
		quota:      DefaultQuota,
		ceiling:    ceiling,
		logger:     logger.With("component", "typeinfer"),
	}
}

// Infer samples batches until every untyped column (and the serial column)
// holds its quota or the source is exhausted, then classifies and stores
// each untyped column. dt.Columns are updated in place.
func (e *Engine) Infer(ctx context.Context, dt *domain.DataTable, batches source.Batches) ([]Inference, error) {
	defer batches.Close() //nolint:errcheck

	var untyped []string
	for _, c := range dt.Columns {
		if c.DataType == domain.TypeUnknown {
			untyped = append(untyped, c.Name)
		}
	}
	if len(untyped) == 0 {
		return nil, nil
	}

	s := NewSampler(untyped, dt.SerialColumn(), e.quota)
	for !s.Full() {
		f, err := batches.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s.Add(f)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Inference
	for i := range dt.Columns {
		c := &dt.Columns[i]
		if c.DataType != domain.TypeUnknown {
			continue
		}
		values := s.Values(c.Name)
		t := Classify(values)
		if t == domain.TypeUnknown {
			continue
		}
		if err := e.tables.SetColumnType(ctx, c.ID, t, domain.TypeSourceAuto); err != nil {
			return nil, fmt.Errorf("set type of %s: %w", c.Name, err)
		}
		c.DataType, c.DataTypeSource = t, domain.TypeSourceAuto
		inf := Inference{Column: c.Name, Type: t}
		if t == domain.TypeCategory {
			distinct := Distinct(values)
			if _, err := e.categories.AddValues(ctx, dt.ID, c.Name, distinct); err != nil {
				return nil, fmt.Errorf("store categories of %s: %w", c.Name, err)
			}
			inf.Categories = len(distinct)
		}
		e.logger.Info("column classified", "data_table_id", dt.ID, "column", c.Name, "type", string(t), "samples", len(values))
		out = append(out, inf)
	}
	return out, nil
}

// OverrideType assigns a user-chosen type to a column.
func (e *Engine) OverrideType(ctx context.Context, dt *domain.DataTable, column string, t domain.RawType) error {
	if !t.Valid() {
		return domain.ErrValidation("unknown data type %q", t)
	}
	for i := range dt.Columns {
		c := &dt.Columns[i]
		if c.Name != column {
			continue
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.tables.SetColumnType(ctx, c.ID, t, domain.TypeSourceUser); err != nil {
			return err
		}
		c.DataType, c.DataTypeSource = t, domain.TypeSourceUser
		return nil
	}
	return domain.ErrNotFound("column %q not found in data table %q", column, dt.Name)
}

// TrackCategories stores category values seen in f. A column that would
// grow past the ceiling fails with a SchemaDriftError unless force is set.
func (e *Engine) TrackCategories(ctx context.Context, dt *domain.DataTable, f *domain.Frame, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range dt.Columns {
		if c.DataType != domain.TypeCategory {
			continue
		}
		i := f.Index(c.Name)
		if i < 0 {
			continue
		}
		col := make([]any, 0, len(f.Rows))
		for _, row := range f.Rows {
			if i < len(row) {
				col = append(col, row[i])
			}
		}
		seen := Distinct(col)
		if len(seen) == 0 {
			continue
		}
		known, err := e.categories.ListValues(ctx, dt.ID, c.Name)
		if err != nil {
			return err
		}
		have := make(map[string]bool, len(known))
		for _, v := range known {
			have[v] = true
		}
		var fresh []string
		for _, v := range seen {
			if !have[v] {
				fresh = append(fresh, v)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		total := len(known) + len(fresh)
		if total > e.ceiling && !force {
			return &domain.SchemaDriftError{DataTableID: dt.ID, Column: c.Name, Distinct: total, Ceiling: e.ceiling}
		}
		if total > e.ceiling {
			e.logger.Warn("category ceiling exceeded by forced import",
				"data_table_id", dt.ID, "column", c.Name, "distinct", total, "ceiling", e.ceiling)
		}
		if _, err := e.categories.AddValues(ctx, dt.ID, c.Name, fresh); err != nil {
			return err
		}
	}
	return nil
}
