package window

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
)

const refreshParallelism = 4

// PartitionTracker keeps the observed time range of every partition table.
// Ranges only widen; partitions that never produced rows are skipped.
type PartitionTracker struct {
	repo   domain.PartitionRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewPartitionTracker creates a tracker backed by repo.
func NewPartitionTracker(repo domain.PartitionRepository, logger *slog.Logger) *PartitionTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PartitionTracker{repo: repo, logger: logger, now: time.Now}
}

// Refresh probes the bounds of every partition of src and stores them.
func (t *PartitionTracker) Refresh(ctx context.Context, dataTableID int64, src source.Partitioned) ([]domain.PartitionWindow, error) {
	parts, err := src.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	known, err := t.repo.ListByDataTable(ctx, dataTableID)
	if err != nil {
		return nil, err
	}
	prior := make(map[string]domain.PartitionWindow, len(known))
	for _, p := range known {
		prior[p.TableName] = p
	}

	out := make([]domain.PartitionWindow, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)
	for i, p := range parts {
		g.Go(func() error {
			b, err := src.PartitionBounds(gctx, p.TableName)
			if err != nil {
				return fmt.Errorf("bounds of %s: %w", p.TableName, err)
			}
			pw := p
			if old, ok := prior[p.TableName]; ok {
				pw.MinTime, pw.MaxTime, pw.HasData = old.MinTime, old.MaxTime, old.HasData
			}
			pw.DataTableID = dataTableID
			if !b.Empty {
				pw.Widen(b.Min, b.Max)
			}
			pw.CheckedAt = t.now().UTC()
			out[i] = pw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	empty := 0
	for i := range out {
		if err := t.repo.Upsert(ctx, &out[i]); err != nil {
			return nil, err
		}
		if !out[i].HasData {
			empty++
		}
	}
	t.logger.Debug("partitions refreshed", "data_table_id", dataTableID, "partitions", len(out), "empty", empty)
	return out, nil
}

// Overlapping returns the partitions with data that intersect w, oldest first.
func (t *PartitionTracker) Overlapping(ctx context.Context, dataTableID int64, w domain.Window) ([]domain.PartitionWindow, error) {
	all, err := t.repo.ListByDataTable(ctx, dataTableID)
	if err != nil {
		return nil, err
	}
	var out []domain.PartitionWindow
	for _, p := range all {
		if p.HasData && w.Overlaps(p.MinTime, p.MaxTime) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinTime.Before(out[j].MinTime) })
	return out, nil
}
