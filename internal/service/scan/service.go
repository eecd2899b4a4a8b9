// Package scan runs the scan job of a data table: master-data discovery
// followed by data-type inference.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/master"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/typeinfer"
)

// Opener builds the source adapter of a data table.
type Opener func(dt *domain.DataTable) (source.Adapter, error)

// Publisher announces finished scan stages and mapping edits.
type Publisher interface {
	PublishImport(ctx context.Context, changed domain.ChangedType, dataTableID, processID int64) error
	PublishMasterChange(ctx context.Context, dataTableID int64, tableName string, crud domain.CrudType, content any) error
}

// Result summarizes one scan.
type Result struct {
	NewMasterRows int
	Processes     []domain.Process
	Inferred      []typeinfer.Inference
}

// Service owns the writers of mapping data. Snapshot saves and category
// writes of every data table go through mu, one at a time.
type Service struct {
	mu sync.Mutex

	tables    domain.DataTableRepository
	processes domain.ProcessRepository
	open      Opener
	snapshots master.SnapshotStore
	splitter  *master.Splitter
	engine    *typeinfer.Engine
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a scan service. publisher may be nil.
func NewService(
	tables domain.DataTableRepository,
	processes domain.ProcessRepository,
	categories domain.CategoryRepository,
	snapshots master.SnapshotStore,
	open Opener,
	publisher Publisher,
	categoryCeiling int,
	logger *slog.Logger,
) *Service {
	s := &Service{
		tables:    tables,
		processes: processes,
		open:      open,
		snapshots: snapshots,
		publisher: publisher,
		logger:    logger.With("component", "scan"),
	}
	s.splitter = master.NewSplitter(snapshots, &s.mu)
	s.engine = typeinfer.NewEngine(tables, categories, &s.mu, categoryCeiling, logger)
	return s
}

// Engine returns the inference engine sharing the service's mapping mutex.
// Pull jobs track category values through it.
func (s *Service) Engine() *typeinfer.Engine { return s.engine }

// Run is the job body of a SCAN job.
func (s *Service) Run(ctx context.Context, j *domain.Job, report func(float64)) (domain.JobResult, error) {
	res, err := s.Scan(ctx, j.DataTableID, report)
	if err != nil {
		return domain.JobResult{}, err
	}
	return domain.JobResult{
		Rows: int64(res.NewMasterRows),
		Message: fmt.Sprintf("%d new master rows, %d processes, %d columns typed",
			res.NewMasterRows, len(res.Processes), len(res.Inferred)),
	}, nil
}

// Scan runs the master stage and then the type stage for one data table.
func (s *Service) Scan(ctx context.Context, dataTableID int64, report func(float64)) (*Result, error) {
	if report == nil {
		report = func(float64) {}
	}
	stored, err := s.tables.GetByID(ctx, dataTableID)
	if err != nil {
		return nil, err
	}
	dt := source.Effective(stored)
	logger := s.logger.With("data_table_id", dt.ID)

	adapter, err := s.open(dt)
	if err != nil {
		return nil, err
	}
	defer adapter.Close() //nolint:errcheck

	res := &Result{}
	var (
		triad *domain.MasterTriad
		added int
	)
	if dt.Approved {
		// Approved mappings are frozen; only the type stage runs again.
		triad, err = s.snapshots.Load(ctx, dt.ID)
	} else {
		triad, added, err = s.scanMaster(ctx, dt, adapter)
	}
	if err != nil {
		return nil, fmt.Errorf("scan master: %w", err)
	}
	res.NewMasterRows = added
	res.Processes, err = s.registerProcesses(ctx, dt, triad)
	if err != nil {
		return nil, fmt.Errorf("register processes: %w", err)
	}
	logger.Info("master scan finished", "new_rows", added, "processes", len(res.Processes))
	s.announce(ctx, domain.ChangedScanMaster, dt.ID)
	report(50)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batches, err := adapter.TypeSample(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan data types: %w", err)
	}
	res.Inferred, err = s.engine.Infer(ctx, dt, batches)
	if err != nil {
		return nil, fmt.Errorf("scan data types: %w", err)
	}
	logger.Info("type scan finished", "classified", len(res.Inferred))
	s.announce(ctx, domain.ChangedScanDataType, dt.ID)
	report(100)
	return res, nil
}

// OverrideType is the user path for changing a column's type.
func (s *Service) OverrideType(ctx context.Context, dataTableID int64, column string, t domain.RawType) error {
	dt, err := s.tables.GetByID(ctx, dataTableID)
	if err != nil {
		return err
	}
	if err := s.engine.OverrideType(ctx, dt, column, t); err != nil {
		return err
	}
	s.announceMaster(ctx, dt, map[string]any{"column": column, "data_type": string(t)})
	return nil
}

// Approve freezes the master mappings of a data table. Later scans only
// classify types.
func (s *Service) Approve(ctx context.Context, dataTableID int64) error {
	dt, err := s.tables.GetByID(ctx, dataTableID)
	if err != nil {
		return err
	}
	if dt.Approved {
		return nil
	}
	if err := s.tables.SetApproved(ctx, dataTableID, true); err != nil {
		return err
	}
	s.logger.Info("mappings approved", "data_table_id", dataTableID)
	s.announceMaster(ctx, dt, map[string]any{"approved": true})
	return nil
}

func (s *Service) announceMaster(ctx context.Context, dt *domain.DataTable, content any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishMasterChange(ctx, dt.ID, dt.Name, domain.CrudUpdate, content); err != nil {
		s.logger.Warn("publish mapping change", "data_table_id", dt.ID, "error", err)
	}
}

func (s *Service) scanMaster(ctx context.Context, dt *domain.DataTable, adapter source.Adapter) (*domain.MasterTriad, int, error) {
	batches, err := adapter.MasterSample(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer batches.Close() //nolint:errcheck

	var (
		triad *domain.MasterTriad
		added int
	)
	for {
		f, err := batches.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, added, err
		}
		r, err := s.splitter.Split(ctx, dt, f, nil)
		if err != nil {
			return nil, added, err
		}
		triad = r.Triad
		added += r.NewRows()
	}
	return triad, added, nil
}

// registerProcesses creates a process per distinct process value of the
// ProcessData relation. Tables without a process column feed a single
// process named after the table.
func (s *Service) registerProcesses(ctx context.Context, dt *domain.DataTable, triad *domain.MasterTriad) ([]domain.Process, error) {
	group, _, ok := dt.ProcessGroup()
	if !ok {
		p, err := s.processes.Upsert(ctx, dt.ID, dt.Name)
		if err != nil {
			return nil, err
		}
		return []domain.Process{*p}, nil
	}
	if triad == nil || triad.ProcessData == nil {
		return nil, nil
	}
	col := -1
	for i, g := range triad.ProcessData.Columns {
		if g == group {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, nil
	}

	var out []domain.Process
	seen := make(map[string]bool)
	for _, row := range triad.ProcessData.Rows {
		name := row.Values[col]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		p, err := s.processes.Upsert(ctx, dt.ID, name)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *Service) announce(ctx context.Context, changed domain.ChangedType, dataTableID int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishImport(ctx, changed, dataTableID, 0); err != nil {
		s.logger.Warn("publish scan result", "changed_type", string(changed), "data_table_id", dataTableID, "error", err)
	}
}
