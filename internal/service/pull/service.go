// Package pull imports transaction rows from data sources into the
// transaction store, window by window.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/job"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/window"
)

// DefaultRowLimit is the window ceiling of data tables without their own.
const DefaultRowLimit = 100000

// Opener builds the source adapter of a data table.
type Opener func(dt *domain.DataTable) (source.Adapter, error)

// CategoryTracker records category values seen in imported rows.
type CategoryTracker interface {
	TrackCategories(ctx context.Context, dt *domain.DataTable, f *domain.Frame, force bool) error
}

// Publisher announces imported cycles.
type Publisher interface {
	PublishImport(ctx context.Context, changed domain.ChangedType, dataTableID, processID int64) error
}

// Forwarder hands a job to the Bridge.
type Forwarder interface {
	Forward(ctx context.Context, j *domain.Job) (string, error)
}

// Options configures a Service. Every field is optional.
type Options struct {
	RowLimit   int
	Categories CategoryTracker
	Publisher  Publisher
	// Forwarder is set on the Edge: jobs of remote-only data tables are
	// sent to the Bridge instead of running locally.
	Forwarder Forwarder
	Metrics   *job.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service runs PULL_FUTURE and PULL_PAST jobs.
type Service struct {
	tables     domain.DataTableRepository
	processes  domain.ProcessRepository
	cursors    domain.PullCursorRepository
	store      domain.TransactionStore
	tracker    *window.PartitionTracker
	open       Opener
	opts       Options
	logger     *slog.Logger
	mu         sync.Mutex
	controller map[controllerKey]*window.Controller
}

type controllerKey struct {
	dataTableID int64
	dir         domain.Direction
}

// NewService creates a pull service. tracker may be nil when no data
// table is partitioned.
func NewService(
	tables domain.DataTableRepository,
	processes domain.ProcessRepository,
	cursors domain.PullCursorRepository,
	store domain.TransactionStore,
	tracker *window.PartitionTracker,
	open Opener,
	opts Options,
) *Service {
	if opts.RowLimit <= 0 {
		opts.RowLimit = DefaultRowLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		tables:     tables,
		processes:  processes,
		cursors:    cursors,
		store:      store,
		tracker:    tracker,
		open:       open,
		opts:       opts,
		logger:     opts.Logger.With("component", "pull"),
		controller: make(map[controllerKey]*window.Controller),
	}
}

// controllerFor keeps one controller per data table and direction, so the
// window history outlives a single job.
func (s *Service) controllerFor(dt *domain.DataTable, dir domain.Direction) *window.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := dt.RowLimit
	if limit <= 0 {
		limit = s.opts.RowLimit
	}
	k := controllerKey{dataTableID: dt.ID, dir: dir}
	c, ok := s.controller[k]
	if !ok || c.Limit() != limit {
		c = window.NewController(limit)
		s.controller[k] = c
	}
	return c
}

func direction(kind domain.JobKind) (domain.Direction, error) {
	switch kind {
	case domain.JobKindPullFuture:
		return domain.DirectionFuture, nil
	case domain.JobKindPullPast:
		return domain.DirectionPast, nil
	}
	return "", domain.ErrValidation("job kind %q is not a pull", kind)
}

// Run is the job body of PULL_FUTURE and PULL_PAST jobs.
func (s *Service) Run(ctx context.Context, j *domain.Job, report func(float64)) (domain.JobResult, error) {
	dir, err := direction(j.Kind)
	if err != nil {
		return domain.JobResult{}, err
	}
	dt, err := s.tables.GetByID(ctx, j.DataTableID)
	if err != nil {
		return domain.JobResult{}, err
	}
	logger := s.logger.With("job_id", j.ID, "data_table_id", dt.ID, "direction", string(dir))

	if dt.RemoteOnly && s.opts.Forwarder != nil {
		remote, err := s.opts.Forwarder.Forward(ctx, j)
		if err != nil {
			return domain.JobResult{}, fmt.Errorf("forward to bridge: %w", err)
		}
		logger.Info("pull forwarded to bridge", "bridge_job_id", remote)
		return domain.JobResult{Message: "bridge job " + remote}, domain.ErrSentToBridge
	}

	dt = source.Effective(dt)
	adapter, err := s.open(dt)
	if err != nil {
		return domain.JobResult{}, err
	}
	defer adapter.Close() //nolint:errcheck

	if dt.Partition != "" && s.tracker != nil {
		if p, ok := source.AsPartitioned(adapter); ok {
			if _, err := s.tracker.Refresh(ctx, dt.ID, p); err != nil {
				return domain.JobResult{}, fmt.Errorf("refresh partitions: %w", err)
			}
		}
	}

	cur, err := s.cursors.Get(ctx, dt.ID, dir)
	switch {
	case err == nil:
	case domain.IsNotFound(err):
		cur = &domain.PullCursor{DataTableID: dt.ID, Direction: dir}
	default:
		return domain.JobResult{}, err
	}

	imp := &importer{svc: s, job: j, dt: dt, logger: logger, processIDs: make(map[string]int64), touched: make(map[int64]bool)}
	walker := &window.Walker{
		Direction:  dir,
		Source:     adapter,
		Controller: s.controllerFor(dt, dir),
		Logger:     logger,
		Now:        s.opts.Now,
		Checkpoint: func(ctx context.Context, c domain.PullCursor) error {
			c.DataTableID = dt.ID
			return s.cursors.Save(ctx, &c)
		},
		Progress: report,
	}
	_, stats, err := walker.Walk(ctx, *cur, func(ctx context.Context, w domain.Window, limit int) (int64, error) {
		s.opts.Metrics.Window(dt.ID, dir, w.Duration())
		stream, err := adapter.TransactionStream(ctx, w, limit)
		if err != nil {
			return 0, err
		}
		f, err := source.Drain(ctx, stream)
		if err != nil {
			return 0, err
		}
		return imp.window(ctx, f)
	})
	imp.announce(ctx)
	if err != nil {
		return domain.JobResult{Rows: stats.Rows}, err
	}

	res := domain.JobResult{
		Rows:    stats.Rows,
		Message: fmt.Sprintf("%d rows in %d windows (%d empty, %d capped)", stats.Rows, stats.Windows, stats.Empty, stats.Capped),
	}
	logger.Info("pull finished", "rows", stats.Rows, "windows", stats.Windows, "rejected", len(imp.rejected))
	if len(imp.rejected) > 0 {
		res.Quarantined = len(imp.rejected)
		return res, &domain.DataError{Columns: domain.CycleRejectColumns, Rows: imp.rejected}
	}
	return res, nil
}

// importer carries the state of one pull job across windows.
type importer struct {
	svc        *Service
	job        *domain.Job
	dt         *domain.DataTable
	logger     *slog.Logger
	processIDs map[string]int64
	touched    map[int64]bool
	rejected   []domain.RowError
}

func (im *importer) processID(ctx context.Context, name string) (int64, error) {
	if id, ok := im.processIDs[name]; ok {
		return id, nil
	}
	p, err := im.svc.processes.Upsert(ctx, im.dt.ID, name)
	if err != nil {
		return 0, fmt.Errorf("register process %q: %w", name, err)
	}
	im.processIDs[name] = p.ID
	return p.ID, nil
}

// window imports the rows of one window. Category values are checked
// first so a drifting column stops the job before any of the window's rows
// are stored. Rejected rows are collected and the walk goes on.
func (im *importer) window(ctx context.Context, f *domain.Frame) (int64, error) {
	if im.svc.opts.Categories != nil {
		if err := im.svc.opts.Categories.TrackCategories(ctx, im.dt, f, im.job.ForceCategoryChange); err != nil {
			return 0, err
		}
	}

	grouped := toCycles(im.dt, f)
	im.rejected = append(im.rejected, grouped.rejected...)

	var stored int64
	for _, name := range grouped.order {
		pid, err := im.processID(ctx, name)
		if err != nil {
			return stored, err
		}
		n, err := im.svc.store.Import(ctx, pid, grouped.cycles[name])
		var de *domain.DataError
		switch {
		case errors.As(err, &de):
			im.rejected = append(im.rejected, de.Rows...)
		case err != nil:
			return stored, fmt.Errorf("import process %d: %w", pid, err)
		}
		if n > 0 {
			im.touched[pid] = true
		}
		stored += int64(n)
	}
	im.svc.opts.Metrics.RowsPulled(im.dt.ID, stored)
	return stored, nil
}

func (im *importer) announce(ctx context.Context) {
	if im.svc.opts.Publisher == nil {
		return
	}
	for pid := range im.touched {
		if err := im.svc.opts.Publisher.PublishImport(ctx, domain.ChangedTransactionImport, im.dt.ID, pid); err != nil {
			im.logger.Warn("publish import", "process_id", pid, "error", err)
		}
	}
}

// SampleSource re-reads a process's source backwards from its newest data
// until need (serial, time) samples are found. Nothing is imported. Auto
// link uses it as its last tier.
func (s *Service) SampleSource(ctx context.Context, processID int64, need int) ([]domain.AutoLinkSample, error) {
	p, err := s.processes.GetByID(ctx, processID)
	if err != nil {
		return nil, err
	}
	stored, err := s.tables.GetByID(ctx, p.DataTableID)
	if err != nil {
		return nil, err
	}
	if stored.RemoteOnly && s.opts.Forwarder != nil {
		return nil, nil
	}
	dt := source.Effective(stored)
	adapter, err := s.open(dt)
	if err != nil {
		return nil, err
	}
	defer adapter.Close() //nolint:errcheck

	seen := make(map[string]int)
	var out []domain.AutoLinkSample
	walker := &window.Walker{
		Direction:  domain.DirectionAutoLink,
		Source:     adapter,
		Controller: s.controllerFor(dt, domain.DirectionAutoLink),
		Logger:     s.logger.With("process_id", processID),
		Now:        s.opts.Now,
		Enough:     func() bool { return len(out) >= need },
	}
	_, _, err = walker.Walk(ctx, domain.PullCursor{DataTableID: dt.ID}, func(ctx context.Context, w domain.Window, limit int) (int64, error) {
		stream, err := adapter.TransactionStream(ctx, w, limit)
		if err != nil {
			return 0, err
		}
		f, err := source.Drain(ctx, stream)
		if err != nil {
			return 0, err
		}
		cycles := toCycles(dt, f).cycles[p.Name]
		for _, c := range cycles {
			if c.Serial == "" {
				continue
			}
			if i, ok := seen[c.Serial]; ok {
				if c.Time.After(out[i].Time) {
					out[i].Time = c.Time
				}
				continue
			}
			seen[c.Serial] = len(out)
			out = append(out, domain.AutoLinkSample{ProcessID: processID, Serial: c.Serial, Time: c.Time})
		}
		return int64(len(cycles)), nil
	})
	if err != nil {
		return out, err
	}
	if len(out) > need {
		out = out[:need]
	}
	return out, nil
}

// RecentFileWindow is how far back SampleFiles looks at drop files.
const RecentFileWindow = 7 * 24 * time.Hour

// SampleFiles reads (serial, time) samples of a process from drop files
// modified within RecentFileWindow. Data tables that are not file drops
// yield nothing.
func (s *Service) SampleFiles(ctx context.Context, processID int64, need int) ([]domain.AutoLinkSample, error) {
	p, err := s.processes.GetByID(ctx, processID)
	if err != nil {
		return nil, err
	}
	dt, err := s.tables.GetByID(ctx, p.DataTableID)
	if err != nil {
		return nil, err
	}
	if !dt.Kind.IsFileDrop() || dt.RemoteOnly {
		return nil, nil
	}
	adapter, err := s.open(dt)
	if err != nil {
		return nil, err
	}
	defer adapter.Close() //nolint:errcheck

	f, err := source.RecentFiles(ctx, adapter, s.opts.Now().Add(-RecentFileWindow))
	if err != nil {
		return nil, err
	}
	var out []domain.AutoLinkSample
	for _, c := range toCycles(dt, f).cycles[p.Name] {
		if c.Serial != "" {
			out = append(out, domain.AutoLinkSample{ProcessID: processID, Serial: c.Serial, Time: c.Time})
		}
	}
	out = domain.DedupeLatest(out)
	if len(out) > need {
		out = out[:need]
	}
	return out, nil
}
