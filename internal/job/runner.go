// Package job runs ingestion jobs: it persists their status and progress,
// watches for operator cancellation and maps failures onto job statuses.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// DefaultPollInterval is how often a running job checks its cancel flag.
const DefaultPollInterval = 2 * time.Second

// Handler is a job body. It reports progress in percent and returns a
// typed result. A body must return promptly once ctx is canceled.
type Handler func(ctx context.Context, j *domain.Job, report func(percent float64)) (domain.JobResult, error)

// DriftNotifier tells operators that a job was deferred by schema drift.
type DriftNotifier interface {
	NotifyDrift(ctx context.Context, j *domain.Job, drift *domain.SchemaDriftError) error
}

// Options configures a Runner. Zero values disable the optional parts.
type Options struct {
	Flags           domain.CancelFlags
	Quarantine      *Quarantine
	Scheduler       *Scheduler
	Metrics         *Metrics
	Notifier        DriftNotifier
	PollInterval    time.Duration
	RescheduleDelay time.Duration
	Logger          *slog.Logger
}

// Runner executes jobs through registered handlers.
type Runner struct {
	jobs   domain.JobRepository
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[domain.JobKind]Handler
	running  map[string]bool
	deferred map[string]bool
}

// NewRunner creates a runner over the job repository.
func NewRunner(jobs domain.JobRepository, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Flags == nil {
		opts.Flags = NewMemoryFlags()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RescheduleDelay <= 0 {
		opts.RescheduleDelay = domain.RescheduleDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		jobs:     jobs,
		opts:     opts,
		logger:   opts.Logger.With("component", "job-runner"),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[domain.JobKind]Handler),
		running:  make(map[string]bool),
		deferred: make(map[string]bool),
	}
}

// Register installs the body for a job kind.
func (r *Runner) Register(kind domain.JobKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Submit stores a new job and runs it in the background.
func (r *Runner) Submit(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	if _, ok := r.handler(j.Kind); !ok {
		return nil, domain.ErrValidation("no handler for job kind %q", j.Kind)
	}
	created, err := r.jobs.Create(ctx, j)
	if err != nil {
		return nil, err
	}
	r.goRun(created)
	return created, nil
}

func (r *Runner) goRun(j *domain.Job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(r.ctx, j)
	}()
}

// Cancel asks a running job to stop at its next checkpoint. A job that is
// waiting, deferred or not running here is finished as KILLED at once.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	j, err := r.jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return domain.ErrConflict("job %s already finished with status %s", id, j.Status)
	}
	if r.opts.Scheduler != nil {
		r.opts.Scheduler.Cancel(scheduleID(id))
	}
	if !r.claim(id) {
		return r.opts.Flags.Request(ctx, id)
	}
	defer r.release(id)
	return r.jobs.Finish(ctx, id, domain.JobKilled, "canceled before start")
}

// Resume starts j in the background when it is PENDING and neither running
// nor deferred. It reports whether a run was started.
func (r *Runner) Resume(j *domain.Job) bool {
	if j.Status != domain.JobPending {
		return false
	}
	h, ok := r.handler(j.Kind)
	if !ok {
		return false
	}
	r.mu.Lock()
	if r.running[j.ID] || r.deferred[j.ID] {
		r.mu.Unlock()
		return false
	}
	r.running[j.ID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(j.ID)
		logger := r.jobLogger(j)
		// The listing may predate a cancel.
		cur, err := r.jobs.GetByID(r.ctx, j.ID)
		if err != nil || cur.Status != domain.JobPending {
			logger.Debug("job no longer pending", "error", err)
			return
		}
		r.execute(r.ctx, logger, cur, h)
	}()
	return true
}

// RunPending resumes every PENDING job and returns how many were started.
func (r *Runner) RunPending(ctx context.Context) (int, error) {
	pending, err := r.jobs.List(ctx, domain.JobFilter{Status: domain.JobPending})
	if err != nil {
		return 0, err
	}
	started := 0
	for i := range pending {
		if r.Resume(&pending[i]) {
			started++
		}
	}
	return started, nil
}

// Close cancels running jobs and waits for them to return. Interrupted
// jobs go back to PENDING.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every background run has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Handles reports whether a body is registered for kind.
func (r *Runner) Handles(kind domain.JobKind) bool {
	_, ok := r.handler(kind)
	return ok
}

func (r *Runner) handler(kind domain.JobKind) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	delete(r.deferred, id)
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

func (r *Runner) jobLogger(j *domain.Job) *slog.Logger {
	return r.logger.With("job_id", j.ID, "kind", string(j.Kind), "data_table_id", j.DataTableID)
}

// Run executes j synchronously and returns its final status.
func (r *Runner) Run(ctx context.Context, j *domain.Job) domain.JobStatus {
	logger := r.jobLogger(j)
	h, ok := r.handler(j.Kind)
	if !ok {
		r.finish(ctx, logger, j, domain.JobFatal, fmt.Sprintf("no handler for job kind %q", j.Kind), 0)
		return domain.JobFatal
	}
	if !r.claim(j.ID) {
		logger.Debug("job already running")
		return domain.JobProcessing
	}
	defer r.release(j.ID)
	return r.execute(ctx, logger, j, h)
}

// execute runs a claimed job through h and records the outcome.
func (r *Runner) execute(ctx context.Context, logger *slog.Logger, j *domain.Job, h Handler) domain.JobStatus {
	if err := r.jobs.MarkProcessing(ctx, j.ID); err != nil {
		logger.Error("mark job processing", "error", err)
		return j.Status
	}
	logger.Info("job started", "force_category_change", j.ForceCategoryChange)
	start := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := r.watchCancel(runCtx, cancel, j.ID, logger)

	res, err := h(runCtx, j, r.reporter(ctx, j.ID, logger))
	stopWatch()

	status, msg := r.outcome(ctx, logger, j, res, err, context.Cause(runCtx))
	r.finish(ctx, logger, j, status, msg, time.Since(start))
	if ferr := r.opts.Flags.Clear(context.WithoutCancel(ctx), j.ID); ferr != nil {
		logger.Warn("clear cancel flag", "error", ferr)
	}
	return status
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, j *domain.Job, status domain.JobStatus, msg string, took time.Duration) {
	if err := r.jobs.Finish(context.WithoutCancel(ctx), j.ID, status, msg); err != nil {
		logger.Error("record job outcome", "status", string(status), "error", err)
	}
	r.opts.Metrics.JobFinished(j.Kind, status, took)
	attrs := []any{"status", string(status), "duration", took}
	if msg != "" {
		attrs = append(attrs, "message", msg)
	}
	switch status {
	case domain.JobDone, domain.JobSentToBridge, domain.JobKilled:
		logger.Info("job finished", attrs...)
	default:
		logger.Warn("job finished", attrs...)
	}
}

// reporter persists progress when it moves by at least one point.
func (r *Runner) reporter(ctx context.Context, id string, logger *slog.Logger) func(float64) {
	var (
		mu   sync.Mutex
		last = -1.0
	)
	return func(p float64) {
		p = math.Max(0, math.Min(100, p))
		mu.Lock()
		if p-last < 1 && p != 100 {
			mu.Unlock()
			return
		}
		last = p
		mu.Unlock()
		if err := r.jobs.UpdateProgress(context.WithoutCancel(ctx), id, p); err != nil {
			logger.Debug("update progress", "error", err)
		}
	}
}

// watchCancel polls the cancel flag until stop is called.
func (r *Runner) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, id string, logger *slog.Logger) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := r.opts.Flags.Requested(ctx, id)
				if err != nil {
					logger.Debug("poll cancel flag", "error", err)
					continue
				}
				if requested {
					logger.Info("cancel requested")
					cancel(domain.ErrCanceled)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (r *Runner) outcome(ctx context.Context, logger *slog.Logger, j *domain.Job, res domain.JobResult, err, cause error) (domain.JobStatus, string) {
	var (
		dataErr  *domain.DataError
		driftErr *domain.SchemaDriftError
		fatalErr *domain.FatalError
	)
	switch {
	case err == nil:
		return domain.JobDone, res.Message
	case errors.Is(err, domain.ErrSentToBridge):
		return domain.JobSentToBridge, res.Message
	case errors.Is(err, domain.ErrCanceled) || errors.Is(cause, domain.ErrCanceled):
		return domain.JobKilled, "canceled by operator"
	case errors.As(err, &fatalErr):
		return domain.JobFatal, err.Error()
	case errors.As(err, &driftErr):
		next, rerr := r.reschedule(ctx, j, driftErr)
		if rerr != nil {
			logger.Error("reschedule after schema drift", "error", rerr)
			return domain.JobFailed, fmt.Sprintf("%v; reschedule failed: %v", err, rerr)
		}
		return domain.JobFailed, fmt.Sprintf("%v; rescheduled as job %s", err, next)
	case errors.As(err, &dataErr):
		files, qerr := r.opts.Quarantine.write(j, dataErr)
		if qerr != nil {
			return domain.JobFatal, fmt.Sprintf("%v; quarantine failed: %v", err, qerr)
		}
		r.opts.Metrics.Quarantined(len(dataErr.Rows))
		msg := err.Error()
		if files.Rows != "" {
			msg = fmt.Sprintf("%s; quarantined to %s", msg, files.Rows)
		}
		return domain.JobFailed, msg
	case domain.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return domain.JobPending, err.Error()
	default:
		return domain.JobFailed, err.Error()
	}
}

// write tolerates a nil quarantine so runners without a directory still
// finish data errors as FAILED.
func (q *Quarantine) write(j *domain.Job, de *domain.DataError) (Files, error) {
	if q == nil {
		return Files{}, nil
	}
	return q.Write(j, de)
}

func scheduleID(jobID string) string { return "job:" + jobID }

// reschedule creates a forced copy of j that runs after the reschedule
// delay and notifies operators.
func (r *Runner) reschedule(ctx context.Context, j *domain.Job, drift *domain.SchemaDriftError) (string, error) {
	ctx = context.WithoutCancel(ctx)
	next, err := r.jobs.Create(ctx, &domain.Job{
		Kind:                j.Kind,
		DataTableID:         j.DataTableID,
		ProcessID:           j.ProcessID,
		ForceCategoryChange: true,
	})
	if err != nil {
		return "", err
	}
	if r.opts.Scheduler != nil {
		r.mu.Lock()
		r.deferred[next.ID] = true
		r.mu.Unlock()
		err = r.opts.Scheduler.Schedule(scheduleID(next.ID), After(r.opts.RescheduleDelay), func() {
			r.goRun(next)
		})
		if err != nil {
			r.mu.Lock()
			delete(r.deferred, next.ID)
			r.mu.Unlock()
			return "", err
		}
	}
	if r.opts.Notifier != nil {
		if nerr := r.opts.Notifier.NotifyDrift(ctx, next, drift); nerr != nil {
			r.logger.Warn("notify schema drift", "job_id", next.ID, "error", nerr)
		}
	}
	return next.ID, nil
}
