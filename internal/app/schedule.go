package app

import (
	"context"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/job"
)

const triggerTimeout = 30 * time.Second

// scheduleRecurring installs the cron triggers of this role. The Bridge
// pulls and links; the Edge pulls and replicates.
func (a *App) scheduleRecurring() error {
	if err := a.Scheduler.Schedule("pull", job.Every(a.Cfg.PullSchedule), a.trigger(a.triggerPulls)); err != nil {
		return err
	}
	if a.Cfg.IsEdge() {
		return a.Scheduler.Schedule("sync", job.Every(a.Cfg.SyncSchedule), a.trigger(func(ctx context.Context) {
			a.submitOnce(ctx, &domain.Job{Kind: domain.JobKindSyncTransaction})
		}))
	}
	return a.Scheduler.Schedule("autolink", job.Every(a.Cfg.AutoLinkSchedule), a.trigger(func(ctx context.Context) {
		a.submitOnce(ctx, &domain.Job{Kind: domain.JobKindAutoLink})
	}))
}

func (a *App) trigger(fn func(ctx context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()
		fn(ctx)
	}
}

// triggerPulls queues a future pull for every data table that has been
// scanned at least once.
func (a *App) triggerPulls(ctx context.Context) {
	tables, err := a.Repos.Tables.List(ctx)
	if err != nil {
		a.logger.Warn("list data tables", "error", err)
		return
	}
	for _, dt := range tables {
		procs, err := a.Repos.Processes.ListByDataTable(ctx, dt.ID)
		if err != nil {
			a.logger.Warn("list processes", "data_table_id", dt.ID, "error", err)
			continue
		}
		if len(procs) == 0 {
			continue
		}
		a.submitOnce(ctx, &domain.Job{Kind: domain.JobKindPullFuture, DataTableID: dt.ID})
	}
}

// submitOnce submits j unless a job of the same kind, data table and
// process is already waiting or running. A waiting job, such as one left
// PENDING by a transient failure, is resumed instead. It returns the job
// that covers the request.
func (a *App) submitOnce(ctx context.Context, j *domain.Job) *domain.Job {
	for _, st := range []domain.JobStatus{domain.JobPending, domain.JobProcessing} {
		active, err := a.Repos.Jobs.List(ctx, domain.JobFilter{Kind: j.Kind, Status: st})
		if err != nil {
			a.logger.Warn("list active jobs", "kind", string(j.Kind), "error", err)
			return nil
		}
		for i := range active {
			if active[i].DataTableID == j.DataTableID && active[i].ProcessID == j.ProcessID {
				if a.Runner.Resume(&active[i]) {
					a.logger.Info("resumed pending job", "job_id", active[i].ID, "kind", string(j.Kind))
				}
				return &active[i]
			}
		}
	}
	created, err := a.Runner.Submit(ctx, j)
	if err != nil {
		a.logger.Warn("submit scheduled job", "kind", string(j.Kind), "data_table_id", j.DataTableID, "error", err)
		return nil
	}
	return created
}
