package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// SubmitFunc queues a local job. It returns a nil job when this server does
// not run jobs of that kind.
type SubmitFunc func(ctx context.Context, j *domain.Job) (*domain.Job, error)

// CancelFunc cancels a local job.
type CancelFunc func(ctx context.Context, jobID string) error

// Receiver turns envelopes from other servers into local jobs.
type Receiver struct {
	origin string
	submit SubmitFunc
	cancel CancelFunc
	logger *slog.Logger
}

// NewReceiver creates a receiver that ignores envelopes from origin.
func NewReceiver(origin string, submit SubmitFunc, cancel CancelFunc, logger *slog.Logger) *Receiver {
	return &Receiver{origin: origin, submit: submit, cancel: cancel, logger: logger.With("component", "bridge-receiver")}
}

// Start subscribes the receiver to bus.
func (r *Receiver) Start(bus Bus) (stop func(), err error) {
	return bus.Subscribe(r.Handle)
}

// JobFor maps an envelope to the local job it triggers, or nil.
func JobFor(e Envelope) *domain.Job {
	switch e.ChangedType {
	case domain.ChangedTransactionImport:
		if e.ProcessID == 0 {
			return nil
		}
		return &domain.Job{Kind: domain.JobKindSyncTransaction, DataTableID: e.DataTableID, ProcessID: e.ProcessID}
	case domain.ChangedMasterImport, domain.ChangedMasterConfig, domain.ChangedScanMaster, domain.ChangedScanDataType:
		if e.DataTableID == 0 {
			return nil
		}
		return &domain.Job{Kind: domain.JobKindSyncMaster, DataTableID: e.DataTableID}
	case domain.ChangedProcLink:
		return &domain.Job{Kind: domain.JobKindAutoLink, ProcessID: e.ProcessID}
	}
	return nil
}

// Handle processes one envelope.
func (r *Receiver) Handle(ctx context.Context, e Envelope) {
	if e.Origin == r.origin {
		return
	}
	logger := r.logger.With("changed_type", string(e.ChangedType), "origin", e.Origin)

	switch e.ChangedType {
	case domain.ChangedJobCancel:
		var c cancelContent
		if err := json.Unmarshal(e.JSONContent, &c); err != nil || c.JobID == "" {
			logger.Warn("malformed cancel envelope", "error", err)
			return
		}
		if err := r.cancel(ctx, c.JobID); err != nil && !domain.IsNotFound(err) {
			logger.Warn("cancel job", "job_id", c.JobID, "error", err)
		}
		return
	case domain.ChangedCategoryDrift:
		var d driftContent
		if err := json.Unmarshal(e.JSONContent, &d); err != nil {
			logger.Warn("malformed drift envelope", "data_table_id", e.DataTableID, "error", err)
			return
		}
		logger.Warn("category column exceeded its ceiling, import deferred",
			"data_table_id", e.DataTableID, "column", d.Column, "distinct", d.Distinct,
			"ceiling", d.Ceiling, "rescheduled_job_id", d.JobID)
		return
	case domain.ChangedConfig:
		logger.Info("configuration changed", "table_name", e.TableName, "crud_type", string(e.CrudType))
		return
	}

	j := JobFor(e)
	if j == nil {
		logger.Debug("envelope ignored", "data_table_id", e.DataTableID, "process_id", e.ProcessID)
		return
	}
	created, err := r.submit(ctx, j)
	if err != nil {
		logger.Warn("submit job", "kind", string(j.Kind), "error", err)
		return
	}
	if created == nil {
		logger.Debug("job kind not run here", "kind", string(j.Kind))
		return
	}
	logger.Info("job submitted", "job_id", created.ID, "kind", string(created.Kind))
}
