package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// Method names served by the Bridge.
const (
	MethodTransactionPull      = "transaction.pull"
	MethodTransactionProcesses = "transaction.processes"
	MethodMasterSnapshot       = "master.snapshot"
	MethodJobSubmit            = "job.submit"
	MethodJobCancel            = "job.cancel"
)

// DefaultPageSize is the number of cycles per streamed batch.
const DefaultPageSize = 1000

// Caller is the client side of the call channel.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
	CallStream(ctx context.Context, method string, params any, fn func(json.RawMessage) error) error
}

var _ Caller = (*Client)(nil)

// SnapshotStore loads and saves master triads.
type SnapshotStore interface {
	Load(ctx context.Context, dataTableID int64) (*domain.MasterTriad, error)
	Save(ctx context.Context, dataTableID int64, t *domain.MasterTriad) error
}

type pullParams struct {
	ProcessID    int64 `json:"process_id"`
	AfterCycleID int64 `json:"after_cycle_id"`
	Limit        int   `json:"limit,omitempty"`
}

type wireCycle struct {
	CycleID int64          `json:"cycle_id"`
	Serial  string         `json:"serial"`
	Time    time.Time      `json:"time"`
	Values  map[string]any `json:"values,omitempty"`
}

type dataTableParams struct {
	DataTableID int64 `json:"data_table_id"`
}

type jobParams struct {
	ID                  string         `json:"id,omitempty"`
	Kind                domain.JobKind `json:"kind"`
	DataTableID         int64          `json:"data_table_id,omitempty"`
	ProcessID           int64          `json:"process_id,omitempty"`
	ForceCategoryChange bool           `json:"force_category_change,omitempty"`
}

// BridgeHandlers are the collaborators behind the Bridge-side methods.
// Nil fields leave the corresponding methods unregistered.
type BridgeHandlers struct {
	Transactions domain.TransactionStore
	Processes    func(ctx context.Context) ([]int64, error)
	Snapshots    SnapshotStore
	Submit       SubmitFunc
	Cancel       CancelFunc
}

// RegisterBridgeHandlers installs the Bridge-side methods on srv.
func RegisterBridgeHandlers(srv *Server, h BridgeHandlers) {
	if h.Transactions != nil {
		srv.HandleStream(MethodTransactionPull, func(ctx context.Context, raw json.RawMessage, send func(any) error) error {
			var p pullParams
			if err := decodeParams(raw, &p); err != nil {
				return err
			}
			return streamCycles(ctx, h.Transactions, p, send)
		})
	}
	if h.Processes != nil {
		srv.Handle(MethodTransactionProcesses, func(ctx context.Context, _ json.RawMessage) (any, error) {
			return h.Processes(ctx)
		})
	}
	if h.Snapshots != nil {
		srv.Handle(MethodMasterSnapshot, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p dataTableParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return h.Snapshots.Load(ctx, p.DataTableID)
		})
	}
	if h.Submit != nil {
		srv.Handle(MethodJobSubmit, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p jobParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			j, err := h.Submit(ctx, &domain.Job{
				Kind:                p.Kind,
				DataTableID:         p.DataTableID,
				ProcessID:           p.ProcessID,
				ForceCategoryChange: p.ForceCategoryChange,
			})
			if err != nil {
				return nil, err
			}
			return jobParams{ID: j.ID, Kind: j.Kind, DataTableID: j.DataTableID, ProcessID: j.ProcessID}, nil
		})
	}
	if h.Cancel != nil {
		srv.Handle(MethodJobCancel, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p jobParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return nil, h.Cancel(ctx, p.ID)
		})
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return domain.ErrValidation("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.ErrValidation("invalid params: %v", err)
	}
	return nil
}

func streamCycles(ctx context.Context, store domain.TransactionStore, p pullParams, send func(any) error) error {
	after := p.AfterCycleID
	remaining := p.Limit
	for {
		page := DefaultPageSize
		if p.Limit > 0 && remaining < page {
			page = remaining
		}
		if page <= 0 {
			return nil
		}
		cycles, err := store.After(ctx, p.ProcessID, after, page)
		if err != nil {
			return err
		}
		if len(cycles) == 0 {
			return nil
		}
		batch := make([]wireCycle, len(cycles))
		for i, c := range cycles {
			batch[i] = wireCycle{CycleID: c.CycleID, Serial: c.Serial, Time: c.Time, Values: c.Values}
		}
		if err := send(batch); err != nil {
			return err
		}
		after = cycles[len(cycles)-1].CycleID
		remaining -= len(cycles)
		if len(cycles) < page {
			return nil
		}
	}
}

// Replicator copies transaction cycles from the Bridge into the Edge's
// local store.
type Replicator struct {
	client     Caller
	store      domain.TransactionStore
	watermarks domain.WatermarkRepository
	logger     *slog.Logger
}

// NewReplicator creates an Edge-side replicator.
func NewReplicator(client Caller, store domain.TransactionStore, watermarks domain.WatermarkRepository, logger *slog.Logger) *Replicator {
	return &Replicator{client: client, store: store, watermarks: watermarks, logger: logger.With("component", "replicator")}
}

// Sync pulls every cycle after the process's watermark. Each batch is
// applied in one store transaction, and the watermark moves only after
// that commit.
func (r *Replicator) Sync(ctx context.Context, processID int64) (int, error) {
	var after int64
	wm, err := r.watermarks.Get(ctx, processID)
	switch {
	case err == nil:
		after = wm.LastSyncedCycleID
	case domain.IsNotFound(err):
	default:
		return 0, err
	}

	applied := 0
	err = r.client.CallStream(ctx, MethodTransactionPull, pullParams{ProcessID: processID, AfterCycleID: after},
		func(raw json.RawMessage) error {
			var batch []wireCycle
			if err := json.Unmarshal(raw, &batch); err != nil {
				return fmt.Errorf("decode cycle batch: %w", err)
			}
			if len(batch) == 0 {
				return nil
			}
			cycles := make([]domain.Cycle, len(batch))
			var maxID int64
			for i, w := range batch {
				cycles[i] = domain.Cycle{ProcessID: processID, CycleID: w.CycleID, Serial: w.Serial, Time: w.Time, Values: w.Values}
				if w.CycleID > maxID {
					maxID = w.CycleID
				}
			}
			if err := r.store.Apply(ctx, processID, cycles); err != nil {
				return err
			}
			if err := r.watermarks.Advance(ctx, processID, maxID); err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
			applied += len(cycles)
			return nil
		})
	if err != nil {
		return applied, err
	}
	if applied > 0 {
		r.logger.Info("replicated cycles", "process_id", processID, "cycles", applied)
	}
	return applied, nil
}

// SyncAll syncs every process the Bridge holds cycles for.
func (r *Replicator) SyncAll(ctx context.Context) (int, error) {
	var ids []int64
	if err := r.client.Call(ctx, MethodTransactionProcesses, nil, &ids); err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := r.Sync(ctx, id)
		total += n
		if err != nil {
			return total, fmt.Errorf("sync process %d: %w", id, err)
		}
	}
	return total, nil
}

// SyncMaster copies the Bridge's master snapshot of a data table into the
// local snapshot store.
func SyncMaster(ctx context.Context, client Caller, store SnapshotStore, dataTableID int64) (*domain.MasterTriad, error) {
	var t domain.MasterTriad
	if err := client.Call(ctx, MethodMasterSnapshot, dataTableParams{DataTableID: dataTableID}, &t); err != nil {
		return nil, err
	}
	if t.FactoryMachine == nil || t.Part == nil || t.ProcessData == nil {
		return nil, fmt.Errorf("incomplete master snapshot for data table %d", dataTableID)
	}
	if err := store.Save(ctx, dataTableID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Forwarder hands jobs the Edge cannot run to the Bridge.
type Forwarder struct {
	client Caller
}

// NewForwarder creates a forwarder.
func NewForwarder(client Caller) *Forwarder { return &Forwarder{client: client} }

// Forward submits j on the Bridge and returns the Bridge's job id.
func (f *Forwarder) Forward(ctx context.Context, j *domain.Job) (string, error) {
	var out jobParams
	err := f.client.Call(ctx, MethodJobSubmit, jobParams{
		Kind:                j.Kind,
		DataTableID:         j.DataTableID,
		ProcessID:           j.ProcessID,
		ForceCategoryChange: j.ForceCategoryChange,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}
