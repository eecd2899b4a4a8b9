package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// Publisher emits change envelopes after local writes succeed.
type Publisher struct {
	bus    Bus
	origin string
	now    func() time.Time
	logger *slog.Logger
}

// NewPublisher creates a publisher stamping envelopes with origin.
func NewPublisher(bus Bus, origin string, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, origin: origin, now: time.Now, logger: logger.With("component", "bridge-publisher")}
}

func (p *Publisher) publish(ctx context.Context, e Envelope, content any) error {
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encode %s content: %w", e.ChangedType, err)
		}
		e.JSONContent = raw
	}
	e.Origin = p.origin
	e.SentAt = p.now().UTC()
	if err := p.bus.Publish(ctx, e); err != nil {
		return fmt.Errorf("publish %s: %w", e.ChangedType, err)
	}
	p.logger.Debug("published", "changed_type", string(e.ChangedType), "data_table_id", e.DataTableID, "process_id", e.ProcessID)
	return nil
}

// PublishMasterChange announces a change to a data table's master
// definition (columns, relations).
func (p *Publisher) PublishMasterChange(ctx context.Context, dataTableID int64, tableName string, crud domain.CrudType, content any) error {
	return p.publish(ctx, Envelope{
		ChangedType: domain.ChangedMasterConfig,
		DataTableID: dataTableID,
		TableName:   tableName,
		CrudType:    crud,
	}, content)
}

// PublishConfigChange announces a change to shared configuration.
func (p *Publisher) PublishConfigChange(ctx context.Context, tableName string, crud domain.CrudType, content any) error {
	return p.publish(ctx, Envelope{
		ChangedType: domain.ChangedConfig,
		TableName:   tableName,
		CrudType:    crud,
	}, content)
}

// PublishImport announces completed import work of the given kind.
func (p *Publisher) PublishImport(ctx context.Context, changed domain.ChangedType, dataTableID, processID int64) error {
	return p.publish(ctx, Envelope{
		ChangedType: changed,
		DataTableID: dataTableID,
		ProcessID:   processID,
		CrudType:    domain.CrudInsert,
	}, nil)
}

// PublishLink announces that a process was linked to a target process.
func (p *Publisher) PublishLink(ctx context.Context, processID, targetProcessID int64) error {
	return p.publish(ctx, Envelope{
		ChangedType:     domain.ChangedProcLink,
		ProcessID:       processID,
		TargetProcessID: targetProcessID,
		CrudType:        domain.CrudUpdate,
	}, nil)
}

// PublishCancel asks every server to cancel a job.
func (p *Publisher) PublishCancel(ctx context.Context, jobID string) error {
	return p.publish(ctx, Envelope{ChangedType: domain.ChangedJobCancel}, cancelContent{JobID: jobID})
}

type cancelContent struct {
	JobID string `json:"job_id"`
}

type driftContent struct {
	JobID    string `json:"job_id"`
	Column   string `json:"column"`
	Distinct int    `json:"distinct"`
	Ceiling  int    `json:"ceiling"`
}

// NotifyDrift tells operators a job was deferred by schema drift.
func (p *Publisher) NotifyDrift(ctx context.Context, j *domain.Job, drift *domain.SchemaDriftError) error {
	return p.publish(ctx, Envelope{
		ChangedType: domain.ChangedCategoryDrift,
		DataTableID: drift.DataTableID,
		ProcessID:   j.ProcessID,
	}, driftContent{JobID: j.ID, Column: drift.Column, Distinct: drift.Distinct, Ceiling: drift.Ceiling})
}
