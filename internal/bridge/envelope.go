// Package bridge keeps Bridge and Edge servers in sync: change envelopes
// on a pub/sub subject, a gRPC call channel and transaction replication.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// EnvelopeVersion is the wire version written by this build.
const EnvelopeVersion = 1

// Envelope is one change notification on the sync subject.
type Envelope struct {
	V               int                `json:"v"`
	ChangedType     domain.ChangedType `json:"changed_type"`
	ProcessID       int64              `json:"process_id,omitempty"`
	TargetProcessID int64              `json:"target_process_id,omitempty"`
	DataTableID     int64              `json:"data_table_id,omitempty"`
	TableName       string             `json:"table_name,omitempty"`
	CrudType        domain.CrudType    `json:"crud_type,omitempty"`
	JSONContent     json.RawMessage    `json:"json_content,omitempty"`
	Origin          string             `json:"origin"`
	SentAt          time.Time          `json:"sent_at"`
}

// Encode serializes e, stamping the current version.
func (e Envelope) Encode() ([]byte, error) {
	e.V = EnvelopeVersion
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope. Envelopes from a newer major version
// are rejected so old receivers do not act on fields they cannot read.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.V == 0 || e.V > EnvelopeVersion {
		return Envelope{}, fmt.Errorf("unsupported envelope version %d", e.V)
	}
	if e.ChangedType == "" {
		return Envelope{}, fmt.Errorf("envelope without changed_type")
	}
	return e, nil
}
