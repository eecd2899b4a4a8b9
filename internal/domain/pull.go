package domain

import "time"

// Direction is a traversal direction of the pull controller.
type Direction string

// Traversal directions.
const (
	DirectionFuture   Direction = "future"
	DirectionPast     Direction = "past"
	DirectionAutoLink Direction = "autolink"
)

// PullCursor is the persisted traversal state of one data table and direction.
type PullCursor struct {
	DataTableID   int64
	Direction     Direction
	LastImported  time.Time
	Earliest      time.Time
	WindowSeconds int64
	UpdatedAt     time.Time
}

// PartitionWindow tracks the observed time range of one physical partition table.
type PartitionWindow struct {
	DataTableID  int64
	TableName    string
	PartitionKey string
	MinTime      time.Time
	MaxTime      time.Time
	HasData      bool
	CheckedAt    time.Time
}

// Widen extends the observed range to include [min, max]. The range never
// shrinks.
func (p *PartitionWindow) Widen(min, max time.Time) {
	if min.IsZero() || max.IsZero() {
		return
	}
	if !p.HasData {
		p.MinTime, p.MaxTime, p.HasData = min, max, true
		return
	}
	if min.Before(p.MinTime) {
		p.MinTime = min
	}
	if max.After(p.MaxTime) {
		p.MaxTime = max
	}
}
