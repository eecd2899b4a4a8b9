package domain

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job statuses.
const (
	JobPending      JobStatus = "PENDING"
	JobProcessing   JobStatus = "PROCESSING"
	JobDone         JobStatus = "DONE"
	JobKilled       JobStatus = "KILLED"
	JobFailed       JobStatus = "FAILED"
	JobFatal        JobStatus = "FATAL"
	JobSentToBridge JobStatus = "SENT_TO_BRIDGE"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobKilled, JobFailed, JobFatal, JobSentToBridge:
		return true
	}
	return false
}

// JobKind names a job body.
type JobKind string

// Job kinds.
const (
	JobKindScan            JobKind = "SCAN"
	JobKindPullFuture      JobKind = "PULL_FUTURE"
	JobKindPullPast        JobKind = "PULL_PAST"
	JobKindAutoLink        JobKind = "AUTO_LINK"
	JobKindSyncTransaction JobKind = "SYNC_TRANSACTION"
	JobKindSyncMaster      JobKind = "SYNC_MASTER"
)

// Job is one scheduled unit of work.
type Job struct {
	ID                  string
	Kind                JobKind
	DataTableID         int64
	ProcessID           int64
	Status              JobStatus
	Percent             float64
	ForceCategoryChange bool
	Error               string
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// JobResult is returned by a job body that ran to completion.
type JobResult struct {
	Rows        int64
	Quarantined int
	Message     string
}

// JobFilter narrows job listings.
type JobFilter struct {
	Kind   JobKind
	Status JobStatus
	Limit  int
}
