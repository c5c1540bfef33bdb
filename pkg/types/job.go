package types

import "time"

// JobType identifies the handler a Job is dispatched to.
type JobType string

const (
	JobTypeEcho      JobType = "echo"
	JobTypeQuery     JobType = "query"
	JobTypeRetrieve  JobType = "retrieve"
	JobTypeStore     JobType = "store"
	JobTypeForward   JobType = "forward"
	JobTypeSyncPull  JobType = "sync_pull"
	JobTypeSyncPush  JobType = "sync_push"
	JobTypePrefetch  JobType = "prefetch"
)

// JobPriority orders ready jobs within the scheduler's queue.
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
	JobPriorityUrgent JobPriority = "urgent"
)

// priorityRank maps a JobPriority to a numeric rank for queue ordering;
// higher runs first.
var priorityRank = map[JobPriority]int{
	JobPriorityLow:    0,
	JobPriorityNormal: 1,
	JobPriorityHigh:   2,
	JobPriorityUrgent: 3,
}

// Rank returns the numeric ordering rank of p; unknown priorities rank
// as JobPriorityNormal.
func (p JobPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[JobPriorityNormal]
}

// JobStatus is a job's position in the state machine (spec §4.5.1).
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether s is a terminal status that cannot leave
// without operator intervention: completed and canceled. failed is not
// reported terminal, since the job manager may still retry a failed job
// while retry_count is below max_retries.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Job is a unit of asynchronous DICOM work tracked by the job manager.
type Job struct {
	PK int64
	ID string // job_id, UUID-shaped

	Type JobType

	SourceNodeID      string // optional; empty means local archive
	DestinationNodeID string // optional; empty means local archive

	StudyUID        string
	SeriesUID       string
	SOPInstanceUIDs []string
	Metadata        map[string]string

	Priority   JobPriority
	MaxRetries int
	RetryCount int

	Status JobStatus

	ItemsTotal  int64
	ItemsDone   int64
	BytesTotal  int64
	BytesDone   int64
	CurrentItem string

	ErrorMessage string
	ErrorDetails string

	CreatedBy    string
	ParentRuleID string

	CancelRequested bool
	PauseRequested  bool

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// JobEvent is published on every state transition (spec §4.5.4 subscribe,
// §6.2 event notifications). Subscribers observe a single job's events in
// transition order; no ordering is guaranteed across jobs.
type JobEvent struct {
	JobID     string
	OldStatus JobStatus
	NewStatus JobStatus
	At        time.Time
}

// JobStats summarizes the job repository's current contents (spec
// §4.5.7 stats()).
type JobStats struct {
	CountByStatus     map[JobStatus]int64
	CompletedToday    int64
	FailedToday       int64
}
