package types

import "time"

// PrefetchTrigger names the event source that causes a PrefetchRule to
// fire (spec §4.7).
type PrefetchTrigger string

const (
	PrefetchTriggerWorklistScheduled PrefetchTrigger = "worklist_scheduled"
	PrefetchTriggerStudyArrival      PrefetchTrigger = "study_arrival"
	PrefetchTriggerSchedule          PrefetchTrigger = "schedule"
	PrefetchTriggerManual            PrefetchTrigger = "manual"
)

// PrefetchRule describes what prior studies to proactively retrieve, and
// from where, when its trigger fires.
type PrefetchRule struct {
	PK int64

	ID      string // rule_id
	Enabled bool
	Trigger PrefetchTrigger

	ModalityFilter  []string
	BodyPartFilter  []string
	StationAEFilter []string

	PriorLookback    time.Duration
	MaxPriorStudies  int
	PriorModalities  []string
	SourceNodeIDs    []string
	ScheduleCron     string        // only for PrefetchTriggerSchedule
	AdvanceTime      time.Duration // only for PrefetchTriggerSchedule

	TriggeredCount    int64
	StudiesPrefetched int64
	LastTriggered     time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrefetchHistoryStatus is the lifecycle of one prefetch attempt.
type PrefetchHistoryStatus string

const (
	PrefetchHistoryStatusPending   PrefetchHistoryStatus = "pending"
	PrefetchHistoryStatusCompleted PrefetchHistoryStatus = "completed"
	PrefetchHistoryStatusFailed    PrefetchHistoryStatus = "failed"
)

// PrefetchHistory is one row recording an attempt to prefetch a study,
// keyed by StudyUID for dedup (spec §3.4, §4.7).
type PrefetchHistory struct {
	PK int64

	PatientID    string
	StudyUID     string
	SourceNodeID string
	RuleID       string
	Status       PrefetchHistoryStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}
