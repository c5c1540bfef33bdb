package types

import "time"

// SyncDirection is the flow of data for a SyncConfig.
type SyncDirection string

const (
	SyncDirectionPull          SyncDirection = "pull"
	SyncDirectionPush          SyncDirection = "push"
	SyncDirectionBidirectional SyncDirection = "bidirectional"
)

// ConflictResolution is the policy applied to a divergence found during
// a sync cycle (spec §4.8).
type ConflictResolution string

const (
	ConflictResolutionPreferLocal  ConflictResolution = "prefer_local"
	ConflictResolutionPreferRemote ConflictResolution = "prefer_remote"
	ConflictResolutionNewestWins   ConflictResolution = "newest_wins"
	ConflictResolutionManual       ConflictResolution = "manual"
)

// SyncConfig pairs a source and destination endpoint with a direction,
// filter, schedule, and conflict policy.
type SyncConfig struct {
	PK int64

	ID string // config_id

	SourceNodeID      string
	DestinationNodeID string
	Direction         SyncDirection

	FilterExpression string // applied the same way a routing condition set would be

	ScheduleCron       string
	ConflictResolution ConflictResolution

	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConflictType classifies how a study diverges between source and
// destination during a sync diff.
type ConflictType string

const (
	ConflictTypeMissingLocal  ConflictType = "missing_local"
	ConflictTypeMissingRemote ConflictType = "missing_remote"
	ConflictTypeModifiedBoth  ConflictType = "modified_both"
	ConflictTypeCountMismatch ConflictType = "count_mismatch"
)

// SyncConflict is a persisted divergence found during a sync cycle,
// keyed by StudyUID.
type SyncConflict struct {
	PK int64

	ConfigID string
	StudyUID string
	Type     ConflictType

	LocalTimestamp   time.Time
	RemoteTimestamp  time.Time
	LocalInstances   int
	RemoteInstances  int

	Resolved       bool
	ResolutionUsed ConflictResolution

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConflictEvent is published when the sync manager detects a new
// divergence (spec §6.2 "per-conflict detected").
type ConflictEvent struct {
	ConfigID string
	StudyUID string
	Type     ConflictType
	At       time.Time
}

// SyncHistory is one row recording the outcome of a single sync cycle.
type SyncHistory struct {
	PK int64

	ConfigID string
	JobID    string
	Success  bool

	StudiesChecked   int64
	StudiesSynced    int64
	ConflictsFound   int64
	Errors           []string

	StartedAt   time.Time
	CompletedAt time.Time
}
