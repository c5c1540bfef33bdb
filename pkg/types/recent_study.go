package types

import "time"

// RecentStudy is a locally cached summary of a study's presence and
// instance count, read by the prefetch manager to list a patient's
// known studies as candidate priors without a round-trip query to the
// local archive. The sync manager does not use it; its diff works from
// live endpoint queries. It supplements the distilled spec with the
// local-presence cache the original implementation keeps alongside its
// prefetch subsystem.
type RecentStudy struct {
	StudyUID     string
	PatientID    string
	Modality     string
	InstanceCount int
	LastModified time.Time
	SeenAt       time.Time
}
