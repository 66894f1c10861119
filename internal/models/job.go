package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted for executor jobs.
type JobStatus string

const (
	JobQueued         JobStatus = "queued"
	JobRunning        JobStatus = "running"
	JobSucceeded      JobStatus = "succeeded"
	JobFailed         JobStatus = "failed"
	JobRetryScheduled JobStatus = "retry_scheduled"
	JobDead           JobStatus = "dead"
)

// Active reports whether a job with this status still holds its dedupe key.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning || s == JobRetryScheduled
}

// JobType is the closed set of work the executor knows how to dispatch.
type JobType string

const (
	JobRunTSA              JobType = "run_tsa"
	JobBuildArtifact       JobType = "build_artifact"
	JobSubmitAnchorPolygon JobType = "submit_anchor_polygon"
	JobSubmitAnchorBitcoin JobType = "submit_anchor_bitcoin"
)

// JobTypes lists every JobType in dispatch order.
var JobTypes = []JobType{JobRunTSA, JobBuildArtifact, JobSubmitAnchorPolygon, JobSubmitAnchorBitcoin}

// ParseJobType maps a persisted type string onto the closed enum.
func ParseJobType(s string) (JobType, bool) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// SubmitJobFor returns the submission job type for an anchor network.
func SubmitJobFor(n Network) JobType {
	if n == NetworkBitcoin {
		return JobSubmitAnchorBitcoin
	}
	return JobSubmitAnchorPolygon
}

// NetworkOfJob is the inverse of SubmitJobFor.
func NetworkOfJob(t JobType) (Network, bool) {
	switch t {
	case JobSubmitAnchorPolygon:
		return NetworkPolygon, true
	case JobSubmitAnchorBitcoin:
		return NetworkBitcoin, true
	}
	return "", false
}

// Job represents a unit of pipeline work claimed by executors.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	DocumentID  string         `json:"document_id"`
	Payload     map[string]any `json:"payload"`
	Status      JobStatus      `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	RunAt       time.Time      `json:"run_at"`
	DedupeKey   string         `json:"dedupe_key,omitempty"`
	LockedBy    *string        `json:"locked_by,omitempty"`
	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewJob collects inputs required to enqueue a job.
type NewJob struct {
	Type        JobType
	DocumentID  string
	Payload     map[string]any
	DedupeKey   string
	RunAt       time.Time
	MaxAttempts int
}

// AuditLog is a single audit trail row.
type AuditLog struct {
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Recorded    time.Time `json:"recorded_at"`
}
