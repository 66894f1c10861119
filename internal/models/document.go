package models

import "time"

// LifecycleStatus is projected from the event log at append time.
type LifecycleStatus string

const (
	LifecycleDraft               LifecycleStatus = "draft"
	LifecycleProtectionRequested LifecycleStatus = "protection_requested"
	LifecycleProtected           LifecycleStatus = "protected"
	LifecycleFinalized           LifecycleStatus = "finalized"
)

// CertificationStatus is written only by the anchor workflow.
type CertificationStatus string

const (
	CertificationPending   CertificationStatus = "pending"
	CertificationCertified CertificationStatus = "certified"
	CertificationFailed    CertificationStatus = "failed"
)

// Document is the aggregate root of a certification.
type Document struct {
	ID                  string              `json:"id"`
	Owner               string              `json:"owner"`
	SourceHash          string              `json:"source_hash"`
	WitnessHash         string              `json:"witness_hash"`
	SignedHash          string              `json:"signed_hash,omitempty"`
	LifecycleStatus     LifecycleStatus     `json:"lifecycle_status"`
	CertificationStatus CertificationStatus `json:"certification_status"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// LifecycleAfter returns the lifecycle status a document moves to once an
// event of the given kind is appended.
func LifecycleAfter(current LifecycleStatus, kind string) LifecycleStatus {
	switch kind {
	case KindProtectionRequested:
		if current == LifecycleDraft || current == "" {
			return LifecycleProtectionRequested
		}
	case KindTSAConfirmed:
		if current != LifecycleFinalized {
			return LifecycleProtected
		}
	case KindWitnessSuperseded:
		if current == LifecycleProtected {
			return LifecycleProtectionRequested
		}
	case KindArtifactFinalized:
		return LifecycleFinalized
	}
	return current
}
