// Package decision derives the next pipeline jobs from a document's event log.
// Everything here is pure: the same history always yields the same decision.
package decision

import (
	"fmt"

	"certification-pipeline/internal/models"
)

// Reason explains a decision.
type Reason string

const (
	ReasonMissingRequest Reason = "noop_missing_request"
	ReasonNeedsTSA       Reason = "needs_tsa"
	ReasonNeedsArtifact  Reason = "needs_artifact"
	ReasonNeedsAnchors   Reason = "needs_anchors"
	ReasonComplete       Reason = "noop_complete"
)

// Decision is the ordered job list plus the reason it was chosen.
type Decision struct {
	Jobs     []models.JobType   `json:"jobs"`
	Reason   Reason             `json:"reason"`
	Required models.EvidenceSet `json:"required_evidence"`
}

// DecideNextJobs is the single source of truth for what runs next.
// build_artifact is never returned together with an anchor submission.
func DecideNextJobs(events []models.Event, override *models.EvidenceSet) Decision {
	if !HasKind(events, models.KindProtectionRequested) {
		return Decision{Jobs: []models.JobType{}, Reason: ReasonMissingRequest}
	}

	epoch := CurrentEpoch(events)
	if !HasKind(epoch, models.KindTSAConfirmed) {
		return Decision{Jobs: []models.JobType{models.JobRunTSA}, Reason: ReasonNeedsTSA}
	}

	required := RequiredEvidence(events, override)
	missing := make([]models.JobType, 0, len(models.Networks))
	for _, n := range required.Networks() {
		if !AnchorConfirmed(epoch, n) {
			missing = append(missing, models.SubmitJobFor(n))
		}
	}

	finalized := HasKind(events, models.KindArtifactFinalized)
	if !finalized && len(missing) == 0 {
		return Decision{Jobs: []models.JobType{models.JobBuildArtifact}, Reason: ReasonNeedsArtifact, Required: required}
	}
	if len(missing) > 0 {
		return Decision{Jobs: missing, Reason: ReasonNeedsAnchors, Required: required}
	}
	return Decision{Jobs: []models.JobType{}, Reason: ReasonComplete, Required: required}
}

// DedupeKey names the logical unit of work a job performs for a document.
func DedupeKey(documentID string, jobType models.JobType, witnessHash string) string {
	return fmt.Sprintf("%s:%s:%s", documentID, jobType, witnessHash)
}
