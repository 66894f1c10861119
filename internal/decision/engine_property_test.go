package decision

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"certification-pipeline/internal/models"
)

// historyFrom turns generated codes into an event log with strictly
// increasing timestamps.
func historyFrom(codes []int) []models.Event {
	events := make([]models.Event, 0, len(codes))
	for i, c := range codes {
		at := t0.Add(time.Duration(i) * time.Minute)
		switch c % 8 {
		case 0:
			events = append(events, models.Event{Kind: models.KindProtectionRequested, At: at,
				Payload: map[string]any{"required_evidence": []any{"polygon", "bitcoin"}}})
		case 1:
			events = append(events, models.Event{Kind: models.KindProtectionRequested, At: at,
				Payload: map[string]any{"required_evidence": []any{}}})
		case 2:
			events = append(events, models.Event{Kind: models.KindTSAConfirmed, At: at, WitnessHash: "w1"})
		case 3:
			events = append(events, anchorConfirmed(models.NetworkPolygon, at, at.Add(time.Second)))
		case 4:
			events = append(events, anchorConfirmed(models.NetworkBitcoin, at, at))
		case 5:
			events = append(events, models.Event{Kind: models.KindArtifactFinalized, At: at})
		case 6:
			events = append(events, models.Event{Kind: models.KindAnchorOptOut, At: at,
				Payload: map[string]any{"network": "bitcoin"}})
		default:
			events = append(events, models.Event{Kind: models.KindSignatureCompleted, At: at})
		}
	}
	return events
}

func TestDecideNextJobs_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decision is deterministic", prop.ForAll(
		func(codes []int) bool {
			events := historyFrom(codes)
			return reflect.DeepEqual(DecideNextJobs(events, nil), DecideNextJobs(events, nil))
		},
		gen.SliceOf(gen.IntRange(0, 7)),
	))

	properties.Property("build_artifact never accompanies anchor jobs", prop.ForAll(
		func(codes []int) bool {
			d := DecideNextJobs(historyFrom(codes), nil)
			hasArtifact, hasAnchor := false, false
			for _, j := range d.Jobs {
				switch j {
				case models.JobBuildArtifact:
					hasArtifact = true
				case models.JobSubmitAnchorPolygon, models.JobSubmitAnchorBitcoin:
					hasAnchor = true
				}
			}
			return !(hasArtifact && hasAnchor)
		},
		gen.SliceOf(gen.IntRange(0, 7)),
	))

	properties.Property("confirmations earlier than their event never count", prop.ForAll(
		func(codes []int, skewSeconds int) bool {
			events := historyFrom(codes)
			at := t0.Add(time.Duration(len(codes)+1) * time.Minute)
			invalid := anchorConfirmed(models.NetworkPolygon, at, at.Add(-time.Duration(skewSeconds)*time.Second))
			return reflect.DeepEqual(DecideNextJobs(events, nil), DecideNextJobs(append(events, invalid), nil))
		},
		gen.SliceOf(gen.IntRange(0, 7)),
		gen.IntRange(1, 86400),
	))

	properties.TestingRun(t)
}
