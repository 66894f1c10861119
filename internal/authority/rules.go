package authority

import (
	"sort"
	"strings"
	"time"

	"certification-pipeline/internal/decision"
	"certification-pipeline/internal/models"
)

func checkRules(state models.DocumentState, ev models.Event) error {
	switch ev.Kind {
	case models.KindProtectionRequested:
		return checkProtectionRequest(state.Events, ev)
	case models.KindTSAConfirmed:
		return checkTSAConfirmed(state, ev)
	case models.KindAnchorConfirmed, models.KindAnchorLegacy:
		return checkAnchorConfirmation(state, ev)
	case models.KindAnchorSubmitted, models.KindAnchorFailed, models.KindAnchorOptOut:
		if _, ok := decision.AnchorNetwork(ev); !ok {
			return reject(ReasonAnchorNetworkInvalid, "kind %s", ev.Kind)
		}
	case models.KindArtifactFinalized:
		if decision.HasKind(state.Events, models.KindArtifactFinalized) {
			return reject(ReasonKindDuplicate, "artifact already finalized")
		}
		if d := decision.DecideNextJobs(state.Events, nil); d.Reason != decision.ReasonNeedsArtifact {
			return reject(ReasonArtifactNotReady, "decision is %s", d.Reason)
		}
	case models.KindWitnessSuperseded:
		if ev.WitnessHash == "" {
			return reject(ReasonWitnessHashRequired, "new witness hash missing")
		}
		prev := ev.PayloadString("previous_witness_hash")
		if prev != state.WitnessHash {
			return reject(ReasonWitnessHashMismatch, "previous %q, current %q", prev, state.WitnessHash)
		}
		if ev.WitnessHash == state.WitnessHash {
			return reject(ReasonWitnessHashMismatch, "witness hash unchanged")
		}
		if witnessUsed(state.Events, ev.WitnessHash) {
			return reject(ReasonWitnessHashReused, "witness %q was superseded before", ev.WitnessHash)
		}
	}
	return nil
}

// witnessUsed reports whether hash covered the document at some earlier point
// of the log.
func witnessUsed(events []models.Event, hash string) bool {
	for _, ev := range events {
		switch ev.Kind {
		case models.KindWitnessSuperseded:
			if ev.PayloadString("previous_witness_hash") == hash {
				return true
			}
		case models.KindTSAConfirmed:
			if ev.EventWitness() == hash {
				return true
			}
		}
	}
	return false
}

func checkTSAConfirmed(state models.DocumentState, ev models.Event) error {
	witness := ev.EventWitness()
	if witness == "" {
		return reject(ReasonWitnessHashRequired, "")
	}
	if ev.PayloadString("token_b64") == "" {
		return reject(ReasonTSATokenRequired, "")
	}
	if state.WitnessHash != "" && witness != state.WitnessHash {
		return reject(ReasonWitnessHashMismatch, "event %q, document %q", witness, state.WitnessHash)
	}
	for _, prior := range state.Events {
		if prior.Kind == models.KindTSAConfirmed && prior.EventWitness() == witness {
			return reject(ReasonKindDuplicate, "tsa already confirmed for witness")
		}
	}
	return nil
}

func checkAnchorConfirmation(state models.DocumentState, ev models.Event) error {
	network, ok := decision.AnchorNetwork(ev)
	if !ok {
		return reject(ReasonAnchorNetworkInvalid, "")
	}
	if h := decision.AnchorWitness(ev); h != "" && state.WitnessHash != "" && h != state.WitnessHash {
		return reject(ReasonWitnessHashMismatch, "anchor of %q, document %q", h, state.WitnessHash)
	}
	confirmedAt, ok := decision.AnchorConfirmedAt(ev)
	if !ok {
		return reject(ReasonAnchorConfirmedAtRequired, "network %s", network)
	}
	if confirmedAt.Before(ev.At) {
		return reject(ReasonAnchorCausality, "confirmed_at %s precedes at %s", confirmedAt.Format(time.RFC3339), ev.At.Format(time.RFC3339))
	}
	for _, prior := range decision.CurrentEpoch(state.Events) {
		if !decision.IsAnchorConfirmation(prior) {
			continue
		}
		if n, ok := decision.AnchorNetwork(prior); ok && n == network {
			return reject(ReasonKindDuplicate, "network %s already confirmed", network)
		}
	}
	return nil
}

var stageOrder = map[string]int{"initial": 0, "intermediate": 1, "final": 2}

// checkProtectionRequest enforces that requested evidence only grows as the
// anchor stage advances and never changes within a stage.
func checkProtectionRequest(events []models.Event, ev models.Event) error {
	_, names, _ := decision.EvidenceFromPayload(ev.Payload)
	for _, name := range names {
		if !decision.KnownEvidence(name) {
			return reject(ReasonRequiredEvidenceInvalid, "unknown evidence %q", name)
		}
	}

	var prev *models.Event
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == models.KindProtectionRequested {
			prev = &events[i]
			break
		}
	}
	if prev == nil {
		return nil
	}

	prevStage, nextStage := stageOf(*prev), stageOf(ev)
	_, prevNames, _ := decision.EvidenceFromPayload(prev.Payload)
	prevSet, nextSet := normalizedSet(prevNames), normalizedSet(names)

	switch {
	case stageOrder[prevStage] > stageOrder[nextStage]:
		return reject(ReasonStageRegressed, "%s -> %s", prevStage, nextStage)
	case prevStage == nextStage && !sameSet(prevSet, nextSet):
		return reject(ReasonEvidenceChangedInStage, "stage %s", nextStage)
	case !subset(prevSet, nextSet):
		return reject(ReasonEvidenceShrunk, "%s -> %s", prevStage, nextStage)
	}
	return nil
}

func stageOf(ev models.Event) string {
	if s := ev.PayloadString("anchor_stage"); s != "" {
		if _, ok := stageOrder[s]; ok {
			return s
		}
	}
	return "initial"
}

func normalizedSet(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	return len(a) == len(b) && subset(a, b)
}

func subset(sub, super []string) bool {
	idx := make(map[string]bool, len(super))
	for _, s := range super {
		idx[s] = true
	}
	for _, s := range sub {
		if !idx[s] {
			return false
		}
	}
	return true
}
