package decision

import (
	"strings"
	"time"

	"certification-pipeline/internal/models"
)

// Evidence kind names accepted in protection requests.
const (
	EvidenceTSA     = "tsa"
	EvidencePolygon = "polygon"
	EvidenceBitcoin = "bitcoin"
)

// requiredEvidenceFields are read in order; the first present wins.
var requiredEvidenceFields = []string{"required_evidence", "requiredEvidence", "protection"}

// KnownEvidence reports whether name is an evidence kind the pipeline can produce.
func KnownEvidence(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case EvidenceTSA, EvidencePolygon, EvidenceBitcoin:
		return true
	}
	return false
}

// EvidenceFromPayload extracts the requested networks from a protection
// request payload. ok is false when the payload names no evidence at all,
// which lets the caller fall back to an override.
func EvidenceFromPayload(payload map[string]any) (set models.EvidenceSet, names []string, ok bool) {
	if payload == nil {
		return 0, nil, false
	}
	for _, field := range requiredEvidenceFields {
		raw, present := payload[field]
		if !present {
			continue
		}
		names = stringList(raw)
		for _, name := range names {
			if n, valid := models.ParseNetwork(strings.ToLower(strings.TrimSpace(name))); valid {
				set = set.With(n)
			}
		}
		return set, names, true
	}
	if cfg, present := payload["forensic_config"].(map[string]any); present {
		for _, n := range models.Networks {
			if enabled, _ := cfg[string(n)].(bool); enabled {
				set = set.With(n)
				names = append(names, string(n))
			}
		}
		return set, names, true
	}
	return 0, nil, false
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// RequiredEvidence normalizes the evidence the latest protection request asks
// for. The request payload takes precedence over override; networks the owner
// opted out of are removed.
func RequiredEvidence(events []models.Event, override *models.EvidenceSet) models.EvidenceSet {
	var required models.EvidenceSet
	req, found := latestRequest(events)
	fromPayload := false
	if found {
		required, _, fromPayload = EvidenceFromPayload(req.Payload)
	}
	if !fromPayload && override != nil {
		required = *override
	}
	return required &^ OptedOut(events)
}

// OptedOut collects the networks with an anchor.opt_out event.
func OptedOut(events []models.Event) models.EvidenceSet {
	var out models.EvidenceSet
	for _, ev := range events {
		if ev.Kind != models.KindAnchorOptOut {
			continue
		}
		if n, ok := AnchorNetwork(ev); ok {
			out = out.With(n)
		}
	}
	return out
}

func latestRequest(events []models.Event) (models.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == models.KindProtectionRequested {
			return events[i], true
		}
	}
	return models.Event{}, false
}

// AnchorNetwork reads the network an anchor event refers to. Legacy events
// nest it under payload.anchor.
func AnchorNetwork(ev models.Event) (models.Network, bool) {
	if n, ok := models.ParseNetwork(ev.PayloadString("network")); ok {
		return n, true
	}
	if nested, ok := ev.Payload["anchor"].(map[string]any); ok {
		if s, ok := nested["network"].(string); ok {
			return models.ParseNetwork(strings.TrimSpace(s))
		}
	}
	return "", false
}

// AnchorConfirmedAt reads the confirmation time carried by an anchor event.
func AnchorConfirmedAt(ev models.Event) (time.Time, bool) {
	raw := ev.PayloadString("confirmed_at")
	if raw == "" {
		if nested, ok := ev.Payload["anchor"].(map[string]any); ok {
			raw, _ = nested["confirmed_at"].(string)
		}
	}
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsAnchorConfirmation reports whether ev is an anchor confirmation event.
func IsAnchorConfirmation(ev models.Event) bool {
	return ev.Kind == models.KindAnchorConfirmed || ev.Kind == models.KindAnchorLegacy
}

// AnchorConfirmed reports whether events hold a causally valid confirmation
// for network: confirmed_at must parse and must not precede the event's at.
func AnchorConfirmed(events []models.Event, network models.Network) bool {
	for _, ev := range events {
		if !IsAnchorConfirmation(ev) {
			continue
		}
		n, ok := AnchorNetwork(ev)
		if !ok || n != network {
			continue
		}
		confirmedAt, ok := AnchorConfirmedAt(ev)
		if !ok {
			continue
		}
		if !confirmedAt.Before(ev.At) {
			return true
		}
	}
	return false
}

// AnchorWitness reads the witness hash an anchor confirmation covers. Events
// written before confirmations carried it return "".
func AnchorWitness(ev models.Event) string {
	if h := ev.PayloadString("document_hash"); h != "" {
		return h
	}
	return ev.WitnessHash
}

// EpochWitness returns the witness hash installed by the latest supersede, or
// "" when the log was never superseded.
func EpochWitness(events []models.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == models.KindWitnessSuperseded {
			return events[i].WitnessHash
		}
	}
	return ""
}

// AnchorAbandoned returns the first non-retryable anchor.failed for network
// in events. No further submission round follows such a failure.
func AnchorAbandoned(events []models.Event, network models.Network) (models.Event, bool) {
	for _, ev := range events {
		if ev.Kind != models.KindAnchorFailed {
			continue
		}
		if n, ok := AnchorNetwork(ev); !ok || n != network {
			continue
		}
		if retryable, _ := ev.Payload["retryable"].(bool); !retryable {
			return ev, true
		}
	}
	return models.Event{}, false
}

// CurrentEpoch returns the events appended after the latest witness
// supersede. TSA and anchor evidence older than that no longer covers the
// document, and neither does an anchor confirmation of another witness that
// landed after it.
func CurrentEpoch(events []models.Event) []models.Event {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == models.KindWitnessSuperseded {
			return dropStaleConfirmations(events[i+1:], events[i].WitnessHash)
		}
	}
	return events
}

func dropStaleConfirmations(epoch []models.Event, witness string) []models.Event {
	stale := func(ev models.Event) bool {
		if !IsAnchorConfirmation(ev) || witness == "" {
			return false
		}
		h := AnchorWitness(ev)
		return h != "" && h != witness
	}
	for i, ev := range epoch {
		if !stale(ev) {
			continue
		}
		out := append(make([]models.Event, 0, len(epoch)-1), epoch[:i]...)
		for _, rest := range epoch[i+1:] {
			if !stale(rest) {
				out = append(out, rest)
			}
		}
		return out
	}
	return epoch
}

// HasKind reports whether any event has the given kind.
func HasKind(events []models.Event, kind string) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}
