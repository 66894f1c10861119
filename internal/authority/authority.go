// Package authority is the single gate every document event passes through
// before it is appended to the log.
package authority

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"certification-pipeline/internal/models"
)

// Reason enumerates why an append was rejected.
type Reason string

const (
	ReasonKindMissing               Reason = "event_kind_missing"
	ReasonAtInvalid                 Reason = "event_at_invalid"
	ReasonKindNotAllowed            Reason = "event_kind_not_allowed"
	ReasonKindNotAllowedInPhase     Reason = "event_kind_not_allowed_in_phase"
	ReasonKindDuplicate             Reason = "event_kind_duplicate"
	ReasonWitnessHashRequired       Reason = "event_witness_hash_required"
	ReasonWitnessHashMismatch       Reason = "event_witness_hash_mismatch"
	ReasonWitnessHashReused         Reason = "event_witness_hash_reused"
	ReasonTSATokenRequired          Reason = "event_tsa_token_required"
	ReasonPayloadInvalid            Reason = "event_payload_invalid"
	ReasonAnchorNetworkInvalid      Reason = "anchor_network_invalid"
	ReasonAnchorConfirmedAtRequired Reason = "anchor_confirmed_at_required"
	ReasonAnchorCausality           Reason = "anchor_causality_violation"
	ReasonRequiredEvidenceInvalid   Reason = "required_evidence_invalid"
	ReasonEvidenceChangedInStage    Reason = "required_evidence_changed_in_stage"
	ReasonEvidenceShrunk            Reason = "required_evidence_shrunk"
	ReasonStageRegressed            Reason = "anchor_stage_regressed"
	ReasonArtifactNotReady          Reason = "artifact_evidence_incomplete"
)

// Rejection is returned when an event may not be appended.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "event rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("event rejected: %s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) error {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Phase is the coarse stage of a document that governs which kinds may be appended.
type Phase string

const (
	PhaseOpen       Phase = "open"
	PhaseProtecting Phase = "protecting"
	PhaseFinalized  Phase = "finalized"
)

var phaseKinds = map[Phase]map[string]bool{
	PhaseOpen: {
		models.KindProtectionRequested: true,
		models.KindSignatureCompleted:  true,
		models.KindWitnessSuperseded:   true,
	},
	PhaseFinalized: {
		models.KindAnchorSubmitted:    true,
		models.KindAnchorConfirmed:    true,
		models.KindAnchorLegacy:       true,
		models.KindAnchorFailed:       true,
		models.KindAnchorOptOut:       true,
		models.KindSignatureCompleted: true,
	},
}

// Authority validates appends. It holds compiled payload schemas and is safe
// for concurrent use.
type Authority struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the payload schema of every accepted kind.
func New() (*Authority, error) {
	a := &Authority{schemas: make(map[string]*jsonschema.Schema, len(payloadSchemas))}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	for kind, schema := range payloadSchemas {
		if schema == "" {
			a.schemas[kind] = nil
			continue
		}
		url := "mem://events/" + kind + ".json"
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		a.schemas[kind] = compiled
	}
	return a, nil
}

// MustNew is New for process start-up.
func MustNew() *Authority {
	a, err := New()
	if err != nil {
		panic(err)
	}
	return a
}

// ValidateAppend decides whether ev may follow state. It is pure: it reads
// nothing but its arguments and returns nil or a *Rejection.
func (a *Authority) ValidateAppend(state models.DocumentState, ev models.Event) error {
	kind := strings.TrimSpace(ev.Kind)
	if kind == "" {
		return reject(ReasonKindMissing, "")
	}
	if ev.At.IsZero() {
		return reject(ReasonAtInvalid, "kind %s", kind)
	}
	schema, known := a.schemas[kind]
	if !known {
		return reject(ReasonKindNotAllowed, "kind %s", kind)
	}
	phase := PhaseOf(state.Events)
	if allowed, scoped := phaseKinds[phase]; scoped && !allowed[kind] {
		return reject(ReasonKindNotAllowedInPhase, "kind %s in phase %s", kind, phase)
	}

	if err := checkRules(state, ev); err != nil {
		return err
	}

	if schema != nil {
		doc, err := jsonValue(ev.Payload)
		if err != nil {
			return reject(ReasonPayloadInvalid, "%v", err)
		}
		if err := schema.Validate(doc); err != nil {
			return reject(ReasonPayloadInvalid, "%v", err)
		}
	}
	return nil
}

// PhaseOf derives the document phase from its log.
func PhaseOf(events []models.Event) Phase {
	phase := PhaseOpen
	for _, e := range events {
		switch e.Kind {
		case models.KindArtifactFinalized:
			return PhaseFinalized
		case models.KindProtectionRequested:
			phase = PhaseProtecting
		}
	}
	return phase
}

// jsonValue converts a Go payload into the shape the schema validator
// expects from decoded JSON.
func jsonValue(payload map[string]any) (any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
