package models

import (
	"strings"
	"time"
)

// Event kinds recognized by the pipeline.
const (
	KindProtectionRequested = "document.protected.requested"
	KindTSAConfirmed        = "tsa.confirmed"
	KindTSAFailed           = "tsa.failed"
	KindAnchorSubmitted     = "anchor.submitted"
	KindAnchorLegacy        = "anchor"
	KindAnchorConfirmed     = "anchor.confirmed"
	KindAnchorFailed        = "anchor.failed"
	KindAnchorOptOut        = "anchor.opt_out"
	KindArtifactFinalized   = "artifact.finalized"
	KindArtifactFailed      = "artifact.failed"
	KindSignatureCompleted  = "signature.completed"
	KindWitnessSuperseded   = "witness.superseded"
)

// Event is one immutable entry in a document's event log.
type Event struct {
	Seq           int64          `json:"seq,omitempty"`
	Kind          string         `json:"kind"`
	At            time.Time      `json:"at"`
	Payload       map[string]any `json:"payload,omitempty"`
	WitnessHash   string         `json:"witness_hash,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Source        string         `json:"source,omitempty"`
	RecordedAt    time.Time      `json:"recorded_at,omitempty"`
}

// PayloadString reads a string field from the payload, trimming whitespace.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return strings.TrimSpace(s)
}

// EventWitness returns the witness hash carried by the event, preferring the
// top-level field over the payload copy.
func (e Event) EventWitness() string {
	if e.WitnessHash != "" {
		return e.WitnessHash
	}
	return e.PayloadString("witness_hash")
}

// DocumentState is the view the event authority validates an append against.
type DocumentState struct {
	DocumentID  string
	WitnessHash string
	Events      []Event
}

// AppendValidator gates an append against the current document state.
type AppendValidator func(state DocumentState, ev Event) error
