// Package certificate assembles the self-contained evidence certificate of a
// document from its event log and hashes its canonical JSON form.
package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"certification-pipeline/internal/decision"
	"certification-pipeline/internal/models"
)

const (
	Format        = "eco"
	FormatVersion = "2.0"
)

// ErrIssuedAtUnavailable is returned when the log has no event that can
// date the certificate.
var ErrIssuedAtUnavailable = errors.New("certificate issued_at unavailable")

type Declaration struct {
	Type    string   `json:"type"`
	Summary []string `json:"summary"`
}

type DocumentInfo struct {
	ID          string `json:"id"`
	SourceHash  string `json:"source_hash"`
	WitnessHash string `json:"witness_hash"`
	SignedHash  string `json:"signed_hash,omitempty"`
}

// Proof is one piece of external evidence.
type Proof struct {
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Provider    string `json:"provider,omitempty"`
	Ref         string `json:"ref,omitempty"`
	AttemptedAt string `json:"attempted_at"`
	ConfirmedAt string `json:"confirmed_at,omitempty"`
	BlockHeight *int64 `json:"block_height,omitempty"`
	WitnessHash string `json:"witness_hash,omitempty"`
	TokenB64    string `json:"token_b64,omitempty"`
}

type Signer struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	IdentityLevel string `json:"identity_level,omitempty"`
	SignedAt      string `json:"signed_at"`
}

type Certificate struct {
	Format           string             `json:"format"`
	FormatVersion    string             `json:"format_version"`
	IssuedAt         string             `json:"issued_at"`
	Declaration      Declaration        `json:"evidence_declaration"`
	Document         DocumentInfo       `json:"document"`
	ProtectionLevel  string             `json:"protection_level"`
	RequiredEvidence models.EvidenceSet `json:"required_evidence"`
	Proofs           []Proof            `json:"proofs"`
	Signers          []Signer           `json:"signers"`
}

// Options tune Build.
type Options struct {
	// IssuedAt pins the issue time. Otherwise it comes from the log.
	IssuedAt    time.Time
	TSAProvider string
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Build derives the certificate of doc from its events. Evidence recorded
// before the latest witness supersede is left out.
func Build(doc models.Document, events []models.Event, opts Options) (Certificate, error) {
	epoch := decision.CurrentEpoch(events)

	issuedAt, err := deriveIssuedAt(doc, events, epoch, opts)
	if err != nil {
		return Certificate{}, err
	}

	signers := make([]Signer, 0)
	for _, ev := range events {
		if ev.Kind != models.KindSignatureCompleted {
			continue
		}
		signers = append(signers, Signer{
			ID:            ev.PayloadString("signer_id"),
			Email:         ev.PayloadString("email"),
			Name:          ev.PayloadString("name"),
			IdentityLevel: ev.PayloadString("identity_level"),
			SignedAt:      iso(ev.At),
		})
	}

	declType, recorded := "digital_protection_evidence", "Protection recorded"
	if len(signers) > 0 {
		declType, recorded = "digital_signature_evidence", "Signature recorded"
	}

	proofs := make([]Proof, 0, 1+len(models.Networks))
	if p, ok := tsaProof(doc, epoch, opts); ok {
		proofs = append(proofs, p)
	}
	for _, n := range models.Networks {
		if p, ok := anchorProof(epoch, n); ok {
			proofs = append(proofs, p)
		}
	}

	return Certificate{
		Format:        Format,
		FormatVersion: FormatVersion,
		IssuedAt:      iso(issuedAt),
		Declaration: Declaration{
			Type: declType,
			Summary: []string{
				"Document integrity preserved",
				recorded,
				"Evidence is self-contained",
				"Independent verification possible",
			},
		},
		Document: DocumentInfo{
			ID:          doc.ID,
			SourceHash:  doc.SourceHash,
			WitnessHash: doc.WitnessHash,
			SignedHash:  doc.SignedHash,
		},
		ProtectionLevel:  string(decision.DeriveProtectionLevel(events)),
		RequiredEvidence: decision.RequiredEvidence(events, nil),
		Proofs:           proofs,
		Signers:          signers,
	}, nil
}

func latest(events []models.Event, match func(models.Event) bool) (models.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if match(events[i]) {
			return events[i], true
		}
	}
	return models.Event{}, false
}

func ofKind(kind string) func(models.Event) bool {
	return func(ev models.Event) bool { return ev.Kind == kind }
}

func deriveIssuedAt(doc models.Document, events, epoch []models.Event, opts Options) (time.Time, error) {
	if !opts.IssuedAt.IsZero() {
		return opts.IssuedAt, nil
	}
	if ev, ok := latest(events, ofKind(models.KindArtifactFinalized)); ok {
		return ev.At, nil
	}
	if ev, ok := latest(epoch, func(ev models.Event) bool {
		return ev.Kind == models.KindTSAConfirmed && ev.EventWitness() == doc.WitnessHash
	}); ok {
		return ev.At, nil
	}
	if ev, ok := latest(epoch, ofKind(models.KindTSAConfirmed)); ok {
		return ev.At, nil
	}
	if ev, ok := latest(events, ofKind(models.KindProtectionRequested)); ok {
		return ev.At, nil
	}
	return time.Time{}, ErrIssuedAtUnavailable
}

func tsaProof(doc models.Document, epoch []models.Event, opts Options) (Proof, bool) {
	ev, ok := latest(epoch, ofKind(models.KindTSAConfirmed))
	if !ok {
		return Proof{}, false
	}
	provider := ev.PayloadString("tsa_url")
	if provider == "" {
		provider = opts.TSAProvider
	}
	witness := ev.EventWitness()
	if witness == "" {
		witness = doc.WitnessHash
	}
	return Proof{
		Kind:        "tsa",
		Status:      "confirmed",
		Provider:    provider,
		Ref:         witness,
		AttemptedAt: iso(ev.At),
		WitnessHash: witness,
		TokenB64:    ev.PayloadString("token_b64"),
	}, true
}

func anchorProof(epoch []models.Event, network models.Network) (Proof, bool) {
	ev, ok := latest(epoch, func(ev models.Event) bool {
		if !decision.IsAnchorConfirmation(ev) {
			return false
		}
		n, ok := decision.AnchorNetwork(ev)
		if !ok || n != network {
			return false
		}
		at, ok := decision.AnchorConfirmedAt(ev)
		return ok && !at.Before(ev.At)
	})
	if !ok {
		return Proof{}, false
	}
	confirmedAt, _ := decision.AnchorConfirmedAt(ev)
	ref := ev.PayloadString("tx_ref")
	for _, k := range []string{"txid", "tx_hash", "transaction_hash"} {
		if ref != "" {
			break
		}
		ref = ev.PayloadString(k)
	}
	p := Proof{
		Kind:        string(network),
		Status:      "confirmed",
		Provider:    string(network),
		Ref:         ref,
		AttemptedAt: iso(ev.At),
		ConfirmedAt: iso(confirmedAt),
		WitnessHash: ev.EventWitness(),
	}
	if h, ok := blockHeight(ev.Payload["block_height"]); ok {
		p.BlockHeight = &h
	}
	return p, true
}

func blockHeight(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Canonicalize returns the RFC 8785 form of cert and its SHA-256 hex digest.
func Canonicalize(cert Certificate) ([]byte, string, error) {
	raw, err := json.Marshal(cert)
	if err != nil {
		return nil, "", fmt.Errorf("marshal certificate: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize certificate: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}
