package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"certification-pipeline/internal/artifact"
	"certification-pipeline/internal/authority"
	"certification-pipeline/internal/certificate"
	"certification-pipeline/internal/decision"
	"certification-pipeline/internal/models"
	"certification-pipeline/internal/tsa"
	"certification-pipeline/internal/worker"
)

// AnchorStore creates anchors for the confirmation workflow to drive.
type AnchorStore interface {
	CreateAnchor(ctx context.Context, documentID string, network models.Network, documentHash string) (models.Anchor, bool, error)
}

// Timestamper issues RFC 3161 tokens.
type Timestamper interface {
	URL() string
	Timestamp(ctx context.Context, hashHex string) (tsa.Token, error)
}

// Handlers implements one worker.Handler per job type.
type Handlers struct {
	svc          *Service
	anchors      AnchorStore
	tsa          Timestamper
	artifacts    artifact.Store
	submitRounds int
	logger       *slog.Logger
}

func NewHandlers(svc *Service, anchors AnchorStore, ts Timestamper, artifacts artifact.Store, submitRounds int) *Handlers {
	if submitRounds <= 0 {
		submitRounds = 3
	}
	return &Handlers{
		svc:          svc,
		anchors:      anchors,
		tsa:          ts,
		artifacts:    artifacts,
		submitRounds: submitRounds,
		logger:       svc.logger.With("component", "handlers"),
	}
}

// Registry binds every job type to its handler.
func (h *Handlers) Registry() worker.Registry {
	return worker.NewRegistry(
		worker.HandlerFunc(h.RunTSA),
		worker.HandlerFunc(h.BuildArtifact),
		worker.HandlerFunc(h.submitAnchor(models.NetworkPolygon)),
		worker.HandlerFunc(h.submitAnchor(models.NetworkBitcoin)),
	)
}

// load returns the document and its log; a missing document is fatal.
func (h *Handlers) load(ctx context.Context, job models.Job) (models.Document, []models.Event, *worker.Result) {
	doc, err := h.svc.docs.GetDocument(ctx, job.DocumentID)
	if err != nil {
		res := worker.Retry(worker.RetryDelay(job.Type, job.Attempts), err)
		if isNotFound(err) {
			res = worker.Failed(err, worker.FailureFatal)
		}
		return models.Document{}, nil, &res
	}
	events, err := h.svc.docs.ListEvents(ctx, job.DocumentID)
	if err != nil {
		res := worker.Retry(worker.RetryDelay(job.Type, job.Attempts), err)
		return models.Document{}, nil, &res
	}
	return doc, events, nil
}

// stale reports whether the job was enqueued for a witness hash the
// document has since moved away from.
func stale(job models.Job, doc models.Document) bool {
	w, _ := job.Payload["witness_hash"].(string)
	return w != "" && w != doc.WitnessHash
}

// appendResult appends an event produced by a handler. A duplicate means an
// earlier attempt already recorded it.
func (h *Handlers) appendResult(ctx context.Context, job models.Job, ev models.Event) worker.Result {
	_, err := h.svc.Append(ctx, job.DocumentID, ev, "executor:"+job.Type)
	if err == nil {
		return worker.Succeeded()
	}
	if reason, ok := authority.ReasonOf(err); ok {
		if reason == authority.ReasonKindDuplicate {
			return worker.Succeeded()
		}
		return worker.Failed(err, worker.FailureFatal)
	}
	return worker.Retry(worker.RetryDelay(job.Type, job.Attempts), err)
}

// RunTSA timestamps the document's current witness hash.
func (h *Handlers) RunTSA(ctx context.Context, job models.Job) worker.Result {
	doc, events, res := h.load(ctx, job)
	if res != nil {
		return *res
	}
	if stale(job, doc) {
		h.logger.Info("skipping tsa for superseded witness", "job_id", job.ID, "document_id", doc.ID)
		return worker.Succeeded()
	}
	if doc.WitnessHash == "" {
		return worker.Failed(errors.New("document has no witness hash"), worker.FailureFatal)
	}
	if decision.HasKind(decision.CurrentEpoch(events), models.KindTSAConfirmed) {
		return worker.Succeeded()
	}

	tok, err := h.tsa.Timestamp(ctx, doc.WitnessHash)
	if err != nil {
		if errors.Is(err, tsa.ErrRejected) {
			_, _ = h.svc.Append(ctx, doc.ID, models.Event{
				Kind:        models.KindTSAFailed,
				At:          h.svc.now(),
				WitnessHash: doc.WitnessHash,
				Payload:     map[string]any{"reason": err.Error(), "retryable": false},
			}, "executor:"+job.Type)
			return worker.Failed(err, worker.FailureFatal)
		}
		return worker.Retry(worker.RetryDelay(job.Type, job.Attempts), err)
	}

	payload := map[string]any{
		"token_b64": base64.StdEncoding.EncodeToString(tok.DER),
		"tsa_url":   h.tsa.URL(),
	}
	if tok.SerialNumber != "" {
		payload["serial_number"] = tok.SerialNumber
	}
	if !tok.GenTime.IsZero() {
		payload["gen_time"] = tok.GenTime.UTC().Format(time.RFC3339)
	}
	return h.appendResult(ctx, job, models.Event{
		Kind:        models.KindTSAConfirmed,
		At:          h.svc.now(),
		WitnessHash: doc.WitnessHash,
		Payload:     payload,
	})
}

func (h *Handlers) submitAnchor(network models.Network) func(context.Context, models.Job) worker.Result {
	return func(ctx context.Context, job models.Job) worker.Result {
		return h.SubmitAnchor(ctx, job, network)
	}
}

// SubmitAnchor queues an anchor of the witness hash on network. The anchor
// workflow takes it from there. Retryable submission failures get a new
// anchor, up to the configured number of rounds.
func (h *Handlers) SubmitAnchor(ctx context.Context, job models.Job, network models.Network) worker.Result {
	doc, events, res := h.load(ctx, job)
	if res != nil {
		return *res
	}
	if stale(job, doc) {
		return worker.Succeeded()
	}
	epoch := decision.CurrentEpoch(events)
	if decision.AnchorConfirmed(epoch, network) || decision.OptedOut(events).Has(network) {
		return worker.Succeeded()
	}

	if ev, abandoned := decision.AnchorAbandoned(epoch, network); abandoned {
		return worker.Failed(fmt.Errorf("%s anchor failed terminally: %s", network, ev.PayloadString("reason")), worker.FailureFatal)
	}
	rounds := 0
	var lastFailure models.Event
	for _, ev := range epoch {
		if ev.Kind != models.KindAnchorFailed {
			continue
		}
		if n, ok := decision.AnchorNetwork(ev); !ok || n != network {
			continue
		}
		rounds++
		lastFailure = ev
	}
	if rounds >= h.submitRounds {
		return worker.Failed(fmt.Errorf("%s anchor submission failed %d times", network, rounds), worker.FailureFatal)
	}
	if rounds > 0 {
		wait := lastFailure.At.Add(worker.RetryDelay(job.Type, rounds)).Sub(h.svc.now())
		if wait > 0 {
			return worker.Retry(wait, fmt.Errorf("waiting for %s submission round %d", network, rounds+1))
		}
	}

	a, created, err := h.anchors.CreateAnchor(ctx, doc.ID, network, doc.WitnessHash)
	if err != nil {
		return worker.Retry(worker.RetryDelay(job.Type, job.Attempts), err)
	}
	if created {
		h.logger.Info("anchor queued", "document_id", doc.ID, "anchor_id", a.ID, "network", network, "round", rounds+1)
	}
	return worker.Succeeded()
}

// BuildArtifact assembles, stores and finalizes the certificate once every
// required piece of evidence is confirmed.
func (h *Handlers) BuildArtifact(ctx context.Context, job models.Job) worker.Result {
	doc, events, res := h.load(ctx, job)
	if res != nil {
		return *res
	}
	if decision.HasKind(events, models.KindArtifactFinalized) {
		return worker.Succeeded()
	}
	if d := decision.DecideNextJobs(events, h.svc.opts.Override); d.Reason != decision.ReasonNeedsArtifact {
		h.logger.Info("artifact not due", "document_id", doc.ID, "reason", d.Reason)
		return worker.Succeeded()
	}

	issuedAt := h.svc.now()
	cert, err := certificate.Build(doc, events, certificate.Options{IssuedAt: issuedAt, TSAProvider: h.tsa.URL()})
	if err != nil {
		return h.artifactFailed(ctx, job, err)
	}
	raw, hash, err := certificate.Canonicalize(cert)
	if err != nil {
		return h.artifactFailed(ctx, job, err)
	}
	ref, err := h.artifacts.Put(ctx, artifact.Key(doc.ID, hash), raw)
	if err != nil {
		return worker.Retry(worker.RetryDelay(job.Type, job.Attempts), err)
	}
	return h.appendResult(ctx, job, models.Event{
		Kind: models.KindArtifactFinalized,
		At:   issuedAt,
		Payload: map[string]any{
			"artifact_ref":     ref,
			"certificate_hash": hash,
		},
	})
}

func (h *Handlers) artifactFailed(ctx context.Context, job models.Job, cause error) worker.Result {
	_, _ = h.svc.Append(ctx, job.DocumentID, models.Event{
		Kind:    models.KindArtifactFailed,
		At:      h.svc.now(),
		Payload: map[string]any{"reason": cause.Error()},
	}, "executor:"+job.Type)
	return worker.Failed(cause, worker.FailureFatal)
}
