// Package anchor drives blockchain anchors from submission to a terminal
// state: confirmed, failed or cancelled.
package anchor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"certification-pipeline/internal/authority"
	"certification-pipeline/internal/config"
	"certification-pipeline/internal/decision"
	"certification-pipeline/internal/models"
	"certification-pipeline/internal/notary"
	"certification-pipeline/internal/notify"
	"certification-pipeline/internal/store"
	"certification-pipeline/internal/telemetry"
)

// Failure reasons written to anchor.failed.
const (
	ReasonTimeout          = "timeout"
	ReasonSubmissionFailed = "submission_failed"
	ReasonRejected         = "rejected"
	ReasonNoEndpoint       = "no_endpoint"
)

// Store is the persistence the workflow needs.
type Store interface {
	ClaimAnchors(ctx context.Context, statuses []models.AnchorStatus, limit int, workerID string, lease time.Duration) ([]models.Anchor, error)
	ReleaseAnchor(ctx context.Context, id string) error
	ListEvents(ctx context.Context, documentID string) ([]models.Event, error)
	ListDocumentAnchors(ctx context.Context, documentID string) ([]models.Anchor, error)
	MarkAnchorSubmitted(ctx context.Context, c store.SubmissionCommit, validate models.AppendValidator) error
	RecordPollAttempt(ctx context.Context, id string, attempts int, nextPollAt time.Time, lastErr string) error
	CancelAnchor(ctx context.Context, id, reason string) error
	FailAnchor(ctx context.Context, c store.FailureCommit, validate models.AppendValidator) error
	CommitAnchorConfirmation(ctx context.Context, c store.ConfirmationCommit, validate models.AppendValidator) (bool, error)
	MarkAnchorNotified(ctx context.Context, id string) error
}

// Reconciler is told when the workflow appended to a document log so the
// next jobs can be derived.
type Reconciler interface {
	Reconcile(ctx context.Context, documentID string) ([]models.Job, error)
}

// Options configure a Workflow.
type Options struct {
	WorkerID     string
	BatchSize    int
	Lease        time.Duration
	PollInterval time.Duration
	Tick         time.Duration
	Policies     Policies
	Validate     models.AppendValidator
	Notifier     notify.Notifier
	Reconciler   Reconciler
	Logger       *slog.Logger
	Now          func() time.Time
}

// OptionsFromConfig fills the cadence and thresholds from cfg.
func OptionsFromConfig(cfg config.Config, workerID string) Options {
	return Options{
		WorkerID:     workerID,
		BatchSize:    cfg.AnchorBatchSize,
		Lease:        cfg.AnchorLease,
		PollInterval: cfg.AnchorPollInterval,
		Tick:         cfg.WorkerPollInterval,
		Policies:     PoliciesFromConfig(cfg),
	}
}

// Workflow submits queued anchors and polls pending ones.
type Workflow struct {
	store    Store
	notaries map[models.Network][]notary.Notary
	opts     Options
	logger   *slog.Logger
}

var tracer = otel.Tracer("certification-pipeline/anchor")

// New builds a workflow. Notaries are tried in the order given for their
// network.
func New(st Store, notaries []notary.Notary, opts Options) *Workflow {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	byNetwork := map[models.Network][]notary.Notary{}
	for _, n := range notaries {
		byNetwork[n.Network()] = append(byNetwork[n.Network()], n)
	}
	return &Workflow{
		store:    st,
		notaries: byNetwork,
		opts:     opts,
		logger:   opts.Logger.With("component", "anchor-workflow", "worker_id", opts.WorkerID),
	}
}

// Run alternates submission and polling passes until ctx is cancelled.
func (w *Workflow) Run(ctx context.Context) error {
	for {
		if _, err := w.SubmitQueued(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("anchor submission pass failed", "error", err)
		}
		if _, err := w.PollPending(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("anchor poll pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.Tick):
		}
	}
}

// unchanged marks a pass that left the anchor as it was.
const unchanged models.AnchorStatus = ""

// Summary counts the transitions of one pass.
type Summary struct {
	Claimed   int
	Submitted int
	Confirmed int
	Pending   int
	Failed    int
	Cancelled int
}

// SubmitQueued hands queued anchors to their network's endpoints.
func (w *Workflow) SubmitQueued(ctx context.Context) (Summary, error) {
	var sum Summary
	anchors, err := w.store.ClaimAnchors(ctx, []models.AnchorStatus{models.AnchorQueued}, w.opts.BatchSize, w.opts.WorkerID, w.opts.Lease)
	if err != nil {
		return sum, fmt.Errorf("claim queued anchors: %w", err)
	}
	sum.Claimed = len(anchors)
	for _, a := range anchors {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		w.count(&sum, w.submit(ctx, a))
	}
	return sum, nil
}

// PollPending upgrades the proofs of due pending and processing anchors.
func (w *Workflow) PollPending(ctx context.Context) (Summary, error) {
	var sum Summary
	anchors, err := w.store.ClaimAnchors(ctx, []models.AnchorStatus{models.AnchorPending, models.AnchorProcessing},
		w.opts.BatchSize, w.opts.WorkerID, w.opts.Lease)
	if err != nil {
		return sum, fmt.Errorf("claim pending anchors: %w", err)
	}
	sum.Claimed = len(anchors)
	for _, a := range anchors {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		w.count(&sum, w.poll(ctx, a))
	}
	return sum, nil
}

func (w *Workflow) count(sum *Summary, st models.AnchorStatus) {
	switch st {
	case models.AnchorPending:
		sum.Submitted++
	case models.AnchorProcessing:
		sum.Pending++
	case models.AnchorConfirmed:
		sum.Confirmed++
	case models.AnchorFailed:
		sum.Failed++
	case models.AnchorCancelled:
		sum.Cancelled++
	}
}

// cancelIfObsolete moves the anchor to cancelled when its document opted out
// of the network or its hash was superseded as the document's witness. It
// reports whether the anchor was cancelled.
func (w *Workflow) cancelIfObsolete(ctx context.Context, a models.Anchor, logger *slog.Logger) (bool, error) {
	events, err := w.store.ListEvents(ctx, a.DocumentID)
	if err != nil {
		return false, err
	}
	var reason string
	switch witness := decision.EpochWitness(events); {
	case decision.OptedOut(events).Has(a.Network):
		reason = "document opted out of network"
	case witness != "" && witness != a.DocumentHash:
		reason = "witness superseded"
	default:
		return false, nil
	}
	if err := w.store.CancelAnchor(ctx, a.ID, reason); err != nil {
		return false, err
	}
	telemetry.AnchorsCancelled.WithLabelValues(string(a.Network)).Inc()
	logger.Info("anchor cancelled", "reason", reason)
	return true, nil
}

func (w *Workflow) submit(ctx context.Context, a models.Anchor) models.AnchorStatus {
	ctx, span := w.startSpan(ctx, "anchor.submit", a)
	defer span.End()
	logger := w.logger.With("anchor_id", a.ID, "document_id", a.DocumentID, "network", a.Network)

	cancelled, err := w.cancelIfObsolete(ctx, a, logger)
	if err != nil {
		return w.release(ctx, a, logger, err)
	}
	if cancelled {
		return models.AnchorCancelled
	}

	endpoints := w.notaries[a.Network]
	if len(endpoints) == 0 {
		return w.fail(ctx, a, a.Attempts, ReasonNoEndpoint, "no notary endpoint configured", false, logger)
	}

	var errs []string
	for _, n := range endpoints {
		proof, err := n.Submit(ctx, a.DocumentHash)
		if err != nil {
			logger.Warn("notary submission failed", "endpoint", n.Endpoint(), "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", n.Endpoint(), err))
			continue
		}
		now := w.opts.Now()
		err = w.store.MarkAnchorSubmitted(ctx, store.SubmissionCommit{
			Anchor:     a,
			Proof:      proof,
			Endpoint:   n.Endpoint(),
			NextPollAt: now.Add(w.opts.PollInterval),
			At:         now,
		}, w.opts.Validate)
		if err != nil {
			if errors.Is(err, store.ErrAnchorNotConfirmable) {
				logger.Info("anchor left queued state before submission commit")
				return unchanged
			}
			return w.release(ctx, a, logger, err)
		}
		telemetry.AnchorsSubmitted.WithLabelValues(string(a.Network)).Inc()
		logger.Info("anchor submitted", "endpoint", n.Endpoint())
		w.reconcile(ctx, a.DocumentID, logger)
		return models.AnchorPending
	}
	span.SetStatus(codes.Error, "all endpoints failed")
	return w.fail(ctx, a, a.Attempts, ReasonSubmissionFailed, strings.Join(errs, "; "), true, logger)
}

func (w *Workflow) poll(ctx context.Context, a models.Anchor) models.AnchorStatus {
	ctx, span := w.startSpan(ctx, "anchor.poll", a)
	defer span.End()
	logger := w.logger.With("anchor_id", a.ID, "document_id", a.DocumentID, "network", a.Network)

	cancelled, err := w.cancelIfObsolete(ctx, a, logger)
	if err != nil {
		return w.release(ctx, a, logger, err)
	}
	if cancelled {
		return models.AnchorCancelled
	}

	n := w.notaryFor(a)
	if n == nil {
		return w.fail(ctx, a, a.Attempts, ReasonNoEndpoint, "no notary endpoint configured", false, logger)
	}

	attempts := a.Attempts + 1
	span.SetAttributes(attribute.Int("anchor.attempt", attempts))

	upgraded, err := n.Upgrade(ctx, a.Proof)
	switch {
	case errors.Is(err, notary.ErrRejected):
		return w.fail(ctx, a, attempts, ReasonRejected, err.Error(), false, logger)
	case err == nil && len(upgraded) > 0 && !bytes.Equal(upgraded, a.Proof):
		return w.confirm(ctx, a, n, upgraded, attempts, logger)
	}

	if err != nil {
		logger.Warn("proof upgrade failed", "attempt", attempts, "error", err)
	}
	return w.unconfirmed(ctx, a, attempts, err, logger)
}

// unconfirmed records a poll that did not confirm the anchor, failing it once
// the network's attempt budget is spent.
func (w *Workflow) unconfirmed(ctx context.Context, a models.Anchor, attempts int, cause error, logger *slog.Logger) models.AnchorStatus {
	policy := w.opts.Policies.For(a.Network)
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	if attempts >= policy.MaxAttempts {
		detail := fmt.Sprintf("%s confirmation max attempts reached (%d/%d)", a.Network, attempts, policy.MaxAttempts)
		return w.fail(ctx, a, attempts, ReasonTimeout, detail, false, logger)
	}
	if attempts == policy.AlertAttempts {
		telemetry.AnchorTimeoutWarnings.WithLabelValues(string(a.Network)).Inc()
		logger.Warn("anchor still unconfirmed past alert threshold",
			"attempt", attempts, "max_attempts", policy.MaxAttempts,
			"pending_for", w.opts.Now().Sub(a.CreatedAt).Round(time.Minute).String())
	}
	if err := w.store.RecordPollAttempt(ctx, a.ID, attempts, w.opts.Now().Add(w.opts.PollInterval), lastErr); err != nil {
		return w.release(ctx, a, logger, err)
	}
	return models.AnchorProcessing
}

func (w *Workflow) confirm(ctx context.Context, a models.Anchor, n notary.Notary, proof []byte, attempts int, logger *slog.Logger) models.AnchorStatus {
	commit := store.ConfirmationCommit{
		Anchor:        a,
		Proof:         proof,
		ConfirmedAt:   w.opts.Now(),
		Attempts:      attempts,
		Certification: models.CertificationCertified,
	}
	if ref, ok := n.TxRef(proof); ok {
		commit.TxRef = ref
		conf, err := n.FetchConfirmation(ctx, ref)
		if err != nil {
			logger.Warn("fetch block data failed; using observation time", "tx_ref", ref, "error", err)
		} else {
			if conf.TxRef != "" {
				commit.TxRef = conf.TxRef
			}
			if conf.BlockHeight > 0 {
				h := conf.BlockHeight
				commit.BlockHeight = &h
			}
			if !conf.BlockTime.IsZero() {
				commit.ConfirmedAt = conf.BlockTime
			}
		}
	}

	applied, err := w.store.CommitAnchorConfirmation(ctx, commit, w.opts.Validate)
	if err != nil {
		if errors.Is(err, store.ErrAnchorNotConfirmable) {
			logger.Info("anchor no longer confirmable; confirmation dropped")
			return unchanged
		}
		if reason, rejected := authority.ReasonOf(err); rejected {
			logger.Warn("confirmation rejected by event authority", "reason", reason, "attempt", attempts)
			return w.unconfirmed(ctx, a, attempts, err, logger)
		}
		return w.release(ctx, a, logger, fmt.Errorf("commit confirmation: %w", err))
	}
	if !applied {
		return models.AnchorConfirmed
	}
	telemetry.AnchorsConfirmed.WithLabelValues(string(a.Network)).Inc()
	logger.Info("anchor confirmed", "tx_ref", commit.TxRef, "attempt", attempts)

	payload := map[string]any{
		"network":       string(a.Network),
		"confirmed_at":  commit.ConfirmedAt.UTC().Format(time.RFC3339),
		"tx_ref":        commit.TxRef,
		"document_hash": a.DocumentHash,
	}
	if commit.BlockHeight != nil {
		payload["block_height"] = *commit.BlockHeight
	}
	w.notify(ctx, a, notify.KindAnchorConfirmed, payload, logger)
	w.reconcile(ctx, a.DocumentID, logger)
	return models.AnchorConfirmed
}

func (w *Workflow) fail(ctx context.Context, a models.Anchor, attempts int, reason, detail string, retryable bool, logger *slog.Logger) models.AnchorStatus {
	commit := store.FailureCommit{
		Anchor:    a,
		Reason:    reason + ": " + detail,
		Retryable: retryable,
		Attempts:  attempts,
		At:        w.opts.Now(),
	}
	// Submission failures are retried in a new round; only terminal ones
	// decide the document's certification.
	if !retryable {
		siblings, err := w.store.ListDocumentAnchors(ctx, a.DocumentID)
		if err != nil {
			return w.release(ctx, a, logger, err)
		}
		status := Fallback(a, siblings, w.opts.Policies)
		commit.Certification = &status
	}
	if err := w.store.FailAnchor(ctx, commit, w.opts.Validate); err != nil {
		if errors.Is(err, store.ErrAnchorNotConfirmable) {
			return unchanged
		}
		return w.release(ctx, a, logger, fmt.Errorf("commit failure: %w", err))
	}
	telemetry.AnchorsFailed.WithLabelValues(string(a.Network), reason).Inc()
	attrs := []any{"reason", reason, "detail", detail, "attempts", attempts}
	if commit.Certification != nil {
		attrs = append(attrs, "certification", *commit.Certification)
	}
	logger.Warn("anchor failed", attrs...)

	if commit.Certification != nil {
		w.notify(ctx, a, notify.KindAnchorFailed, map[string]any{
			"network":       string(a.Network),
			"reason":        reason,
			"certification": string(*commit.Certification),
		}, logger)
	}
	w.reconcile(ctx, a.DocumentID, logger)
	return models.AnchorFailed
}

// release drops the lease after an error so the anchor is retried on the
// next pass with its state untouched.
func (w *Workflow) release(ctx context.Context, a models.Anchor, logger *slog.Logger, cause error) models.AnchorStatus {
	logger.Error("anchor transition failed", "error", cause)
	if err := w.store.ReleaseAnchor(context.WithoutCancel(ctx), a.ID); err != nil {
		logger.Warn("release anchor lease failed", "error", err)
	}
	return unchanged
}

func (w *Workflow) notify(ctx context.Context, a models.Anchor, kind string, payload map[string]any, logger *slog.Logger) {
	if w.opts.Notifier == nil {
		return
	}
	err := w.opts.Notifier.Notify(ctx, notify.Notification{
		Kind:       kind,
		DocumentID: a.DocumentID,
		AnchorID:   a.ID,
		Payload:    payload,
	})
	if err != nil {
		logger.Warn("notification failed", "kind", kind, "error", err)
		return
	}
	if kind == notify.KindAnchorConfirmed {
		if err := w.store.MarkAnchorNotified(ctx, a.ID); err != nil {
			logger.Warn("mark anchor notified failed", "error", err)
		}
	}
}

func (w *Workflow) reconcile(ctx context.Context, documentID string, logger *slog.Logger) {
	if w.opts.Reconciler == nil {
		return
	}
	if _, err := w.opts.Reconciler.Reconcile(ctx, documentID); err != nil {
		logger.Warn("reconcile after anchor transition failed", "error", err)
	}
}

// notaryFor returns the endpoint that issued the anchor's proof, falling
// back to the first one of its network.
func (w *Workflow) notaryFor(a models.Anchor) notary.Notary {
	candidates := w.notaries[a.Network]
	for _, n := range candidates {
		if n.Endpoint() == a.Endpoint {
			return n
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}

func (w *Workflow) startSpan(ctx context.Context, name string, a models.Anchor) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("anchor.id", a.ID),
		attribute.String("anchor.network", string(a.Network)),
		attribute.String("document.id", a.DocumentID),
	)
	return ctx, span
}
