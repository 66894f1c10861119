// Package pipeline ties the event log to the job queue: every accepted event
// is followed by a decision pass that enqueues the next jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"certification-pipeline/internal/authority"
	"certification-pipeline/internal/certificate"
	"certification-pipeline/internal/decision"
	"certification-pipeline/internal/models"
	"certification-pipeline/internal/ratelimit"
	"certification-pipeline/internal/store"
	"certification-pipeline/internal/telemetry"
)

// DocumentStore holds documents and their event logs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	ListEvents(ctx context.Context, documentID string) ([]models.Event, error)
	AppendEvent(ctx context.Context, documentID string, ev models.Event, validate models.AppendValidator) (models.Event, error)
}

// JobQueue accepts deduplicated jobs.
type JobQueue interface {
	EnqueueJob(ctx context.Context, p models.NewJob) (models.Job, bool, error)
}

// Limiter bounds protection requests per owner.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// RateLimitError is returned when an owner asked for protection too often.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Options configure a Service.
type Options struct {
	// Override is used when a protection request names no evidence.
	Override    *models.EvidenceSet
	MaxAttempts int
	Limiter     Limiter
	TSAProvider string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service is the event append API.
type Service struct {
	docs      DocumentStore
	jobs      JobQueue
	authority *authority.Authority
	opts      Options
	logger    *slog.Logger
}

func NewService(docs DocumentStore, jobs JobQueue, auth *authority.Authority, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		docs:      docs,
		jobs:      jobs,
		authority: auth,
		opts:      opts,
		logger:    opts.Logger.With("component", "pipeline"),
	}
}

// now is truncated to the precision the event log stores.
func (s *Service) now() time.Time { return s.opts.Now().UTC().Truncate(time.Microsecond) }

// Validator exposes the authority check for writers that append inside
// their own transactions.
func (s *Service) Validator() models.AppendValidator { return s.authority.ValidateAppend }

// Append validates ev against the document's log, appends it and derives the
// next jobs. A rejection is returned as *authority.Rejection. Reconciliation
// errors are logged; the event is already durable by then.
func (s *Service) Append(ctx context.Context, documentID string, ev models.Event, source string) (models.Event, error) {
	ev.Kind = strings.TrimSpace(ev.Kind)
	ev.Source = source
	stored, err := s.docs.AppendEvent(ctx, documentID, ev, s.authority.ValidateAppend)
	if err != nil {
		if reason, ok := authority.ReasonOf(err); ok {
			telemetry.AppendsRejected.WithLabelValues(string(reason)).Inc()
			s.logger.Info("event rejected", "document_id", documentID, "kind", ev.Kind, "reason", reason, "source", source)
		}
		return models.Event{}, err
	}
	telemetry.EventsAppended.WithLabelValues(stored.Kind).Inc()
	s.logger.Info("event appended", "document_id", documentID, "kind", stored.Kind, "seq", stored.Seq, "source", source)

	if _, err := s.Reconcile(ctx, documentID); err != nil {
		s.logger.Error("reconcile after append failed", "document_id", documentID, "error", err)
	}
	return stored, nil
}

// Decide previews the decision for a document without enqueuing anything.
func (s *Service) Decide(ctx context.Context, documentID string) (decision.Decision, error) {
	events, err := s.docs.ListEvents(ctx, documentID)
	if err != nil {
		return decision.Decision{}, err
	}
	return decision.DecideNextJobs(events, s.opts.Override), nil
}

// Reconcile runs the decision engine over the document's full log and
// enqueues its jobs. Jobs already active under the same dedupe key are left
// alone.
func (s *Service) Reconcile(ctx context.Context, documentID string) ([]models.Job, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	events, err := s.docs.ListEvents(ctx, documentID)
	if err != nil {
		return nil, err
	}
	d := decision.DecideNextJobs(events, s.opts.Override)
	epoch := decision.CurrentEpoch(events)

	jobs := make([]models.Job, 0, len(d.Jobs))
	for _, t := range d.Jobs {
		if n, ok := models.NetworkOfJob(t); ok {
			if ev, abandoned := decision.AnchorAbandoned(epoch, n); abandoned {
				s.logger.Debug("anchor abandoned in this epoch; not enqueuing",
					"document_id", doc.ID, "job_type", t, "failure", ev.PayloadString("reason"))
				continue
			}
		}
		job, existed, err := s.jobs.EnqueueJob(ctx, models.NewJob{
			Type:        t,
			DocumentID:  doc.ID,
			DedupeKey:   decision.DedupeKey(doc.ID, t, doc.WitnessHash),
			MaxAttempts: s.opts.MaxAttempts,
			Payload: map[string]any{
				"witness_hash": doc.WitnessHash,
				"reason":       string(d.Reason),
			},
		})
		if err != nil {
			return jobs, fmt.Errorf("enqueue %s: %w", t, err)
		}
		if existed {
			telemetry.JobsDeduped.WithLabelValues(string(t)).Inc()
		} else {
			telemetry.JobsEnqueued.WithLabelValues(string(t)).Inc()
			s.logger.Info("job enqueued", "document_id", doc.ID, "job_id", job.ID, "job_type", t, "reason", d.Reason)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ProtectionRequest is the input of RequestProtection.
type ProtectionRequest struct {
	RequiredEvidence []string
	Stage            string
	CorrelationID    string
}

// RequestProtection appends document.protected.requested on behalf of the
// document owner, subject to the owner's rate limit.
func (s *Service) RequestProtection(ctx context.Context, documentID string, req ProtectionRequest) (models.Event, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return models.Event{}, err
	}
	if s.opts.Limiter != nil {
		dec, err := s.opts.Limiter.Allow(ctx, "protect:"+doc.Owner)
		if err != nil {
			s.logger.Warn("rate limiter unavailable; allowing request", "owner", doc.Owner, "error", err)
		} else if !dec.Allowed {
			telemetry.RateLimitRejects.Inc()
			return models.Event{}, &RateLimitError{RetryAfter: dec.RetryAfter}
		}
	}

	evidence := req.RequiredEvidence
	if evidence == nil {
		evidence = []string{}
	}
	payload := map[string]any{"required_evidence": evidence}
	if req.Stage != "" {
		payload["anchor_stage"] = req.Stage
	}
	return s.Append(ctx, documentID, models.Event{
		Kind:          models.KindProtectionRequested,
		At:            s.now(),
		Payload:       payload,
		CorrelationID: req.CorrelationID,
	}, "api")
}

// OptOut records that the owner no longer wants an anchor on network.
func (s *Service) OptOut(ctx context.Context, documentID string, network models.Network) (models.Event, error) {
	return s.Append(ctx, documentID, models.Event{
		Kind:    models.KindAnchorOptOut,
		At:      s.now(),
		Payload: map[string]any{"network": string(network)},
	}, "api")
}

// Certificate builds the current certificate of a document with its
// canonical bytes and hash.
func (s *Service) Certificate(ctx context.Context, documentID string) (certificate.Certificate, []byte, string, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return certificate.Certificate{}, nil, "", err
	}
	events, err := s.docs.ListEvents(ctx, documentID)
	if err != nil {
		return certificate.Certificate{}, nil, "", err
	}
	if !decision.HasKind(events, models.KindTSAConfirmed) {
		return certificate.Certificate{}, nil, "", ErrNotCertifiable
	}
	cert, err := certificate.Build(doc, events, certificate.Options{TSAProvider: s.opts.TSAProvider})
	if err != nil {
		return certificate.Certificate{}, nil, "", err
	}
	raw, hash, err := certificate.Canonicalize(cert)
	if err != nil {
		return certificate.Certificate{}, nil, "", err
	}
	return cert, raw, hash, nil
}

// ErrNotCertifiable is returned for documents without any timestamp yet.
var ErrNotCertifiable = errors.New("document has no confirmed evidence yet")

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// OverrideFromConfig turns the configured network names into an evidence
// override. Unknown names are ignored; nothing configured means no override.
func OverrideFromConfig(names []string) *models.EvidenceSet {
	var set models.EvidenceSet
	for _, name := range names {
		if n, ok := models.ParseNetwork(strings.ToLower(strings.TrimSpace(name))); ok {
			set = set.With(n)
		}
	}
	if set.Empty() {
		return nil
	}
	return &set
}
