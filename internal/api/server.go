package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"certification-pipeline/internal/authority"
	"certification-pipeline/internal/config"
	"certification-pipeline/internal/models"
	"certification-pipeline/internal/pipeline"
	"certification-pipeline/internal/runlog"
	"certification-pipeline/internal/store"
	"certification-pipeline/internal/telemetry"
)

// Documents is the read side of the document store plus registration.
type Documents interface {
	CreateDocument(ctx context.Context, p store.CreateDocumentParams) (models.Document, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	ListEvents(ctx context.Context, documentID string) ([]models.Event, error)
	ListDocumentAnchors(ctx context.Context, documentID string) ([]models.Anchor, error)
}

// Jobs is implemented by both job backends.
type Jobs interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListDocumentJobs(ctx context.Context, documentID string) ([]models.Job, error)
	DeadJobs(ctx context.Context, limit int) ([]models.Job, error)
}

// Runs lists recorded handler invocations.
type Runs interface {
	ListRuns(ctx context.Context, jobID string) ([]runlog.Entry, error)
}

// Server wires HTTP handlers for the document API.
type Server struct {
	cfg    config.Config
	svc    *pipeline.Service
	docs   Documents
	jobs   Jobs
	runs   Runs
	logger *slog.Logger
}

// New constructs the API server. runs may be nil.
func New(cfg config.Config, svc *pipeline.Service, docs Documents, jobs Jobs, runs Runs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		svc:    svc,
		docs:   docs,
		jobs:   jobs,
		runs:   runs,
		logger: logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/documents", s.handleCreateDocument)
	r.Route("/documents/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetDocument)
		r.Get("/events", s.handleListEvents)
		r.Post("/events", s.handleAppendEvent)
		r.Post("/protect", s.handleProtect)
		r.Get("/decision", s.handleDecision)
		r.Post("/anchors/{network}/opt-out", s.handleOptOut)
		r.Get("/certificate", s.handleCertificate)
	})

	r.Get("/jobs/dead", s.handleDeadJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/runs", s.handleJobRuns)

	origins := s.cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After", "X-Certificate-Hash"},
	}).Handler(r)
}

type createDocumentRequest struct {
	Owner       string `json:"owner"`
	SourceHash  string `json:"source_hash"`
	WitnessHash string `json:"witness_hash"`
	SignedHash  string `json:"signed_hash"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Owner = strings.TrimSpace(req.Owner)
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	for name, v := range map[string]string{"source_hash": req.SourceHash, "witness_hash": req.WitnessHash} {
		if !isSHA256Hex(v) {
			writeError(w, http.StatusBadRequest, name+" must be a hex sha-256 digest")
			return
		}
	}
	if req.SignedHash != "" && !isSHA256Hex(req.SignedHash) {
		writeError(w, http.StatusBadRequest, "signed_hash must be a hex sha-256 digest")
		return
	}

	doc, err := s.docs.CreateDocument(r.Context(), store.CreateDocumentParams{
		Owner:       req.Owner,
		SourceHash:  strings.ToLower(req.SourceHash),
		WitnessHash: strings.ToLower(req.WitnessHash),
		SignedHash:  strings.ToLower(req.SignedHash),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

type documentResponse struct {
	Document models.Document `json:"document"`
	Anchors  []models.Anchor `json:"anchors"`
	Jobs     []models.Job    `json:"jobs"`
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	anchors, err := s.docs.ListDocumentAnchors(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs, err := s.jobs.ListDocumentJobs(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if anchors == nil {
		anchors = []models.Anchor{}
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, documentResponse{Document: doc, Anchors: anchors, Jobs: jobs})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.docs.GetDocument(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	events, err := s.docs.ListEvents(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type appendEventRequest struct {
	Kind          string         `json:"kind"`
	At            *time.Time     `json:"at"`
	Payload       map[string]any `json:"payload"`
	WitnessHash   string         `json:"witness_hash"`
	CorrelationID string         `json:"correlation_id"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	at := time.Now().UTC()
	if req.At != nil {
		at = req.At.UTC()
	}
	ev, err := s.svc.Append(r.Context(), chi.URLParam(r, "id"), models.Event{
		Kind:          req.Kind,
		At:            at,
		Payload:       req.Payload,
		WitnessHash:   req.WitnessHash,
		CorrelationID: req.CorrelationID,
	}, sourceFromRequest(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type protectRequest struct {
	RequiredEvidence []string `json:"required_evidence"`
	AnchorStage      string   `json:"anchor_stage"`
	CorrelationID    string   `json:"correlation_id"`
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	var req protectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.GetReqID(r.Context())
	}
	ev, err := s.svc.RequestProtection(r.Context(), chi.URLParam(r, "id"), pipeline.ProtectionRequest{
		RequiredEvidence: req.RequiredEvidence,
		Stage:            req.AnchorStage,
		CorrelationID:    req.CorrelationID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Decide(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOptOut(w http.ResponseWriter, r *http.Request) {
	network, ok := models.ParseNetwork(strings.ToLower(chi.URLParam(r, "network")))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown network")
		return
	}
	ev, err := s.svc.OptOut(r.Context(), chi.URLParam(r, "id"), network)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// handleCertificate serves the canonical bytes, so a client can hash the
// body and compare it with X-Certificate-Hash.
func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	_, raw, hash, err := s.svc.Certificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Certificate-Hash", hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run log not available")
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []runlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.jobs.DeadJobs(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var rej *authority.Rejection
	var limited *pipeline.RateLimitError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  rej.Error(),
			"reason": string(rej.Reason),
		})
	case errors.As(err, &limited):
		secs := int(limited.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, pipeline.ErrNotCertifiable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Event-Source"); v != "" {
		return v
	}
	return "api"
}

func isSHA256Hex(v string) bool {
	if len(v) != 64 {
		return false
	}
	for _, c := range strings.ToLower(v) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
