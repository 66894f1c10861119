package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"certification-pipeline/internal/models"
)

// CreateDocumentParams collects inputs required to register a document.
type CreateDocumentParams struct {
	Owner       string
	SourceHash  string
	WitnessHash string
	SignedHash  string
}

// CreateDocument inserts a draft document with an empty event log.
func (s *Store) CreateDocument(ctx context.Context, p CreateDocumentParams) (models.Document, error) {
	now := time.Now().UTC()
	doc := models.Document{
		ID:                  uuid.New().String(),
		Owner:               p.Owner,
		SourceHash:          p.SourceHash,
		WitnessHash:         p.WitnessHash,
		SignedHash:          p.SignedHash,
		LifecycleStatus:     models.LifecycleDraft,
		CertificationStatus: models.CertificationPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, owner, source_hash, witness_hash, signed_hash, lifecycle_status, certification_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, doc.ID, doc.Owner, doc.SourceHash, doc.WitnessHash, emptyToNil(doc.SignedHash), doc.LifecycleStatus, doc.CertificationStatus, now)
	if err != nil {
		return models.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

const documentColumns = `id::text, owner, source_hash, witness_hash, signed_hash, lifecycle_status, certification_status, created_at, updated_at`

func scanDocument(row pgx.Row) (models.Document, error) {
	var doc models.Document
	var signed pgtype.Text
	if err := row.Scan(&doc.ID, &doc.Owner, &doc.SourceHash, &doc.WitnessHash, &signed,
		&doc.LifecycleStatus, &doc.CertificationStatus, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Document{}, fmt.Errorf("document: %w", ErrNotFound)
		}
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	doc.SignedHash = textValue(signed)
	return doc, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	return scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
}

// ListEvents returns the document's log in append order.
func (s *Store) ListEvents(ctx context.Context, documentID string) ([]models.Event, error) {
	return listEvents(ctx, s.pool, documentID)
}

func listEvents(ctx context.Context, q querier, documentID string) ([]models.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT seq, kind, at, payload, witness_hash, correlation_id, source, recorded_at
		FROM document_events WHERE document_id = $1 ORDER BY seq
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var payloadJSON []byte
		var witness, correlation pgtype.Text
		if err := rows.Scan(&ev.Seq, &ev.Kind, &ev.At, &payloadJSON, &witness, &correlation, &ev.Source, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		ev.WitnessHash = textValue(witness)
		ev.CorrelationID = textValue(correlation)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AppendEvent validates ev against the document's current state and appends
// it. The document row is locked for the duration so appends to one document
// are totally ordered.
func (s *Store) AppendEvent(ctx context.Context, documentID string, ev models.Event, validate models.AppendValidator) (models.Event, error) {
	var stored models.Event
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		stored, err = appendEventTx(ctx, tx, documentID, ev, validate)
		return err
	})
	return stored, err
}

func appendEventTx(ctx context.Context, tx pgx.Tx, documentID string, ev models.Event, validate models.AppendValidator) (models.Event, error) {
	doc, err := scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, documentID))
	if err != nil {
		return models.Event{}, err
	}
	events, err := listEvents(ctx, tx, documentID)
	if err != nil {
		return models.Event{}, err
	}
	if validate != nil {
		state := models.DocumentState{DocumentID: doc.ID, WitnessHash: doc.WitnessHash, Events: events}
		if err := validate(state, ev); err != nil {
			return models.Event{}, err
		}
	}

	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}

	var seq int64 = 1
	if n := len(events); n > 0 {
		seq = events[n-1].Seq + 1
	}
	ev.Seq = seq
	ev.At = ev.At.UTC()
	ev.RecordedAt = time.Now().UTC()
	ev.Payload = payload

	if _, err := tx.Exec(ctx, `
		INSERT INTO document_events (document_id, seq, kind, at, payload, witness_hash, correlation_id, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, documentID, ev.Seq, ev.Kind, ev.At, payloadJSON, emptyToNil(ev.WitnessHash), emptyToNil(ev.CorrelationID), ev.Source, ev.RecordedAt); err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}

	lifecycle := models.LifecycleAfter(doc.LifecycleStatus, ev.Kind)
	witness := doc.WitnessHash
	if ev.Kind == models.KindWitnessSuperseded && ev.WitnessHash != "" {
		witness = ev.WitnessHash
	}
	if _, err := tx.Exec(ctx, `
		UPDATE documents SET lifecycle_status = $2, witness_hash = $3, updated_at = NOW() WHERE id = $1
	`, documentID, lifecycle, witness); err != nil {
		return models.Event{}, fmt.Errorf("project document: %w", err)
	}
	return ev, nil
}

func setCertificationTx(ctx context.Context, tx pgx.Tx, documentID string, status models.CertificationStatus) error {
	if _, err := tx.Exec(ctx, `
		UPDATE documents SET certification_status = $2, updated_at = NOW() WHERE id = $1
	`, documentID, status); err != nil {
		return fmt.Errorf("update certification status: %w", err)
	}
	return nil
}
