package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"certification-pipeline/internal/models"
)

const anchorColumns = `id::text, document_id::text, network, status, document_hash, proof, endpoint, tx_ref, block_height,
	attempts, confirmed_at, last_error, next_poll_at, notified_at, created_at, updated_at`

func scanAnchor(row pgx.Row) (models.Anchor, error) {
	var a models.Anchor
	var endpoint, txRef, lastErr pgtype.Text
	var height pgtype.Int8
	var confirmedAt, notifiedAt pgtype.Timestamptz

	if err := row.Scan(&a.ID, &a.DocumentID, &a.Network, &a.Status, &a.DocumentHash, &a.Proof, &endpoint, &txRef, &height,
		&a.Attempts, &confirmedAt, &lastErr, &a.NextPollAt, &notifiedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Anchor{}, fmt.Errorf("anchor: %w", ErrNotFound)
		}
		return models.Anchor{}, fmt.Errorf("scan anchor: %w", err)
	}
	a.Endpoint = textValue(endpoint)
	a.TxRef = textValue(txRef)
	a.LastError = textPtr(lastErr)
	if height.Valid {
		h := height.Int64
		a.BlockHeight = &h
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		a.ConfirmedAt = &t
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		a.NotifiedAt = &t
	}
	return a, nil
}

func collectAnchors(rows pgx.Rows) ([]models.Anchor, error) {
	defer rows.Close()
	var out []models.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAnchor queues a new anchor of documentHash on network unless an
// active (non failed, non cancelled) one exists, which is returned instead.
func (s *Store) CreateAnchor(ctx context.Context, documentID string, network models.Network, documentHash string) (models.Anchor, bool, error) {
	var a models.Anchor
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		a, err = scanAnchor(tx.QueryRow(ctx, `
			INSERT INTO anchors (id, document_id, network, status, document_hash, next_poll_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), NOW())
			ON CONFLICT (document_id, network, document_hash) WHERE status NOT IN ('failed', 'cancelled') DO NOTHING
			RETURNING `+anchorColumns,
			uuid.New().String(), documentID, network, models.AnchorQueued, documentHash))
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx, SubjectAnchor, a.ID, "queued", string(network))
	})
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Anchor{}, false, fmt.Errorf("insert anchor: %w", err)
	}
	a, err = scanAnchor(s.pool.QueryRow(ctx, `
		SELECT `+anchorColumns+` FROM anchors
		WHERE document_id = $1 AND network = $2 AND document_hash = $3 AND status NOT IN ('failed', 'cancelled')
	`, documentID, network, documentHash))
	if err != nil {
		return models.Anchor{}, false, err
	}
	return a, false, nil
}

// GetAnchor fetches an anchor by id.
func (s *Store) GetAnchor(ctx context.Context, id string) (models.Anchor, error) {
	return scanAnchor(s.pool.QueryRow(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE id = $1`, id))
}

// ListDocumentAnchors returns every anchor of a document, oldest first.
func (s *Store) ListDocumentAnchors(ctx context.Context, documentID string) ([]models.Anchor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+anchorColumns+` FROM anchors WHERE document_id = $1 ORDER BY created_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	return collectAnchors(rows)
}

// ClaimAnchors leases due anchors in the given statuses to workerID until
// lease expires. Leased anchors are invisible to other claimers.
func (s *Store) ClaimAnchors(ctx context.Context, statuses []models.AnchorStatus, limit int, workerID string, lease time.Duration) ([]models.Anchor, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE anchors SET locked_by = $3, locked_until = $4
		WHERE id IN (
			SELECT id FROM anchors
			WHERE status = ANY($1) AND next_poll_at <= NOW()
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY next_poll_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+anchorColumns, names, limit, workerID, time.Now().Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim anchors: %w", err)
	}
	return collectAnchors(rows)
}

// ReleaseAnchor drops the lease without touching anchor state.
func (s *Store) ReleaseAnchor(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE anchors SET locked_by = NULL, locked_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release anchor: %w", err)
	}
	return nil
}

// SubmissionCommit records a successful submission to a notary endpoint.
type SubmissionCommit struct {
	Anchor     models.Anchor
	Proof      []byte
	Endpoint   string
	NextPollAt time.Time
	At         time.Time
}

// MarkAnchorSubmitted moves a queued anchor to pending with its initial proof
// and appends anchor.submitted to the document log in the same transaction.
func (s *Store) MarkAnchorSubmitted(ctx context.Context, c SubmissionCommit, validate models.AppendValidator) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE anchors
			SET status = $2, proof = $3, endpoint = $4, next_poll_at = $5, last_error = NULL,
			    locked_by = NULL, locked_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'queued'
		`, c.Anchor.ID, models.AnchorPending, c.Proof, c.Endpoint, c.NextPollAt)
		if err != nil {
			return fmt.Errorf("mark anchor submitted: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAnchorNotConfirmable
		}
		ev := models.Event{
			Kind:   models.KindAnchorSubmitted,
			At:     c.At,
			Source: "anchor-workflow",
			Payload: map[string]any{
				"network":  string(c.Anchor.Network),
				"endpoint": c.Endpoint,
			},
		}
		if _, err := appendEventTx(ctx, tx, c.Anchor.DocumentID, ev, validate); err != nil {
			return err
		}
		return appendAudit(ctx, tx, SubjectAnchor, c.Anchor.ID, "submitted", c.Endpoint)
	})
}

// RecordPollAttempt stores an unconfirmed poll: the anchor moves to
// processing with its new attempt count and next poll time.
func (s *Store) RecordPollAttempt(ctx context.Context, id string, attempts int, nextPollAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE anchors
		SET status = $2, attempts = $3, next_poll_at = $4, last_error = $5,
		    locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, models.AnchorProcessing, attempts, nextPollAt, emptyToNil(lastErr))
	if err != nil {
		return fmt.Errorf("record poll attempt: %w", err)
	}
	return nil
}

// CancelAnchor moves a non-terminal anchor to cancelled. Cancelled anchors
// are never revived.
func (s *Store) CancelAnchor(ctx context.Context, id, reason string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE anchors SET status = $2, locked_by = NULL, locked_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('queued', 'pending', 'processing')
		`, id, models.AnchorCancelled)
		if err != nil {
			return fmt.Errorf("cancel anchor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return appendAudit(ctx, tx, SubjectAnchor, id, "cancelled", reason)
	})
}

// FailureCommit ends an anchor as failed.
type FailureCommit struct {
	Anchor    models.Anchor
	Reason    string
	Retryable bool
	Attempts  int
	At        time.Time
	// Certification, when set, is written to the owning document in the same
	// transaction.
	Certification *models.CertificationStatus
}

// FailAnchor marks the anchor failed, appends anchor.failed and applies the
// certification fallback atomically.
func (s *Store) FailAnchor(ctx context.Context, c FailureCommit, validate models.AppendValidator) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE anchors
			SET status = $2, last_error = $3, attempts = $4, locked_by = NULL, locked_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('queued', 'pending', 'processing')
		`, c.Anchor.ID, models.AnchorFailed, c.Reason, c.Attempts)
		if err != nil {
			return fmt.Errorf("fail anchor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAnchorNotConfirmable
		}
		ev := models.Event{
			Kind:   models.KindAnchorFailed,
			At:     c.At,
			Source: "anchor-workflow",
			Payload: map[string]any{
				"network":   string(c.Anchor.Network),
				"reason":    c.Reason,
				"retryable": c.Retryable,
				"attempts":  c.Attempts,
			},
		}
		if _, err := appendEventTx(ctx, tx, c.Anchor.DocumentID, ev, validate); err != nil {
			return err
		}
		if c.Certification != nil {
			if err := setCertificationTx(ctx, tx, c.Anchor.DocumentID, *c.Certification); err != nil {
				return err
			}
		}
		return appendAudit(ctx, tx, SubjectAnchor, c.Anchor.ID, "failed", c.Reason)
	})
}

// ConfirmationCommit carries everything a confirmed anchor writes.
type ConfirmationCommit struct {
	Anchor        models.Anchor
	Proof         []byte
	TxRef         string
	BlockHeight   *int64
	ConfirmedAt   time.Time
	Attempts      int
	Certification models.CertificationStatus
}

// CommitAnchorConfirmation writes the confirmation, the document status flip,
// the anchor.confirmed event and the audit row in one transaction. It reports
// applied=false without error when the anchor is already confirmed, and
// ErrAnchorNotConfirmable when the anchor is terminal or its hash is no
// longer the document's witness.
func (s *Store) CommitAnchorConfirmation(ctx context.Context, c ConfirmationCommit, validate models.AppendValidator) (bool, error) {
	applied := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var status models.AnchorStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM anchors WHERE id = $1 FOR UPDATE`, c.Anchor.ID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("anchor: %w", ErrNotFound)
			}
			return fmt.Errorf("lock anchor: %w", err)
		}
		switch status {
		case models.AnchorConfirmed:
			return nil
		case models.AnchorPending, models.AnchorProcessing:
		default:
			return ErrAnchorNotConfirmable
		}
		var witness string
		if err := tx.QueryRow(ctx, `SELECT witness_hash FROM documents WHERE id = $1 FOR UPDATE`, c.Anchor.DocumentID).Scan(&witness); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("document: %w", ErrNotFound)
			}
			return fmt.Errorf("lock document: %w", err)
		}
		if witness != c.Anchor.DocumentHash {
			return ErrAnchorNotConfirmable
		}

		if _, err := tx.Exec(ctx, `
			UPDATE anchors
			SET status = $2, proof = $3, tx_ref = $4, block_height = $5, confirmed_at = $6, attempts = $7,
			    last_error = NULL, locked_by = NULL, locked_until = NULL, updated_at = NOW()
			WHERE id = $1
		`, c.Anchor.ID, models.AnchorConfirmed, c.Proof, emptyToNil(c.TxRef), c.BlockHeight, c.ConfirmedAt, c.Attempts); err != nil {
			return fmt.Errorf("confirm anchor: %w", err)
		}

		payload := map[string]any{
			"network":       string(c.Anchor.Network),
			"confirmed_at":  c.ConfirmedAt.UTC().Format(time.RFC3339Nano),
			"anchor_id":     c.Anchor.ID,
			"document_hash": c.Anchor.DocumentHash,
		}
		if c.TxRef != "" {
			payload["tx_ref"] = c.TxRef
		}
		if c.BlockHeight != nil {
			payload["block_height"] = *c.BlockHeight
		}
		ev := models.Event{
			Kind:    models.KindAnchorConfirmed,
			At:      c.ConfirmedAt,
			Source:  "anchor-workflow",
			Payload: payload,
		}
		if _, err := appendEventTx(ctx, tx, c.Anchor.DocumentID, ev, validate); err != nil {
			return err
		}
		if err := setCertificationTx(ctx, tx, c.Anchor.DocumentID, c.Certification); err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, SubjectAnchor, c.Anchor.ID, "confirmed",
			fmt.Sprintf("network=%s tx=%s", c.Anchor.Network, c.TxRef)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// MarkAnchorNotified records that the post-confirmation notice went out.
func (s *Store) MarkAnchorNotified(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE anchors SET notified_at = NOW() WHERE id = $1 AND notified_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark anchor notified: %w", err)
	}
	return nil
}
