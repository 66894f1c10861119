package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Audit subject types.
const (
	SubjectJob      = "job"
	SubjectAnchor   = "anchor"
	SubjectDocument = "document"
)

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, subjectType, subjectID, event, detail string) error {
	return appendAudit(ctx, s.pool, subjectType, subjectID, event, detail)
}

func appendAudit(ctx context.Context, q querier, subjectType, subjectID, event, detail string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO audit_logs (subject_type, subject_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, subjectType, subjectID, event, detail)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// InsertNotification records an outbound notification for later delivery.
// A second notification of the same kind for the same anchor is ignored.
func (s *Store) InsertNotification(ctx context.Context, documentID, anchorID, kind string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, document_id, anchor_id, kind, payload, delivery_status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', NOW())
		ON CONFLICT (anchor_id, kind) DO NOTHING
	`, uuid.New().String(), documentID, emptyToNil(anchorID), kind, body)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
