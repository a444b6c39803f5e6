package clinicaldoc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicalcanvas/canvas/internal/platform/db"
	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
	"github.com/clinicalcanvas/canvas/internal/platform/webhook"
)

// EventQueue accepts webhook events for asynchronous delivery.
type EventQueue interface {
	Enqueue(ev webhook.Event) error
}

// SignedEvent is the webhook payload for a committed signature. It carries
// identifiers and the content hash only, never document content.
type SignedEvent struct {
	DocumentID    uuid.UUID    `json:"document_id"`
	DocumentType  DocumentType `json:"document_type"`
	SubjectID     uuid.UUID    `json:"subject_id"`
	SignedBy      uuid.UUID    `json:"signed_by"`
	SignedAt      time.Time    `json:"signed_at"`
	ContentHash   string       `json:"content_hash"`
	AuditRecordID uuid.UUID    `json:"audit_record_id"`
}

// WebhookNotifier publishes "<document_type>.signed" events.
type WebhookNotifier struct {
	queue EventQueue
}

func NewWebhookNotifier(q EventQueue) *WebhookNotifier {
	return &WebhookNotifier{queue: q}
}

func (n *WebhookNotifier) DocumentSigned(ctx context.Context, doc *Document, rec *hipaa.AuditRecord) error {
	if !doc.IsSigned || doc.SignedAt == nil || doc.SignedBy == nil || doc.ContentHash == nil {
		return fmt.Errorf("document %s is not signed", doc.ID)
	}

	payload, err := json.Marshal(SignedEvent{
		DocumentID:    doc.ID,
		DocumentType:  doc.DocumentType,
		SubjectID:     doc.SubjectID,
		SignedBy:      *doc.SignedBy,
		SignedAt:      *doc.SignedAt,
		ContentHash:   *doc.ContentHash,
		AuditRecordID: rec.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal signed event: %w", err)
	}

	err = n.queue.Enqueue(webhook.Event{
		ID:           rec.ID.String(),
		Type:         string(doc.DocumentType) + ".signed",
		ResourceType: string(doc.DocumentType),
		ResourceID:   doc.ID.String(),
		TenantID:     db.TenantFromContext(ctx),
		Payload:      payload,
		Timestamp:    rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("enqueue signed event: %w", err)
	}
	return nil
}
