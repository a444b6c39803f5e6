package clinicaldoc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
)

// Store persists documents. It enforces no business rules beyond making each
// state write conditional on the state it expects; a write that matches no
// row returns errStateConflict.
type Store interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	// GetForUpdate reads the row and holds its lock until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Document, error)
	// Update merges patch into the stored content, replacing only the
	// supplied top-level keys.
	Update(ctx context.Context, id uuid.UUID, patch map[string]any) (*Document, error)
	SetSigned(ctx context.Context, id, signedBy uuid.UUID, signatureData, contentHash string, now time.Time) (*Document, error)
	SetLocked(ctx context.Context, id, lockedBy uuid.UUID, now time.Time) (*Document, error)
	SetUnlocked(ctx context.Context, id uuid.UUID) (*Document, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListBySubject(ctx context.Context, docType DocumentType, subjectID uuid.UUID, limit, offset int) ([]*Document, int, error)
}

// AuditTrail is the append-only log written alongside every transition.
type AuditTrail interface {
	Record(ctx context.Context, doc hipaa.DocumentRef, action hipaa.Action, actor hipaa.Actor, details map[string]any) (*hipaa.AuditRecord, error)
	ListFor(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*hipaa.AuditRecord, int, error)
}

// TxRunner runs fn as one unit of work; an error from fn discards every
// write made through ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SignObserver is notified after a signature has been committed.
type SignObserver interface {
	DocumentSigned(ctx context.Context, doc *Document, rec *hipaa.AuditRecord) error
}

// TransitionMetrics counts lifecycle operations by outcome.
type TransitionMetrics interface {
	ObserveTransition(documentType, action, outcome string)
}
