package clinicaldoc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
)

const unlockWarning = "document was unlocked by an administrator; edits after this point are not covered by the previous lock"

// Controller runs the document lifecycle for one document type:
//
//	create -> update* -> (lock | sign) -> [unlock, only while unsigned]
//
// Every operation reads, writes and appends its audit record inside one
// transaction, so a failed audit append leaves the document untouched.
type Controller struct {
	docType   DocumentType
	store     Store
	audit     AuditTrail
	tx        TxRunner
	logger    zerolog.Logger
	now       func() time.Time
	observers []SignObserver
	metrics   TransitionMetrics
}

func NewController(docType DocumentType, store Store, audit AuditTrail, tx TxRunner, logger zerolog.Logger) *Controller {
	return &Controller{
		docType: docType,
		store:   store,
		audit:   audit,
		tx:      tx,
		logger:  logger.With().Str("document_type", string(docType)).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) DocumentType() DocumentType { return c.docType }

// Observe registers o to be told about committed signatures.
func (c *Controller) Observe(o SignObserver) { c.observers = append(c.observers, o) }

func (c *Controller) SetMetrics(m TransitionMetrics) { c.metrics = m }

// run executes fn in a transaction and normalises its error: domain errors
// pass through, anything else becomes ErrStorage.
func (c *Controller) run(ctx context.Context, action hipaa.Action, id uuid.UUID, fn func(ctx context.Context) error) error {
	err := c.tx.InTx(ctx, fn)
	if err != nil && !isDomainError(err) {
		err = fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if c.metrics != nil {
		c.metrics.ObserveTransition(string(c.docType), string(action), outcome(err))
	}

	switch {
	case err == nil:
		c.logger.Info().Str("document_id", id.String()).Str("action", string(action)).Msg("clinical document transition")
	case errors.Is(err, ErrStorage):
		c.logger.Error().Err(err).Str("document_id", id.String()).Str("action", string(action)).Msg("clinical document transition failed")
	default:
		c.logger.Debug().Err(err).Str("document_id", id.String()).Str("action", string(action)).Msg("clinical document transition rejected")
	}
	return err
}

// load reads the document under a row lock and hides documents of the other type.
func (c *Controller) load(ctx context.Context, id uuid.UUID) (*Document, error) {
	doc, err := c.store.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.DocumentType != c.docType {
		return nil, ErrNotFound
	}
	return doc, nil
}

// conflict classifies a conditional write that matched no row by re-reading
// the document and applying the same precondition.
func (c *Controller) conflict(ctx context.Context, id uuid.UUID, check func(*Document) error) error {
	doc, err := c.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := check(doc); err != nil {
		return err
	}
	return errStateConflict
}

func mutable(doc *Document) error {
	if doc.IsSigned {
		return ErrAlreadySigned
	}
	if doc.IsLocked {
		return ErrAlreadyLocked
	}
	return nil
}

func unlockable(doc *Document) error {
	if doc.IsSigned {
		return fmt.Errorf("%w: signed documents cannot be unlocked", ErrAlreadySigned)
	}
	if !doc.IsLocked {
		return ErrNotLocked
	}
	return nil
}

func deletable(doc *Document) error {
	if doc.IsSigned {
		return fmt.Errorf("%w: signed documents are permanent", ErrAlreadySigned)
	}
	return nil
}

// Create stores a new Draft document authored by the actor.
func (c *Controller) Create(ctx context.Context, subjectID uuid.UUID, actor hipaa.Actor, content map[string]any) (*Document, error) {
	if subjectID == uuid.Nil {
		return nil, newValidationError("subject_id", "is required")
	}
	if actor.ID == uuid.Nil {
		return nil, newValidationError("author_id", "is required")
	}
	if err := validateContent(c.docType, content); err != nil {
		return nil, err
	}

	doc := &Document{
		ID:           uuid.New(),
		DocumentType: c.docType,
		SubjectID:    subjectID,
		AuthorID:     actor.ID,
		Content:      content,
	}
	err := c.run(ctx, hipaa.ActionCreate, doc.ID, func(ctx context.Context) error {
		if err := c.store.Create(ctx, doc); err != nil {
			return err
		}
		_, err := c.audit.Record(ctx, doc.ref(), hipaa.ActionCreate, actor, map[string]any{
			"fields": sortedKeys(content),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// View returns the document and records the read.
func (c *Controller) View(ctx context.Context, id uuid.UUID, actor hipaa.Actor) (*Document, error) {
	var doc *Document
	err := c.run(ctx, hipaa.ActionView, id, func(ctx context.Context) error {
		var err error
		if doc, err = c.get(ctx, id); err != nil {
			return err
		}
		_, err = c.audit.Record(ctx, doc.ref(), hipaa.ActionView, actor, nil)
		return err
	})
	return doc, err
}

func (c *Controller) get(ctx context.Context, id uuid.UUID) (*Document, error) {
	doc, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.DocumentType != c.docType {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Update merges patch into a Draft document. The merged content must still
// satisfy the document type's schema.
func (c *Controller) Update(ctx context.Context, id uuid.UUID, actor hipaa.Actor, patch map[string]any) (*Document, error) {
	if len(patch) == 0 {
		return nil, newValidationError("content", "no fields to update")
	}

	var updated *Document
	err := c.run(ctx, hipaa.ActionUpdate, id, func(ctx context.Context) error {
		doc, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		if err := mutable(doc); err != nil {
			return err
		}

		merged := make(map[string]any, len(doc.Content)+len(patch))
		for k, v := range doc.Content {
			merged[k] = v
		}
		var changed []string
		for k, v := range patch {
			if old, ok := doc.Content[k]; !ok || !reflect.DeepEqual(old, v) {
				changed = append(changed, k)
			}
			merged[k] = v
		}
		sort.Strings(changed)
		if err := validateContent(c.docType, merged); err != nil {
			return err
		}

		updated, err = c.store.Update(ctx, id, patch)
		if errors.Is(err, errStateConflict) {
			return c.conflict(ctx, id, mutable)
		}
		if err != nil {
			return err
		}
		if changed == nil {
			changed = []string{}
		}
		_, err = c.audit.Record(ctx, updated.ref(), hipaa.ActionUpdate, actor, map[string]any{
			"changed_fields": changed,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Lock freezes a Draft document without signing it.
func (c *Controller) Lock(ctx context.Context, id uuid.UUID, actor hipaa.Actor) (*Document, error) {
	var locked *Document
	err := c.run(ctx, hipaa.ActionLock, id, func(ctx context.Context) error {
		doc, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		if err := mutable(doc); err != nil {
			return err
		}
		locked, err = c.store.SetLocked(ctx, id, actor.ID, c.now())
		if errors.Is(err, errStateConflict) {
			return c.conflict(ctx, id, mutable)
		}
		if err != nil {
			return err
		}
		_, err = c.audit.Record(ctx, locked.ref(), hipaa.ActionLock, actor, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return locked, nil
}

// Sign signs and locks a Draft document in one step. Signing is irreversible.
func (c *Controller) Sign(ctx context.Context, id uuid.UUID, actor hipaa.Actor, signatureData string) (*Document, error) {
	if signatureData == "" {
		return nil, newValidationError("signature_data", "is required")
	}

	var (
		signed *Document
		rec    *hipaa.AuditRecord
	)
	err := c.run(ctx, hipaa.ActionSign, id, func(ctx context.Context) error {
		doc, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		if err := mutable(doc); err != nil {
			return err
		}
		hash, err := ContentHash(doc.Content)
		if err != nil {
			return err
		}
		signed, err = c.store.SetSigned(ctx, id, actor.ID, signatureData, hash, c.now())
		if errors.Is(err, errStateConflict) {
			return c.conflict(ctx, id, mutable)
		}
		if err != nil {
			return err
		}
		rec, err = c.audit.Record(ctx, signed.ref(), hipaa.ActionSign, actor, map[string]any{
			"content_hash": hash,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, o := range c.observers {
		if err := o.DocumentSigned(ctx, signed, rec); err != nil {
			c.logger.Warn().Err(err).Str("document_id", id.String()).Msg("sign observer failed")
		}
	}
	return signed, nil
}

// Unlock returns a Locked document to Draft. Only elevated actors may unlock,
// and signed documents can never be unlocked.
func (c *Controller) Unlock(ctx context.Context, id uuid.UUID, actor hipaa.Actor, reason string) (*Document, error) {
	var unlocked *Document
	err := c.run(ctx, hipaa.ActionUnlock, id, func(ctx context.Context) error {
		doc, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		if doc.IsSigned {
			return unlockable(doc)
		}
		if !actor.Elevated {
			return ErrPrivilegeRequired
		}
		if err := unlockable(doc); err != nil {
			return err
		}
		unlocked, err = c.store.SetUnlocked(ctx, id)
		if errors.Is(err, errStateConflict) {
			return c.conflict(ctx, id, unlockable)
		}
		if err != nil {
			return err
		}
		details := map[string]any{
			"administrative_action": true,
			"warning":               unlockWarning,
		}
		if reason != "" {
			details["reason"] = reason
		}
		_, err = c.audit.Record(ctx, unlocked.ref(), hipaa.ActionUnlock, actor, details)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Warn().Str("document_id", id.String()).Str("actor_id", actor.ID.String()).Msg("clinical document unlocked by administrator")
	return unlocked, nil
}

// Delete removes an unsigned document. The DELETE record is appended before
// the row goes away and outlives it.
func (c *Controller) Delete(ctx context.Context, id uuid.UUID, actor hipaa.Actor) error {
	return c.run(ctx, hipaa.ActionDelete, id, func(ctx context.Context) error {
		doc, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		if err := deletable(doc); err != nil {
			return err
		}
		if _, err := c.audit.Record(ctx, doc.ref(), hipaa.ActionDelete, actor, map[string]any{
			"state": string(doc.State()),
		}); err != nil {
			return err
		}
		if err := c.store.Delete(ctx, id); err != nil {
			if errors.Is(err, errStateConflict) {
				return c.conflict(ctx, id, deletable)
			}
			return err
		}
		return nil
	})
}

// History returns the audit trail, newest first. The trail of a deleted
// document stays readable.
func (c *Controller) History(ctx context.Context, id uuid.UUID, limit, offset int) ([]*hipaa.AuditRecord, int, error) {
	var (
		items []*hipaa.AuditRecord
		total int
	)
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		_, err := c.get(ctx, id)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		items, total, err = c.audit.ListFor(ctx, id, limit, offset)
		if err != nil {
			return err
		}
		if !exists && (total == 0 || (len(items) > 0 && items[0].DocumentType != string(c.docType))) {
			return ErrNotFound
		}
		return nil
	})
	if err != nil && !isDomainError(err) {
		err = fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// List returns a page of the subject's documents and records a read for each.
func (c *Controller) List(ctx context.Context, subjectID uuid.UUID, actor hipaa.Actor, limit, offset int) ([]*Document, int, error) {
	var (
		items []*Document
		total int
	)
	err := c.run(ctx, hipaa.ActionView, subjectID, func(ctx context.Context) error {
		var err error
		items, total, err = c.store.ListBySubject(ctx, c.docType, subjectID, limit, offset)
		if err != nil {
			return err
		}
		for _, d := range items {
			if _, err := c.audit.Record(ctx, d.ref(), hipaa.ActionView, actor, map[string]any{"operation": "list"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Verify recomputes the content hash of a signed document and compares it
// with the hash stored at signing time.
func (c *Controller) Verify(ctx context.Context, id uuid.UUID, actor hipaa.Actor) (*VerifyResult, error) {
	var res *VerifyResult
	err := c.run(ctx, hipaa.ActionView, id, func(ctx context.Context) error {
		doc, err := c.get(ctx, id)
		if err != nil {
			return err
		}
		computed, err := ContentHash(doc.Content)
		if err != nil {
			return err
		}
		res = &VerifyResult{DocumentID: doc.ID, Signed: doc.IsSigned, ComputedHash: computed}
		if doc.ContentHash != nil {
			res.StoredHash = *doc.ContentHash
			res.Intact = doc.IsSigned && res.StoredHash == computed
		}
		_, err = c.audit.Record(ctx, doc.ref(), hipaa.ActionView, actor, map[string]any{
			"operation": "verify",
			"intact":    res.Intact,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Export renders the document as a PDF and records the read.
func (c *Controller) Export(ctx context.Context, id uuid.UUID, actor hipaa.Actor) ([]byte, error) {
	var out []byte
	err := c.run(ctx, hipaa.ActionView, id, func(ctx context.Context) error {
		doc, err := c.get(ctx, id)
		if err != nil {
			return err
		}
		if out, err = RenderPDF(doc); err != nil {
			return err
		}
		_, err = c.audit.Record(ctx, doc.ref(), hipaa.ActionView, actor, map[string]any{
			"operation": "export",
			"format":    "pdf",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
