//go:build integration

package integration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicalcanvas/canvas/internal/domain/clinicaldoc"
	"github.com/clinicalcanvas/canvas/internal/platform/db"
	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
)

func actions(recs []*hipaa.AuditRecord) []hipaa.Action {
	out := make([]hipaa.Action, len(recs))
	for i, r := range recs {
		out[i] = r.Action
	}
	return out
}

func TestLifecycle_CreateUpdateSign(t *testing.T) {
	te := newTenant(t, "life")
	author := clinician()

	doc, err := te.notes.Create(te.ctx, uuid.New(), author, noteContent())
	require.NoError(t, err)
	assert.Equal(t, clinicaldoc.StateDraft, doc.State())

	updated, err := te.notes.Update(te.ctx, doc.ID, author, map[string]any{"transcript": "full transcript"})
	require.NoError(t, err)
	assert.Equal(t, "full transcript", updated.Content["transcript"])
	assert.Equal(t, "dap", updated.Content["note_type"], "untouched keys survive the merge")

	signed, err := te.notes.Sign(te.ctx, doc.ID, author, "data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.True(t, signed.IsSigned)
	assert.True(t, signed.IsLocked)
	require.NotNil(t, signed.ContentHash)
	want, err := clinicaldoc.ContentHash(signed.Content)
	require.NoError(t, err)
	assert.Equal(t, want, *signed.ContentHash)

	_, err = te.notes.Update(te.ctx, doc.ID, author, map[string]any{"transcript": "x"})
	assert.ErrorIs(t, err, clinicaldoc.ErrAlreadySigned)

	recs, total, err := te.notes.History(te.ctx, doc.ID, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []hipaa.Action{hipaa.ActionSign, hipaa.ActionUpdate, hipaa.ActionCreate}, actions(recs))
	assert.Equal(t, []any{"transcript"}, recs[1].Details["changed_fields"])
	assert.Equal(t, "10.1.2.3", recs[0].ActorIPAddress)
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i].CreatedAt.After(recs[i-1].CreatedAt), "history is newest first")
	}
}

func TestLifecycle_LockUnlockDelete(t *testing.T) {
	te := newTenant(t, "lock")
	author := clinician()

	doc, err := te.plans.Create(te.ctx, uuid.New(), author, planContent())
	require.NoError(t, err)

	_, err = te.plans.Lock(te.ctx, doc.ID, author)
	require.NoError(t, err)

	_, err = te.plans.Update(te.ctx, doc.ID, author, map[string]any{"frequency": "biweekly"})
	assert.ErrorIs(t, err, clinicaldoc.ErrAlreadyLocked)

	_, err = te.plans.Unlock(te.ctx, doc.ID, author, "correction")
	assert.ErrorIs(t, err, clinicaldoc.ErrPrivilegeRequired)

	unlocked, err := te.plans.Unlock(te.ctx, doc.ID, administrator(), "correction")
	require.NoError(t, err)
	assert.Equal(t, clinicaldoc.StateDraft, unlocked.State())
	assert.Nil(t, unlocked.LockedAt)

	require.NoError(t, te.plans.Delete(te.ctx, doc.ID, author))

	_, err = te.plans.View(te.ctx, doc.ID, author)
	assert.ErrorIs(t, err, clinicaldoc.ErrNotFound)

	recs, _, err := te.plans.History(te.ctx, doc.ID, 50, 0)
	require.NoError(t, err, "the trail outlives the document")
	assert.Equal(t, []hipaa.Action{hipaa.ActionDelete, hipaa.ActionUnlock, hipaa.ActionLock, hipaa.ActionCreate}, actions(recs))
	assert.Equal(t, true, recs[1].Details["administrative_action"])
	assert.Equal(t, "correction", recs[1].Details["reason"])
}

func TestLifecycle_SignedCannotBeUnlockedOrDeleted(t *testing.T) {
	te := newTenant(t, "signed")
	author := clinician()

	doc, err := te.notes.Create(te.ctx, uuid.New(), author, noteContent())
	require.NoError(t, err)
	_, err = te.notes.Sign(te.ctx, doc.ID, author, "sig")
	require.NoError(t, err)

	_, err = te.notes.Unlock(te.ctx, doc.ID, administrator(), "oops")
	assert.ErrorIs(t, err, clinicaldoc.ErrAlreadySigned)
	assert.Contains(t, err.Error(), "signed documents cannot be unlocked")

	assert.ErrorIs(t, te.notes.Delete(te.ctx, doc.ID, author), clinicaldoc.ErrAlreadySigned)

	_, err = te.notes.Sign(te.ctx, doc.ID, author, "again")
	assert.ErrorIs(t, err, clinicaldoc.ErrAlreadySigned)

	recs, total, err := te.notes.History(te.ctx, doc.ID, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "rejected operations leave no records")
	assert.Equal(t, []hipaa.Action{hipaa.ActionSign, hipaa.ActionCreate}, actions(recs))
}

func TestLifecycle_DatabaseGuardsSignedRows(t *testing.T) {
	te := newTenant(t, "guard")
	author := clinician()

	doc, err := te.notes.Create(te.ctx, uuid.New(), author, noteContent())
	require.NoError(t, err)
	_, err = te.notes.Sign(te.ctx, doc.ID, author, "sig")
	require.NoError(t, err)

	err = te.exec(`UPDATE clinical_documents SET is_signed = false, is_locked = false WHERE id = $1`, doc.ID)
	assert.ErrorContains(t, err, "immutable")

	err = te.exec(`DELETE FROM clinical_documents WHERE id = $1`, doc.ID)
	assert.ErrorContains(t, err, "cannot be deleted")

	res, err := te.notes.Verify(te.ctx, doc.ID, author)
	require.NoError(t, err)
	assert.True(t, res.Intact)
}

func TestLifecycle_AuditTrailIsAppendOnly(t *testing.T) {
	te := newTenant(t, "append")

	doc, err := te.notes.Create(te.ctx, uuid.New(), clinician(), noteContent())
	require.NoError(t, err)

	err = te.exec(`UPDATE document_audit_records SET action = 'VIEW' WHERE document_id = $1`, doc.ID)
	assert.ErrorContains(t, err, "append-only")

	err = te.exec(`DELETE FROM document_audit_records WHERE document_id = $1`, doc.ID)
	assert.ErrorContains(t, err, "append-only")
}

func TestLifecycle_ValidationRejectedWithoutRecord(t *testing.T) {
	te := newTenant(t, "valid")
	subject := uuid.New()

	_, err := te.notes.Create(te.ctx, subject, clinician(), map[string]any{"note_type": "soap"})
	var verr *clinicaldoc.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "session_date")

	docs, total, err := te.notes.List(te.ctx, subject, clinician(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, docs)
}

func TestLifecycle_TypesAreIsolated(t *testing.T) {
	te := newTenant(t, "types")
	subject := uuid.New()

	note, err := te.notes.Create(te.ctx, subject, clinician(), noteContent())
	require.NoError(t, err)
	_, err = te.plans.Create(te.ctx, subject, clinician(), planContent())
	require.NoError(t, err)

	_, err = te.plans.View(te.ctx, note.ID, clinician())
	assert.ErrorIs(t, err, clinicaldoc.ErrNotFound)

	notes, total, err := te.notes.List(te.ctx, subject, clinician(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, note.ID, notes[0].ID)
}

func TestLifecycle_ConcurrentSignAndLock(t *testing.T) {
	te := newTenant(t, "race")
	author := clinician()

	for round := 0; round < 5; round++ {
		doc, err := te.notes.Create(te.ctx, uuid.New(), author, noteContent())
		require.NoError(t, err)

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			errs []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = te.notes.Sign(te.ctx, doc.ID, author, "sig")
				} else {
					_, err = te.notes.Lock(te.ctx, doc.ID, author)
				}
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else {
					errs = append(errs, err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins, "exactly one transition wins")
		for _, err := range errs {
			assert.True(t,
				errors.Is(err, clinicaldoc.ErrAlreadySigned) || errors.Is(err, clinicaldoc.ErrAlreadyLocked),
				"losers see a state error, got %v", err)
		}

		recs, _, err := te.notes.History(te.ctx, doc.ID, 50, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 2, "one CREATE plus the single winning transition")
	}
}

func TestLifecycle_TenantsAreIsolated(t *testing.T) {
	a := newTenant(t, "tenant_a")
	b := newTenant(t, "tenant_b")

	doc, err := a.notes.Create(a.ctx, uuid.New(), clinician(), noteContent())
	require.NoError(t, err)

	_, err = b.notes.View(b.ctx, doc.ID, clinician())
	assert.ErrorIs(t, err, clinicaldoc.ErrNotFound)

	_, err = a.notes.View(a.ctx, doc.ID, clinician())
	assert.NoError(t, err)
}

func TestLifecycle_SignatureEncryptedAtRest(t *testing.T) {
	te := newTenant(t, "phi")
	cipher, err := hipaa.NewFieldCipher(strings.Repeat("3c", 32))
	require.NoError(t, err)
	store := clinicaldoc.NewStorePG(globalPool, clinicaldoc.WithFieldCipher(cipher))
	notes := clinicaldoc.NewController(clinicaldoc.TypeClinicalNote, store, hipaa.NewRecorder(globalPool),
		db.NewTxManager(globalPool, te.tenantID), zerolog.Nop())

	doc, err := notes.Create(te.ctx, uuid.New(), clinician(), noteContent())
	require.NoError(t, err)
	signed, err := notes.Sign(te.ctx, doc.ID, clinician(), "data:image/png;base64,SIGNATURE")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,SIGNATURE", *signed.SignatureData)

	var stored string
	err = db.NewTxManager(globalPool, te.tenantID).InTx(te.ctx, func(ctx context.Context) error {
		return db.TxFromContext(ctx).QueryRow(ctx,
			`SELECT signature_data FROM clinical_documents WHERE id = $1`, doc.ID).Scan(&stored)
	})
	require.NoError(t, err)
	assert.NotContains(t, stored, "SIGNATURE")

	_, err = te.notes.View(te.ctx, doc.ID, clinician())
	assert.ErrorIs(t, err, clinicaldoc.ErrStorage, "a store without the key cannot read the signature")
}
