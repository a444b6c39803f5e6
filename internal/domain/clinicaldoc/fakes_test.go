package clinicaldoc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
)

// memDB backs the in-memory Store, AuditTrail and TxRunner used by the unit
// tests. A unit of work holds mu for its whole duration and is rolled back
// from a snapshot when fn fails.
type memDB struct {
	mu        sync.Mutex
	docs      map[uuid.UUID]*Document
	records   []*hipaa.AuditRecord
	seq       int64
	lastAudit time.Time

	failAudit error
	failStore error
}

func newMemDB() *memDB {
	return &memDB{docs: make(map[uuid.UUID]*Document)}
}

func cloneDoc(d *Document) *Document {
	cp := *d
	cp.Content = make(map[string]any, len(d.Content))
	for k, v := range d.Content {
		cp.Content[k] = v
	}
	return &cp
}

// --- TxRunner ---

func (m *memDB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[uuid.UUID]*Document, len(m.docs))
	for id, d := range m.docs {
		snapshot[id] = cloneDoc(d)
	}
	n, seq, last := len(m.records), m.seq, m.lastAudit

	if err := fn(ctx); err != nil {
		m.docs = snapshot
		m.records = m.records[:n]
		m.seq, m.lastAudit = seq, last
		return err
	}
	return nil
}

// --- Store ---

type memStore struct{ db *memDB }

func (s memStore) Create(_ context.Context, doc *Document) error {
	if s.db.failStore != nil {
		return s.db.failStore
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	s.db.docs[doc.ID] = cloneDoc(doc)
	return nil
}

func (s memStore) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	d, ok := s.db.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (s memStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.GetByID(ctx, id)
}

func (s memStore) Update(_ context.Context, id uuid.UUID, patch map[string]any) (*Document, error) {
	if s.db.failStore != nil {
		return nil, s.db.failStore
	}
	d, ok := s.db.docs[id]
	if !ok || d.IsSigned || d.IsLocked {
		return nil, errStateConflict
	}
	for k, v := range patch {
		d.Content[k] = v
	}
	d.UpdatedAt = time.Now().UTC()
	return cloneDoc(d), nil
}

func (s memStore) SetSigned(_ context.Context, id, signedBy uuid.UUID, signatureData, contentHash string, now time.Time) (*Document, error) {
	if s.db.failStore != nil {
		return nil, s.db.failStore
	}
	d, ok := s.db.docs[id]
	if !ok || d.IsSigned || d.IsLocked {
		return nil, errStateConflict
	}
	d.IsSigned, d.IsLocked = true, true
	d.SignedAt, d.LockedAt = &now, &now
	d.SignedBy, d.LockedBy = &signedBy, &signedBy
	d.SignatureData, d.ContentHash = &signatureData, &contentHash
	d.UpdatedAt = now
	return cloneDoc(d), nil
}

func (s memStore) SetLocked(_ context.Context, id, lockedBy uuid.UUID, now time.Time) (*Document, error) {
	if s.db.failStore != nil {
		return nil, s.db.failStore
	}
	d, ok := s.db.docs[id]
	if !ok || d.IsLocked {
		return nil, errStateConflict
	}
	d.IsLocked, d.LockedAt, d.LockedBy, d.UpdatedAt = true, &now, &lockedBy, now
	return cloneDoc(d), nil
}

func (s memStore) SetUnlocked(_ context.Context, id uuid.UUID) (*Document, error) {
	if s.db.failStore != nil {
		return nil, s.db.failStore
	}
	d, ok := s.db.docs[id]
	if !ok || !d.IsLocked || d.IsSigned {
		return nil, errStateConflict
	}
	d.IsLocked, d.LockedAt, d.LockedBy, d.UpdatedAt = false, nil, nil, time.Now().UTC()
	return cloneDoc(d), nil
}

func (s memStore) Delete(_ context.Context, id uuid.UUID) error {
	if s.db.failStore != nil {
		return s.db.failStore
	}
	d, ok := s.db.docs[id]
	if !ok || d.IsSigned {
		return errStateConflict
	}
	delete(s.db.docs, id)
	return nil
}

func (s memStore) ListBySubject(_ context.Context, docType DocumentType, subjectID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	var all []*Document
	for _, d := range s.db.docs {
		if d.DocumentType == docType && d.SubjectID == subjectID {
			all = append(all, cloneDoc(d))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// --- AuditTrail ---

type memAudit struct{ db *memDB }

func (a memAudit) Record(_ context.Context, doc hipaa.DocumentRef, action hipaa.Action, actor hipaa.Actor, details map[string]any) (*hipaa.AuditRecord, error) {
	if a.db.failAudit != nil {
		return nil, a.db.failAudit
	}
	if details == nil {
		details = map[string]any{}
	}
	now := time.Now().UTC()
	if !now.After(a.db.lastAudit) {
		now = a.db.lastAudit.Add(time.Nanosecond)
	}
	a.db.lastAudit = now
	a.db.seq++
	rec := &hipaa.AuditRecord{
		ID:             uuid.New(),
		Seq:            a.db.seq,
		DocumentID:     doc.ID,
		DocumentType:   doc.Type,
		SubjectID:      doc.SubjectID,
		Action:         action,
		ActorID:        actor.ID,
		ActorType:      actor.Type,
		ActorIPAddress: actor.IPAddress,
		ActorUserAgent: actor.UserAgent,
		Details:        details,
		CreatedAt:      now,
	}
	a.db.records = append(a.db.records, rec)
	return rec, nil
}

func (a memAudit) ListFor(_ context.Context, documentID uuid.UUID, limit, offset int) ([]*hipaa.AuditRecord, int, error) {
	var out []*hipaa.AuditRecord
	for i := len(a.db.records) - 1; i >= 0; i-- {
		if a.db.records[i].DocumentID == documentID {
			out = append(out, a.db.records[i])
		}
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// recordsFor returns a document's records oldest first, for assertions.
func (m *memDB) recordsFor(id uuid.UUID) []*hipaa.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*hipaa.AuditRecord
	for _, r := range m.records {
		if r.DocumentID == id {
			out = append(out, r)
		}
	}
	return out
}

func (m *memDB) actionsFor(id uuid.UUID) []hipaa.Action {
	var out []hipaa.Action
	for _, r := range m.recordsFor(id) {
		out = append(out, r.Action)
	}
	return out
}

func (m *memDB) doc(id uuid.UUID) *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil
	}
	return cloneDoc(d)
}

type observerFunc func(ctx context.Context, doc *Document, rec *hipaa.AuditRecord) error

func (f observerFunc) DocumentSigned(ctx context.Context, doc *Document, rec *hipaa.AuditRecord) error {
	return f(ctx, doc, rec)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) ObserveTransition(documentType, action, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[documentType+"/"+action+"/"+outcome]++
}

func (c *countingMetrics) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
