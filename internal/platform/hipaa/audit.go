package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicalcanvas/canvas/internal/platform/db"
)

// Action is the kind of event recorded against a clinical document.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionView   Action = "VIEW"
	ActionUpdate Action = "UPDATE"
	ActionSign   Action = "SIGN"
	ActionLock   Action = "LOCK"
	ActionUnlock Action = "UNLOCK"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is one of the known audit actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionView, ActionUpdate, ActionSign, ActionLock, ActionUnlock, ActionDelete:
		return true
	}
	return false
}

// Actor identifies who performed an action. Elevated is never persisted; it
// only tells callers that the request carried administrative privileges.
type Actor struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Elevated  bool      `json:"-"`
}

// DocumentRef is the slice of a document copied onto each audit record so the
// trail stays attributable after the document itself is gone.
type DocumentRef struct {
	ID        uuid.UUID
	Type      string
	SubjectID uuid.UUID
}

// AuditRecord is one immutable entry of a document's audit trail.
type AuditRecord struct {
	ID             uuid.UUID      `json:"id"`
	Seq            int64          `json:"-"`
	DocumentID     uuid.UUID      `json:"document_id"`
	DocumentType   string         `json:"document_type"`
	SubjectID      uuid.UUID      `json:"subject_id"`
	Action         Action         `json:"action"`
	ActorID        uuid.UUID      `json:"actor_id"`
	ActorType      string         `json:"actor_type"`
	ActorIPAddress string         `json:"actor_ip_address,omitempty"`
	ActorUserAgent string         `json:"actor_user_agent,omitempty"`
	Details        map[string]any `json:"details"`
	CreatedAt      time.Time      `json:"created_at"`
}

var ErrInvalidAction = errors.New("hipaa audit: invalid action")

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Recorder appends to and reads from the document_audit_records table. It
// writes through the caller's transaction when one is in the context so that
// a failed append aborts the surrounding state change.
type Recorder struct {
	pool *pgxpool.Pool
}

func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

func (r *Recorder) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const auditCols = `id, seq, document_id, document_type, subject_id, action,
	actor_id, actor_type, actor_ip_address, actor_user_agent, details, created_at`

func scanRecord(row pgx.Row) (*AuditRecord, error) {
	var (
		rec     AuditRecord
		ip, ua  *string
		details []byte
	)
	err := row.Scan(&rec.ID, &rec.Seq, &rec.DocumentID, &rec.DocumentType, &rec.SubjectID, &rec.Action,
		&rec.ActorID, &rec.ActorType, &ip, &ua, &details, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ip != nil {
		rec.ActorIPAddress = *ip
	}
	if ua != nil {
		rec.ActorUserAgent = *ua
	}
	if err := json.Unmarshal(details, &rec.Details); err != nil {
		return nil, fmt.Errorf("decode audit details: %w", err)
	}
	return &rec, nil
}

// Record appends one audit record. created_at is assigned by the database.
func (r *Recorder) Record(ctx context.Context, doc DocumentRef, action Action, actor Actor, details map[string]any) (*AuditRecord, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: encode details: %w", err)
	}

	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO document_audit_records (document_id, document_type, subject_id, action,
			actor_id, actor_type, actor_ip_address, actor_user_agent, details)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING `+auditCols,
		doc.ID, doc.Type, doc.SubjectID, string(action),
		actor.ID, actor.Type, actor.IPAddress, actor.UserAgent, raw))
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return rec, nil
}

// ListFor returns a page of a document's records, newest first, and the
// total number of records for that document.
func (r *Recorder) ListFor(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM document_audit_records WHERE document_id = $1`, documentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: count: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+auditCols+` FROM document_audit_records
		WHERE document_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2 OFFSET $3`,
		documentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: list: %w", err)
	}
	defer rows.Close()

	var items []*AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: iterate: %w", err)
	}
	return items, total, nil
}
