package clinicaldoc

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
	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct {
	pool   *pgxpool.Pool
	cipher hipaa.FieldCipher
}

// StoreOption configures the Postgres store.
type StoreOption func(*storePG)

// WithFieldCipher encrypts signature_data at rest.
func WithFieldCipher(c hipaa.FieldCipher) StoreOption {
	return func(s *storePG) {
		if c != nil {
			s.cipher = c
		}
	}
}

func NewStorePG(pool *pgxpool.Pool, opts ...StoreOption) Store {
	s := &storePG{pool: pool, cipher: hipaa.NoEncryption}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const docCols = `id, document_type, subject_id, author_id, content,
	is_signed, signed_at, signed_by, signature_data, content_hash,
	is_locked, locked_at, locked_by, created_at, updated_at`

func (s *storePG) scan(row pgx.Row) (*Document, error) {
	var d Document
	var docType string
	err := row.Scan(&d.ID, &docType, &d.SubjectID, &d.AuthorID, &d.Content,
		&d.IsSigned, &d.SignedAt, &d.SignedBy, &d.SignatureData, &d.ContentHash,
		&d.IsLocked, &d.LockedAt, &d.LockedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.DocumentType = DocumentType(docType)
	if d.SignatureData != nil {
		plain, err := s.cipher.Open(*d.SignatureData)
		if err != nil {
			return nil, fmt.Errorf("decrypt signature of %s: %w", d.ID, err)
		}
		d.SignatureData = &plain
	}
	return &d, nil
}

// getOne maps a missing row to notFound.
func (s *storePG) getOne(row pgx.Row, notFound error) (*Document, error) {
	d, err := s.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	return d, err
}

func (s *storePG) Create(ctx context.Context, doc *Document) error {
	raw, err := json.Marshal(doc.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_documents (id, document_type, subject_id, author_id, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		doc.ID, string(doc.DocumentType), doc.SubjectID, doc.AuthorID, raw,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
}

func (s *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.getOne(s.conn(ctx).QueryRow(ctx, `SELECT `+docCols+` FROM clinical_documents WHERE id = $1`, id), ErrNotFound)
}

func (s *storePG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.getOne(s.conn(ctx).QueryRow(ctx, `SELECT `+docCols+` FROM clinical_documents WHERE id = $1 FOR UPDATE`, id), ErrNotFound)
}

func (s *storePG) Update(ctx context.Context, id uuid.UUID, patch map[string]any) (*Document, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return s.getOne(s.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_documents SET content = content || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND is_signed = false AND is_locked = false
		RETURNING `+docCols, id, raw), errStateConflict)
}

func (s *storePG) SetSigned(ctx context.Context, id, signedBy uuid.UUID, signatureData, contentHash string, now time.Time) (*Document, error) {
	stored, err := s.cipher.Seal(signatureData)
	if err != nil {
		return nil, fmt.Errorf("encrypt signature: %w", err)
	}
	return s.getOne(s.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_documents SET
			is_signed = true, signed_at = $4, signed_by = $2, signature_data = $3, content_hash = $5,
			is_locked = true, locked_at = $4, locked_by = $2, updated_at = $4
		WHERE id = $1 AND is_signed = false AND is_locked = false
		RETURNING `+docCols, id, signedBy, stored, now, contentHash), errStateConflict)
}

func (s *storePG) SetLocked(ctx context.Context, id, lockedBy uuid.UUID, now time.Time) (*Document, error) {
	return s.getOne(s.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_documents SET is_locked = true, locked_at = $3, locked_by = $2, updated_at = $3
		WHERE id = $1 AND is_locked = false
		RETURNING `+docCols, id, lockedBy, now), errStateConflict)
}

func (s *storePG) SetUnlocked(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.getOne(s.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_documents SET is_locked = false, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND is_locked = true AND is_signed = false
		RETURNING `+docCols, id), errStateConflict)
}

func (s *storePG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM clinical_documents WHERE id = $1 AND is_signed = false`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errStateConflict
	}
	return nil
}

func (s *storePG) ListBySubject(ctx context.Context, docType DocumentType, subjectID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_documents WHERE document_type = $1 AND subject_id = $2`,
		string(docType), subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+docCols+` FROM clinical_documents
		WHERE document_type = $1 AND subject_id = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, string(docType), subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Document
	for rows.Next() {
		d, err := s.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}
