package clinicaldoc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
)

// DocumentType selects the content schema of a document.
type DocumentType string

const (
	TypeClinicalNote  DocumentType = "clinical_note"
	TypeTreatmentPlan DocumentType = "treatment_plan"
)

func (t DocumentType) Valid() bool {
	return t == TypeClinicalNote || t == TypeTreatmentPlan
}

// Label is the human readable name used in exports and messages.
func (t DocumentType) Label() string {
	switch t {
	case TypeClinicalNote:
		return "Clinical Note"
	case TypeTreatmentPlan:
		return "Treatment Plan"
	}
	return string(t)
}

// State is derived from the signing and locking flags.
type State string

const (
	StateDraft  State = "draft"
	StateLocked State = "locked"
	StateSigned State = "signed"
)

// Document is a clinical note or treatment plan together with its lifecycle flags.
type Document struct {
	ID            uuid.UUID      `json:"id"`
	DocumentType  DocumentType   `json:"document_type"`
	SubjectID     uuid.UUID      `json:"subject_id"`
	AuthorID      uuid.UUID      `json:"author_id"`
	Content       map[string]any `json:"content"`
	IsSigned      bool           `json:"is_signed"`
	SignedAt      *time.Time     `json:"signed_at,omitempty"`
	SignedBy      *uuid.UUID     `json:"signed_by,omitempty"`
	SignatureData *string        `json:"signature_data,omitempty"`
	ContentHash   *string        `json:"content_hash,omitempty"`
	IsLocked      bool           `json:"is_locked"`
	LockedAt      *time.Time     `json:"locked_at,omitempty"`
	LockedBy      *uuid.UUID     `json:"locked_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (d *Document) State() State {
	switch {
	case d.IsSigned:
		return StateSigned
	case d.IsLocked:
		return StateLocked
	default:
		return StateDraft
	}
}

// MarshalJSON adds the derived state to the wire form.
func (d Document) MarshalJSON() ([]byte, error) {
	type alias Document
	return json.Marshal(struct {
		alias
		State State `json:"state"`
	}{alias: alias(d), State: d.State()})
}

func (d *Document) ref() hipaa.DocumentRef {
	return hipaa.DocumentRef{ID: d.ID, Type: string(d.DocumentType), SubjectID: d.SubjectID}
}

// ContentHash returns the hex SHA-256 of the canonical JSON encoding of
// content. encoding/json sorts map keys, so equal content hashes equally.
func ContentHash(content map[string]any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyResult reports whether a signed document's content still matches the
// hash captured when it was signed.
type VerifyResult struct {
	DocumentID   uuid.UUID `json:"document_id"`
	Signed       bool      `json:"signed"`
	StoredHash   string    `json:"stored_hash,omitempty"`
	ComputedHash string    `json:"computed_hash"`
	Intact       bool      `json:"intact"`
}

// ClinicalNoteContent is the content schema of a clinical note.
type ClinicalNoteContent struct {
	NoteType        string `json:"note_type" validate:"required,oneof=soap dap birp progress intake"`
	SessionDate     string `json:"session_date" validate:"required,datetime=2006-01-02"`
	GeneratedNote   string `json:"generated_note" validate:"required"`
	Transcript      string `json:"transcript,omitempty"`
	AppointmentID   string `json:"appointment_id,omitempty" validate:"omitempty,uuid"`
	DurationMinutes int    `json:"duration_minutes,omitempty" validate:"omitempty,min=1,max=600"`
}

// TreatmentPlanContent is the content schema of a treatment plan.
type TreatmentPlanContent struct {
	Diagnoses  []Diagnosis `json:"diagnoses" validate:"required,min=1,dive"`
	Goals      []Goal      `json:"goals" validate:"required,min=1,dive"`
	Frequency  string      `json:"frequency" validate:"required"`
	StartDate  string      `json:"start_date" validate:"required,datetime=2006-01-02"`
	ReviewDate string      `json:"review_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Modality   string      `json:"modality,omitempty"`
}

type Diagnosis struct {
	Code        string `json:"code" validate:"required"`
	Description string `json:"description" validate:"required"`
}

type Goal struct {
	Description string   `json:"description" validate:"required"`
	TargetDate  string   `json:"target_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Objectives  []string `json:"objectives,omitempty" validate:"omitempty,dive,required"`
}
