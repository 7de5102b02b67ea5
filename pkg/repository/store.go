package repository

import (
	"context"
	"time"

	"github.com/medrex/scribe/pkg/types"
)

// Record is the persisted form of a clinical document. Clinical content and
// clinician identities live only inside the encrypted blob; status and
// timestamps stay in the clear so documents can be listed without
// decryption.
type Record struct {
	ID           string                 `json:"id"`
	PatientRef   string                 `json:"patient_ref,omitempty"`
	DocumentType types.DocumentType     `json:"document_type"`
	Status       types.ValidationStatus `json:"status"`
	Blob         []byte                 `json:"blob"`
	ContentHash  string                 `json:"content_hash"`
	Scheme       string                 `json:"scheme"`
	Version      int                    `json:"version"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// AddendumRecord is one encrypted, append-only addendum
type AddendumRecord struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Blob        []byte    `json:"blob"`
	ContentHash string    `json:"content_hash"`
	Scheme      string    `json:"scheme"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists encrypted records. Writes are guarded by optimistic
// versioning: Update, Delete and AppendAddendum succeed only when the stored
// version equals expectedVersion, and a successful write stores
// expectedVersion+1. Implementations return *types.ScribeError values with
// codes NOT_FOUND, VERSION_CONFLICT or STORE_UNAVAILABLE.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByPatient(ctx context.Context, patientRef string) ([]*Record, error)
	ListByStatus(ctx context.Context, status types.ValidationStatus) ([]*Record, error)
	Update(ctx context.Context, rec *Record, expectedVersion int) error
	Delete(ctx context.Context, id string, expectedVersion int) error
	AppendAddendum(ctx context.Context, rec *Record, expectedVersion int, addendum *AddendumRecord) error
	Addenda(ctx context.Context, documentID string) ([]*AddendumRecord, error)
	Ping(ctx context.Context) error
	Backend() string
}

func cloneRecord(r *Record) *Record {
	out := *r
	out.Blob = append([]byte(nil), r.Blob...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneAddendum(a *AddendumRecord) *AddendumRecord {
	out := *a
	out.Blob = append([]byte(nil), a.Blob...)
	return &out
}
