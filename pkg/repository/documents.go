package repository

import (
	"context"
	"encoding/json"

	"github.com/medrex/scribe/pkg/encryption"
	"github.com/medrex/scribe/pkg/lifecycle"
	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/monitoring"
	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

// documentPayload is the plaintext inside a record blob
type documentPayload struct {
	Content  types.NoteContent      `json:"content"`
	Metadata types.DocumentMetadata `json:"metadata"`
}

// DocumentRepository persists clinical documents encrypted at rest. Every
// write re-validates the content, so a document with error or critical
// findings can never be stored. Operations on one document id are
// serialized; different ids never contend.
type DocumentRepository struct {
	store     Store
	cipher    encryption.Cipher
	validator lifecycle.Validator
	locks     *keyedMutex
	logger    *logger.Logger
	monitor   *monitoring.MonitoringMiddleware
}

// Option configures a DocumentRepository
type Option func(*DocumentRepository)

// WithMonitoring records spans and metrics for every store operation
func WithMonitoring(m *monitoring.MonitoringMiddleware) Option {
	return func(r *DocumentRepository) { r.monitor = m }
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(store Store, cipher encryption.Cipher, validator lifecycle.Validator, log *logger.Logger, opts ...Option) *DocumentRepository {
	r := &DocumentRepository{
		store:     store,
		cipher:    cipher,
		validator: validator,
		locks:     newKeyedMutex(),
		logger:    log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping checks the underlying store
func (r *DocumentRepository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Save validates and stores a new document, returning its id
func (r *DocumentRepository) Save(ctx context.Context, doc *lifecycle.ClinicalDocument) (string, error) {
	unlock := r.locks.Lock(doc.ID())
	defer unlock()

	err := r.observe(ctx, "save", func(ctx context.Context) error {
		if n := len(doc.Addenda()); n > 0 {
			return types.NewLifecycleError(types.ErrCodeInvalidTransition,
				"a new document cannot carry addenda",
				map[string]interface{}{"id": doc.ID(), "addenda": n})
		}
		if err := r.revalidate(doc); err != nil {
			return err
		}

		doc.SetEncryptionScheme(r.cipher.Scheme())
		rec, err := r.seal(doc)
		if err != nil {
			return err
		}
		return r.store.Insert(ctx, rec)
	})
	if err != nil {
		return "", err
	}

	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"document_id":   doc.ID(),
		"document_type": doc.Type(),
		"status":        doc.Status(),
	}).Info("Saved clinical document")
	return doc.ID(), nil
}

// Fetch returns the decrypted document
func (r *DocumentRepository) Fetch(ctx context.Context, id string) (*lifecycle.ClinicalDocument, error) {
	var doc *lifecycle.ClinicalDocument
	err := r.observe(ctx, "fetch", func(ctx context.Context) error {
		var err error
		doc, _, err = r.load(ctx, id)
		return err
	})
	return doc, err
}

// FetchAllForPatient returns every document for a de-identified patient reference
func (r *DocumentRepository) FetchAllForPatient(ctx context.Context, patientRef string) ([]*lifecycle.ClinicalDocument, error) {
	var docs []*lifecycle.ClinicalDocument
	err := r.observe(ctx, "fetch_for_patient", func(ctx context.Context) error {
		records, err := r.store.ListByPatient(ctx, patientRef)
		if err != nil {
			return err
		}
		docs, err = r.openAll(ctx, records)
		return err
	})
	return docs, err
}

// FetchByStatus returns every document in one lifecycle status
func (r *DocumentRepository) FetchByStatus(ctx context.Context, status types.ValidationStatus) ([]*lifecycle.ClinicalDocument, error) {
	var docs []*lifecycle.ClinicalDocument
	err := r.observe(ctx, "fetch_by_status", func(ctx context.Context) error {
		records, err := r.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		docs, err = r.openAll(ctx, records)
		return err
	})
	return docs, err
}

// Update replaces the content of a stored document through the lifecycle
// edit rules. Signed documents fail with CANNOT_EDIT_LOCKED_DOCUMENT and
// content with error or critical findings fails with VALIDATION_REJECTED;
// the returned report carries the findings in both the success and the
// rejection case.
func (r *DocumentRepository) Update(ctx context.Context, id string, content types.NoteContent) (*lifecycle.ClinicalDocument, *validation.Report, error) {
	var report *validation.Report
	doc, err := r.mutate(ctx, "update", id, func(doc *lifecycle.ClinicalDocument) error {
		var err error
		report, err = doc.Edit(content, r.validator)
		return err
	})
	return doc, report, err
}

// MarkReviewed records clinician review
func (r *DocumentRepository) MarkReviewed(ctx context.Context, id, clinicianID string) (*lifecycle.ClinicalDocument, error) {
	return r.mutate(ctx, "mark_reviewed", id, func(doc *lifecycle.ClinicalDocument) error {
		return doc.MarkReviewed(clinicianID)
	})
}

// MarkSigned signs and locks a reviewed document
func (r *DocumentRepository) MarkSigned(ctx context.Context, id, clinicianID string) (*lifecycle.ClinicalDocument, error) {
	return r.mutate(ctx, "mark_signed", id, func(doc *lifecycle.ClinicalDocument) error {
		return doc.Sign(clinicianID)
	})
}

// AppendAddendum attaches an encrypted addendum to a signed document
func (r *DocumentRepository) AppendAddendum(ctx context.Context, id, authorID, body, correctsField string) (types.Addendum, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var addendum types.Addendum
	err := r.observe(ctx, "append_addendum", func(ctx context.Context) error {
		doc, version, err := r.load(ctx, id)
		if err != nil {
			return err
		}
		if addendum, err = doc.AppendAddendum(authorID, body, correctsField); err != nil {
			return err
		}

		doc.SetEncryptionScheme(r.cipher.Scheme())
		rec, err := r.seal(doc)
		if err != nil {
			return err
		}
		sealed, err := r.sealAddendum(addendum)
		if err != nil {
			return err
		}
		return r.store.AppendAddendum(ctx, rec, version, sealed)
	})
	return addendum, err
}

// Delete removes a document that has not been signed
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	return r.observe(ctx, "delete", func(ctx context.Context) error {
		doc, version, err := r.load(ctx, id)
		if err != nil {
			return err
		}
		if err := doc.CheckDeletable(); err != nil {
			return err
		}
		return r.store.Delete(ctx, id, version)
	})
}

// mutate loads a document under its lock, applies fn and writes the
// result back guarded by the loaded version
func (r *DocumentRepository) mutate(ctx context.Context, operation, id string, fn func(*lifecycle.ClinicalDocument) error) (*lifecycle.ClinicalDocument, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var doc *lifecycle.ClinicalDocument
	err := r.observe(ctx, operation, func(ctx context.Context) error {
		var version int
		var err error
		doc, version, err = r.load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		if err := r.revalidate(doc); err != nil {
			return err
		}

		doc.SetEncryptionScheme(r.cipher.Scheme())
		rec, err := r.seal(doc)
		if err != nil {
			return err
		}
		return r.store.Update(ctx, rec, version)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// revalidate rejects content with error or critical findings
func (r *DocumentRepository) revalidate(doc *lifecycle.ClinicalDocument) error {
	report := r.validator.Validate(doc.Content(), doc.Language())
	if blocking := report.Blocking(); len(blocking) > 0 {
		return types.NewValidationRejectedError("document failed validation and cannot be stored", blocking)
	}
	return nil
}

func (r *DocumentRepository) load(ctx context.Context, id string) (*lifecycle.ClinicalDocument, int, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	doc, err := r.open(ctx, rec)
	if err != nil {
		return nil, 0, err
	}
	return doc, rec.Version, nil
}

func (r *DocumentRepository) openAll(ctx context.Context, records []*Record) ([]*lifecycle.ClinicalDocument, error) {
	docs := make([]*lifecycle.ClinicalDocument, 0, len(records))
	for _, rec := range records {
		doc, err := r.open(ctx, rec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// open decrypts a record and its addenda and rebuilds the document
func (r *DocumentRepository) open(ctx context.Context, rec *Record) (*lifecycle.ClinicalDocument, error) {
	plaintext, err := r.decrypt(rec.ID, rec.Blob, rec.ContentHash, []byte(rec.ID))
	if err != nil {
		return nil, err
	}
	var payload documentPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, types.NewIntegrityError(rec.ID, "document payload is not valid JSON")
	}

	sealed, err := r.store.Addenda(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	addenda := make([]types.Addendum, 0, len(sealed))
	for _, a := range sealed {
		plaintext, err := r.decrypt(rec.ID, a.Blob, a.ContentHash, addendumAAD(rec.ID, a.ID))
		if err != nil {
			return nil, err
		}
		var addendum types.Addendum
		if err := json.Unmarshal(plaintext, &addendum); err != nil {
			return nil, types.NewIntegrityError(rec.ID, "addendum payload is not valid JSON")
		}
		addenda = append(addenda, addendum)
	}

	payload.Content.Type = rec.DocumentType
	doc, err := lifecycle.Restore(lifecycle.Snapshot{
		ID:          rec.ID,
		PatientRef:  rec.PatientRef,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
		Content:     payload.Content,
		Metadata:    payload.Metadata,
		Addenda:     addenda,
	}, r.validator)
	if err != nil {
		return nil, err
	}

	if doc.Status() != types.StatusBlocked {
		critical := 0
		for _, f := range doc.Findings() {
			if f.Severity == types.SeverityCritical {
				critical++
			}
		}
		if critical > 0 {
			r.logger.WithDocument(rec.ID).WithFields(map[string]interface{}{
				"status":   doc.Status(),
				"critical": critical,
			}).Warn("Stored document has critical findings under the current rules")
		}
	}
	return doc, nil
}

func (r *DocumentRepository) decrypt(id string, blob []byte, hash string, aad []byte) ([]byte, error) {
	plaintext, err := r.cipher.Decrypt(blob, aad)
	if err != nil {
		r.logger.WithDocument(id).WithError(err).Warn("Document decryption failed")
		return nil, types.NewIntegrityError(id, "stored blob could not be decrypted")
	}
	if encryption.HashData(plaintext) != hash {
		r.logger.WithDocument(id).Warn("Content integrity check failed")
		return nil, types.NewIntegrityError(id, "content hash does not match stored hash")
	}
	return plaintext, nil
}

// seal builds the encrypted record for the current document state
func (r *DocumentRepository) seal(doc *lifecycle.ClinicalDocument) (*Record, error) {
	snap := doc.Snapshot()
	plaintext, err := json.Marshal(documentPayload{Content: snap.Content, Metadata: snap.Metadata})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encode document", err)
	}
	blob, err := r.cipher.Encrypt(plaintext, []byte(snap.ID))
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encrypt document", err)
	}

	return &Record{
		ID:           snap.ID,
		PatientRef:   snap.PatientRef,
		DocumentType: snap.Content.Type,
		Status:       snap.Status,
		Blob:         blob,
		ContentHash:  encryption.HashData(plaintext),
		Scheme:       r.cipher.Scheme(),
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
		CompletedAt:  snap.CompletedAt,
	}, nil
}

func (r *DocumentRepository) sealAddendum(a types.Addendum) (*AddendumRecord, error) {
	plaintext, err := json.Marshal(a)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encode addendum", err)
	}
	blob, err := r.cipher.Encrypt(plaintext, addendumAAD(a.DocumentID, a.ID))
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encrypt addendum", err)
	}
	return &AddendumRecord{
		ID:          a.ID,
		DocumentID:  a.DocumentID,
		Blob:        blob,
		ContentHash: encryption.HashData(plaintext),
		Scheme:      r.cipher.Scheme(),
		CreatedAt:   a.CreatedAt,
	}, nil
}

func addendumAAD(documentID, addendumID string) []byte {
	return []byte(documentID + "/" + addendumID)
}

func (r *DocumentRepository) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	err := r.monitor.ObserveStore(ctx, r.store.Backend(), operation, fn)
	if err != nil {
		if se, ok := types.AsScribeError(err); ok && se.Type == types.ErrorTypeStoreUnavailable {
			r.logger.WithContext(ctx).WithError(err).WithField("operation", operation).Error("Document store unavailable")
		}
	}
	return err
}
