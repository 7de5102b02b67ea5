package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/scribe/pkg/encryption"
	"github.com/medrex/scribe/pkg/lifecycle"
	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/monitoring"
	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

func testValidator(t *testing.T) *validation.Validator {
	t.Helper()
	v, err := validation.NewDefault()
	require.NoError(t, err)
	return v
}

func testCipher(t *testing.T, version string) *encryption.AESGCM {
	t.Helper()
	c, err := encryption.NewAESGCM("repository-test-secret", version)
	require.NoError(t, err)
	return c
}

func setupTestRepository(t *testing.T) (*DocumentRepository, *MemoryStore) {
	store := NewMemoryStore()
	repo := NewDocumentRepository(store, testCipher(t, "v1"), testValidator(t), logger.Discard())
	return repo, store
}

func soapNote(chiefComplaint string) types.NoteContent {
	hr := 88.0
	return types.NoteContent{
		Type:       types.DocumentTypeSOAPNote,
		Subjective: &types.Subjective{ChiefComplaint: chiefComplaint, Medications: []string{"acetaminophen as needed"}},
		Objective: &types.Objective{
			VitalSigns:   &types.VitalSigns{HeartRate: &hr},
			Observations: "patient seated, breathing without distress",
		},
		Assessment: &types.Assessment{ClinicalImpression: "cough and fever reported for three days"},
		Plan:       &types.Plan{Summary: "findings documented for clinician review"},
	}
}

func newDocument(t *testing.T, patientRef string, content types.NoteContent) *lifecycle.ClinicalDocument {
	t.Helper()
	doc, _ := lifecycle.New(lifecycle.Draft{
		PatientRef: patientRef,
		Content:    content,
		Metadata: types.DocumentMetadata{
			ModelID:          "scribe-model",
			PromptTemplateID: "soap-v1",
			Language:         types.LanguageEnglish,
		},
	}, testValidator(t))
	return doc
}

func saveSigned(t *testing.T, repo *DocumentRepository) string {
	t.Helper()
	ctx := context.Background()
	id, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)
	_, err = repo.MarkReviewed(ctx, id, "dr-review")
	require.NoError(t, err)
	_, err = repo.MarkSigned(ctx, id, "dr-sign")
	require.NoError(t, err)
	return id
}

func TestDocumentRepository_SaveAndFetch(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	doc := newDocument(t, "pt-1", soapNote("cough and fever, 3 days"))
	require.Equal(t, types.StatusValidated, doc.Status())

	id, err := repo.Save(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), id)

	got, err := repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusValidated, got.Status())
	assert.Equal(t, "pt-1", got.PatientRef())
	assert.Equal(t, doc.Content(), got.Content())
	assert.Equal(t, "scribe-model", got.Metadata().ModelID)
	assert.Equal(t, "aes-256-gcm/v1", got.Metadata().EncryptionScheme)
}

func TestDocumentRepository_SaveRevalidates(t *testing.T) {
	tests := []struct {
		name    string
		content types.NoteContent
		block   bool
	}{
		{
			name:    "critical finding",
			content: soapNote("likely pneumonia"),
		},
		{
			name: "missing required field",
			content: func() types.NoteContent {
				c := soapNote("cough and fever, 3 days")
				c.Plan.Summary = "  "
				return c
			}(),
		},
		{
			name: "manually blocked",
			content: func() types.NoteContent {
				c := soapNote("cough and fever, 3 days")
				c.Assessment.ClinicalImpression = ""
				return c
			}(),
			block: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, store := setupTestRepository(t)
			doc := newDocument(t, "pt-1", tt.content)
			if tt.block {
				require.NoError(t, doc.Block("regeneration declined"))
			}

			_, err := repo.Save(context.Background(), doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrValidationRejected))

			se, ok := types.AsScribeError(err)
			require.True(t, ok)
			assert.NotEmpty(t, se.Findings)

			records, err := store.ListByPatient(context.Background(), "pt-1")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestDocumentRepository_EncryptsAtRest(t *testing.T) {
	repo, store := setupTestRepository(t)
	ctx := context.Background()

	id := saveSigned(t, repo)
	_, err := repo.AppendAddendum(ctx, id, "dr-sign", "temperature was taken orally", "objective.vital_signs")
	require.NoError(t, err)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	for _, plaintext := range []string{"cough and fever", "acetaminophen", "dr-review", "dr-sign", "scribe-model"} {
		assert.False(t, bytes.Contains(rec.Blob, []byte(plaintext)), "blob leaks %q", plaintext)
	}

	addenda, err := store.Addenda(ctx, id)
	require.NoError(t, err)
	require.Len(t, addenda, 1)
	assert.False(t, bytes.Contains(addenda[0].Blob, []byte("orally")))
	assert.Equal(t, "aes-256-gcm/v1", addenda[0].Scheme)
}

func TestDocumentRepository_Lifecycle(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	id, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)

	_, err = repo.MarkSigned(ctx, id, "dr-sign")
	assert.True(t, errors.Is(err, types.ErrInvalidTransition))

	_, err = repo.MarkReviewed(ctx, id, "")
	assert.True(t, errors.Is(err, types.ErrMissingClinicianID))

	reviewed, err := repo.MarkReviewed(ctx, id, "dr-review")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReviewed, reviewed.Status())

	signed, err := repo.MarkSigned(ctx, id, "dr-sign")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSigned, signed.Status())
	assert.NotNil(t, signed.CompletedAt())

	got, err := repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSigned, got.Status())
	assert.Equal(t, "dr-review", got.Metadata().ReviewedBy)
	assert.Equal(t, "dr-sign", got.Metadata().SignedBy)
	require.NotNil(t, got.CompletedAt())
	assert.True(t, signed.CompletedAt().Equal(*got.CompletedAt()))
}

func TestDocumentRepository_SignedIsImmutable(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()
	id := saveSigned(t, repo)

	_, _, err := repo.Update(ctx, id, soapNote("cough, 4 days"))
	assert.True(t, errors.Is(err, types.ErrCannotEditLockedDocument))

	err = repo.Delete(ctx, id)
	assert.True(t, errors.Is(err, types.ErrCannotEditLockedDocument))

	a, err := repo.AppendAddendum(ctx, id, "dr-sign", "onset was four days ago", "subjective.chief_complaint")
	require.NoError(t, err)
	assert.Equal(t, id, a.DocumentID)

	got, err := repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cough and fever, 3 days", got.Content().Subjective.ChiefComplaint)
	require.Len(t, got.Addenda(), 1)
	assert.Equal(t, "onset was four days ago", got.Addenda()[0].Body)
	assert.Equal(t, "subjective.chief_complaint", got.Addenda()[0].CorrectsField)
}

func TestDocumentRepository_UpdateRevalidates(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	id, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)
	_, err = repo.MarkReviewed(ctx, id, "dr-review")
	require.NoError(t, err)

	_, report, err := repo.Update(ctx, id, soapNote("probable pneumonia"))
	assert.True(t, errors.Is(err, types.ErrValidationRejected))
	require.NotNil(t, report)
	assert.True(t, report.HasCritical())

	got, err := repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReviewed, got.Status())
	assert.Equal(t, "cough and fever, 3 days", got.Content().Subjective.ChiefComplaint)

	updated, report, err := repo.Update(ctx, id, soapNote("cough and fever, 4 days"))
	require.NoError(t, err)
	assert.Equal(t, validation.OutcomeAccepted, report.Outcome())
	assert.Equal(t, types.StatusValidated, updated.Status())
	assert.Empty(t, updated.Metadata().ReviewedBy)

	got, err = repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cough and fever, 4 days", got.Content().Subjective.ChiefComplaint)
}

func TestDocumentRepository_Delete(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	id, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.Fetch(ctx, id)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	err = repo.Delete(ctx, id)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestDocumentRepository_Listing(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	first, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)
	_, err = repo.Save(ctx, newDocument(t, "pt-1", soapNote("sore throat, 2 days")))
	require.NoError(t, err)
	_, err = repo.Save(ctx, newDocument(t, "pt-2", soapNote("headache since morning")))
	require.NoError(t, err)
	_, err = repo.MarkReviewed(ctx, first, "dr-review")
	require.NoError(t, err)

	docs, err := repo.FetchAllForPatient(ctx, "pt-1")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	reviewed, err := repo.FetchByStatus(ctx, types.StatusReviewed)
	require.NoError(t, err)
	require.Len(t, reviewed, 1)
	assert.Equal(t, first, reviewed[0].ID())

	validated, err := repo.FetchByStatus(ctx, types.StatusValidated)
	require.NoError(t, err)
	assert.Len(t, validated, 2)

	none, err := repo.FetchAllForPatient(ctx, "pt-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDocumentRepository_IntegrityFailures(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(rec *Record)
	}{
		{
			name:   "hash mismatch",
			tamper: func(rec *Record) { rec.ContentHash = encryption.HashData([]byte("other")) },
		},
		{
			name:   "ciphertext modified",
			tamper: func(rec *Record) { rec.Blob[len(rec.Blob)-1] ^= 0x01 },
		},
		{
			name:   "status without review",
			tamper: func(rec *Record) { rec.Status = types.StatusReviewed },
		},
		{
			name:   "status not a lifecycle status",
			tamper: func(rec *Record) { rec.Status = "approved" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, store := setupTestRepository(t)
			ctx := context.Background()

			id, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
			require.NoError(t, err)

			rec, err := store.Get(ctx, id)
			require.NoError(t, err)
			tt.tamper(rec)
			require.NoError(t, store.Update(ctx, rec, rec.Version))

			_, err = repo.Fetch(ctx, id)
			assert.True(t, errors.Is(err, types.ErrIntegrityFailure), "got %v", err)
		})
	}
}

func TestDocumentRepository_BlobBoundToRecord(t *testing.T) {
	repo, store := setupTestRepository(t)
	ctx := context.Background()

	a, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)
	b, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("sore throat, 2 days")))
	require.NoError(t, err)

	recA, err := store.Get(ctx, a)
	require.NoError(t, err)
	recB, err := store.Get(ctx, b)
	require.NoError(t, err)

	recB.Blob = recA.Blob
	recB.ContentHash = recA.ContentHash
	require.NoError(t, store.Update(ctx, recB, recB.Version))

	_, err = repo.Fetch(ctx, b)
	assert.True(t, errors.Is(err, types.ErrIntegrityFailure))
}

func TestDocumentRepository_KeyRotation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	keys := map[string]string{"v1": "first-secret"}

	ring, err := encryption.NewKeyring("v1", keys)
	require.NoError(t, err)
	old := NewDocumentRepository(store, ring, testValidator(t), logger.Discard())
	id, err := old.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)

	rotated, err := encryption.NewKeyring("v2", map[string]string{"v1": "first-secret", "v2": "second-secret"})
	require.NoError(t, err)
	repo := NewDocumentRepository(store, rotated, testValidator(t), logger.Discard())

	doc, err := repo.MarkReviewed(ctx, id, "dr-review")
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm/v2", doc.Metadata().EncryptionScheme)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm/v2", rec.Scheme)

	_, err = old.Fetch(ctx, id)
	assert.True(t, errors.Is(err, types.ErrIntegrityFailure))
}

func TestDocumentRepository_ConcurrentAddenda(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()
	id := saveSigned(t, repo)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AppendAddendum(ctx, id, "dr-sign", fmt.Sprintf("correction %d", i), "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Addenda(), writers)
	assert.Equal(t, 0, repo.locks.size())
}

// MockWriteStore routes guarded updates through expectations before
// reaching the in-memory store
type MockWriteStore struct {
	*MemoryStore
	mock.Mock
}

func (m *MockWriteStore) Update(ctx context.Context, rec *Record, expectedVersion int) error {
	args := m.Called(ctx, rec, expectedVersion)
	if err := args.Error(0); err != nil {
		return err
	}
	return m.MemoryStore.Update(ctx, rec, expectedVersion)
}

// MockReadStore answers reads from expectations
type MockReadStore struct {
	*MemoryStore
	mock.Mock
}

func (m *MockReadStore) Get(ctx context.Context, id string) (*Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func TestDocumentRepository_VersionConflict(t *testing.T) {
	store := &MockWriteStore{MemoryStore: NewMemoryStore()}
	repo := NewDocumentRepository(store, testCipher(t, "v1"), testValidator(t), logger.Discard())
	ctx := context.Background()

	id, err := repo.Save(ctx, newDocument(t, "pt-1", soapNote("cough and fever, 3 days")))
	require.NoError(t, err)

	store.On("Update", mock.Anything, mock.AnythingOfType("*repository.Record"), 1).
		Return(types.NewConflictError(id, 1)).Once()
	store.On("Update", mock.Anything, mock.AnythingOfType("*repository.Record"), 1).
		Return(nil).Once()

	_, err = repo.MarkReviewed(ctx, id, "dr-review")
	assert.True(t, errors.Is(err, types.ErrVersionConflict))

	doc, err := repo.MarkReviewed(ctx, id, "dr-review")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReviewed, doc.Status())
	store.AssertExpectations(t)
}

func TestDocumentRepository_StoreUnavailable(t *testing.T) {
	reg := prometheus.NewRegistry()
	mm := monitoring.NewMonitoringMiddleware(monitoring.NewMetrics("scribe-test", reg), nil, nil)
	store := &MockReadStore{MemoryStore: NewMemoryStore()}
	store.On("Get", mock.Anything, "doc-1").
		Return(nil, types.NewStoreUnavailableError("get", errors.New("connection reset"))).Once()
	repo := NewDocumentRepository(store, testCipher(t, "v1"), testValidator(t),
		logger.Discard(), WithMonitoring(mm))

	_, err := repo.Fetch(context.Background(), "doc-1")
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.False(t, errors.Is(err, types.ErrNotFound))
	store.AssertExpectations(t)

	count, err := testutil.GatherAndCount(reg, "scribe_store_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDocumentRepository_RulesChangeAfterSigning(t *testing.T) {
	repo, store := setupTestRepository(t)
	ctx := context.Background()
	id := saveSigned(t, repo)
	_, err := repo.AppendAddendum(ctx, id, "dr-sign", "onset confirmed as three days", "")
	require.NoError(t, err)

	rules, err := validation.DefaultRules()
	require.NoError(t, err)
	profile, ok := rules.Profile(types.DocumentTypeSOAPNote)
	require.True(t, ok)
	english := profile.Vocabulary[types.LanguageEnglish]
	english[validation.CategoryDiagnostic] = append(english[validation.CategoryDiagnostic], "fever")
	stricter := NewDocumentRepository(store, testCipher(t, "v1"), validation.New(rules), logger.Discard())

	doc, err := stricter.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSigned, doc.Status())
	var phrases []string
	for _, f := range doc.Findings() {
		if f.Severity == types.SeverityCritical {
			phrases = append(phrases, f.Phrase)
		}
	}
	assert.Contains(t, phrases, "fever")

	docs, err := stricter.FetchAllForPatient(ctx, "pt-1")
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = stricter.FetchByStatus(ctx, types.StatusSigned)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	_, err = stricter.AppendAddendum(ctx, id, "dr-sign", "fever resolved on day five", "assessment.clinical_impression")
	require.NoError(t, err)

	doc, err = stricter.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Len(t, doc.Addenda(), 2)
}

func TestDocumentRepository_SaveRejectsAddenda(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()
	id := saveSigned(t, repo)
	_, err := repo.AppendAddendum(ctx, id, "dr-sign", "onset confirmed as three days", "")
	require.NoError(t, err)
	doc, err := repo.Fetch(ctx, id)
	require.NoError(t, err)

	other, otherStore := setupTestRepository(t)
	_, err = other.Save(ctx, doc)
	assert.True(t, errors.Is(err, types.ErrInvalidTransition))

	records, err := otherStore.ListByPatient(ctx, "pt-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}
