package lifecycle

import (
	"errors"
	"testing"

	"github.com/medrex/scribe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestore_RoundTrip(t *testing.T) {
	v := testValidator(t)
	doc := signedDoc(t)
	_, err := doc.AppendAddendum("dr-signer", "Temperature was measured orally.", "objective.vital_signs")
	require.NoError(t, err)

	restored, err := Restore(doc.Snapshot(), v)
	require.NoError(t, err)

	assert.Equal(t, doc.ID(), restored.ID())
	assert.Equal(t, doc.PatientRef(), restored.PatientRef())
	assert.Equal(t, doc.Status(), restored.Status())
	assert.Equal(t, doc.Content(), restored.Content())
	assert.Equal(t, doc.Metadata(), restored.Metadata())
	assert.Equal(t, doc.Addenda(), restored.Addenda())
	assert.Equal(t, doc.CompletedAt(), restored.CompletedAt())
	assert.True(t, restored.Locked())
}

func TestRestore_KeepsAcceptedStatusUnderChangedRules(t *testing.T) {
	v := testValidator(t)

	for _, status := range []types.ValidationStatus{types.StatusValidated, types.StatusReviewed, types.StatusSigned} {
		t.Run(string(status), func(t *testing.T) {
			snapshot := signedDoc(t).Snapshot()
			snapshot.Status = status
			if status != types.StatusSigned {
				snapshot.Metadata.SignedBy = ""
				snapshot.Metadata.SignedAt = nil
				snapshot.CompletedAt = nil
			}
			snapshot.Content.Assessment.ClinicalImpression = "likely pneumonia"

			restored, err := Restore(snapshot, v)
			require.NoError(t, err)
			assert.Equal(t, status, restored.Status())

			var blocking []types.ValidationFinding
			for _, f := range restored.Findings() {
				if f.Severity == types.SeverityCritical {
					blocking = append(blocking, f)
				}
			}
			require.Len(t, blocking, 1)
			assert.Equal(t, "assessment.clinical_impression", blocking[0].Field)
			assert.Equal(t, "likely", blocking[0].Phrase)
		})
	}
}

func TestRestore_ConsistencyChecks(t *testing.T) {
	v := testValidator(t)

	tests := []struct {
		name   string
		mutate func(s *Snapshot)
	}{
		{"unknown status", func(s *Snapshot) { s.Status = "approved" }},
		{"unvalidated with critical content", func(s *Snapshot) {
			s.Status = types.StatusUnvalidated
			s.Content.Plan.Summary = "likely viral"
		}},
		{"unvalidated without errors", func(s *Snapshot) { s.Status = types.StatusUnvalidated }},
		{"reviewed without reviewer", func(s *Snapshot) {
			s.Status = types.StatusReviewed
			s.Metadata.ReviewedBy = ""
		}},
		{"signed without signature", func(s *Snapshot) { s.Metadata.SignedAt = nil }},
		{"addenda before signing", func(s *Snapshot) {
			s.Status = types.StatusReviewed
			s.Addenda = []types.Addendum{{ID: "a1", Body: "x"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot := signedDoc(t).Snapshot()
			tt.mutate(&snapshot)

			_, err := Restore(snapshot, v)
			assert.True(t, errors.Is(err, types.ErrIntegrityFailure), "err=%v", err)
		})
	}
}

func TestRestore_BlockedStaysBlocked(t *testing.T) {
	v := testValidator(t)
	doc := newDoc(t, "")
	require.NoError(t, doc.Block("incomplete output"))

	restored, err := Restore(doc.Snapshot(), v)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, restored.Status())
}

func TestSnapshot_IsDetached(t *testing.T) {
	doc := signedDoc(t)
	snapshot := doc.Snapshot()

	snapshot.Content.Subjective.ChiefComplaint = "changed"
	*snapshot.CompletedAt = snapshot.CompletedAt.AddDate(1, 0, 0)

	assert.Equal(t, "cough and fever, 3 days", doc.Content().Subjective.ChiefComplaint)
	assert.NotEqual(t, *snapshot.CompletedAt, *doc.CompletedAt())
}
