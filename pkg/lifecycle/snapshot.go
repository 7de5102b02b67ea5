package lifecycle

import (
	"fmt"
	"time"

	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

// Snapshot is the persisted form of a ClinicalDocument
type Snapshot struct {
	ID          string                 `json:"id"`
	PatientRef  string                 `json:"patient_ref,omitempty"`
	Status      types.ValidationStatus `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Content     types.NoteContent      `json:"content"`
	Metadata    types.DocumentMetadata `json:"metadata"`
	Addenda     []types.Addendum       `json:"addenda,omitempty"`
}

// Snapshot captures the document state for storage
func (d *ClinicalDocument) Snapshot() Snapshot {
	return Snapshot{
		ID:          d.id,
		PatientRef:  d.patientRef,
		Status:      d.status,
		CreatedAt:   d.createdAt,
		UpdatedAt:   d.updatedAt,
		CompletedAt: d.CompletedAt(),
		Content:     d.content.Clone(),
		Metadata:    d.metadata,
		Addenda:     d.Addenda(),
	}
}

// Restore rebuilds a document from storage and attaches the findings of the
// current rules. Only an unvalidated record must still agree with the
// validator; validated, reviewed and signed records keep their stored
// status even when the rules have changed since they were accepted, so a
// vocabulary update never makes a record unreadable. Writes re-validate,
// which keeps such a document from advancing until it is corrected.
// Reviewed and signed documents must carry their clinician and timestamp.
func Restore(s Snapshot, v Validator) (*ClinicalDocument, error) {
	if !s.Status.Valid() {
		return nil, types.NewIntegrityError(s.ID, fmt.Sprintf("stored status %q is not a lifecycle status", s.Status))
	}
	lang := s.Metadata.Language
	if lang == "" {
		lang = types.LanguageEnglish
	}

	report := v.Validate(s.Content, lang)
	if err := checkConsistent(s, report); err != nil {
		return nil, err
	}

	addenda := make([]types.Addendum, len(s.Addenda))
	copy(addenda, s.Addenda)

	var completedAt *time.Time
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		completedAt = &t
	}

	metadata := s.Metadata
	metadata.Language = lang
	return &ClinicalDocument{
		id:          s.ID,
		patientRef:  s.PatientRef,
		createdAt:   s.CreatedAt,
		updatedAt:   s.UpdatedAt,
		completedAt: completedAt,
		content:     report.Content,
		metadata:    metadata,
		status:      s.Status,
		findings:    report.Findings,
		addenda:     addenda,
	}, nil
}

func checkConsistent(s Snapshot, report *validation.Report) error {
	inconsistent := func(reason string) error {
		err := types.NewIntegrityError(s.ID, fmt.Sprintf("stored status %s is inconsistent with content: %s", s.Status, reason))
		err.Findings = report.Blocking()
		return err
	}

	switch s.Status {
	case types.StatusBlocked:
		return nil
	case types.StatusUnvalidated:
		switch initialStatus(report) {
		case types.StatusBlocked:
			return inconsistent("content has critical findings")
		case types.StatusValidated:
			return inconsistent("content has no unresolved errors")
		}
	}

	m := s.Metadata
	if (s.Status == types.StatusReviewed || s.Status == types.StatusSigned) && (m.ReviewedBy == "" || m.ReviewedAt == nil) {
		return inconsistent("review is not recorded")
	}
	if s.Status == types.StatusSigned && (m.SignedBy == "" || m.SignedAt == nil || s.CompletedAt == nil) {
		return inconsistent("signature is not recorded")
	}
	if s.Status != types.StatusSigned && len(s.Addenda) > 0 {
		return inconsistent("addenda on an unsigned document")
	}
	return nil
}
