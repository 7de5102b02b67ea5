// Package lifecycle owns the validation status of clinical documents. The
// status of a ClinicalDocument can only change through the transitions
// defined here; there is no setter.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

// Validator is the safety check the lifecycle runs over content
type Validator interface {
	Validate(content types.NoteContent, lang types.Language) *validation.Report
}

// RuleManualBlock marks the finding recorded when a caller blocks a document
const RuleManualBlock = "manual_block"

var now = func() time.Time { return time.Now().UTC() }

// Draft is freshly extracted content waiting for its initial status
type Draft struct {
	ID         string
	PatientRef string
	Content    types.NoteContent
	Metadata   types.DocumentMetadata
}

// ClinicalDocument is an AI-authored clinical document and its lifecycle state
type ClinicalDocument struct {
	id          string
	patientRef  string
	createdAt   time.Time
	updatedAt   time.Time
	completedAt *time.Time
	content     types.NoteContent
	metadata    types.DocumentMetadata
	status      types.ValidationStatus
	findings    []types.ValidationFinding
	addenda     []types.Addendum
}

// New validates the draft and assigns the initial status: validated when
// there are no error or critical findings, blocked on any critical finding,
// unvalidated otherwise. The returned report holds every finding.
func New(d Draft, v Validator) (*ClinicalDocument, *validation.Report) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Metadata.Language == "" {
		d.Metadata.Language = types.LanguageEnglish
	}

	report := v.Validate(d.Content, d.Metadata.Language)
	ts := now()
	doc := &ClinicalDocument{
		id:         d.ID,
		patientRef: d.PatientRef,
		createdAt:  ts,
		updatedAt:  ts,
		content:    report.Content,
		metadata:   d.Metadata,
		findings:   report.Findings,
		status:     initialStatus(report),
	}
	return doc, report
}

func initialStatus(report *validation.Report) types.ValidationStatus {
	switch report.Outcome() {
	case validation.OutcomeBlocked:
		return types.StatusBlocked
	case validation.OutcomeIncomplete:
		return types.StatusUnvalidated
	default:
		return types.StatusValidated
	}
}

func (d *ClinicalDocument) ID() string { return d.id }
func (d *ClinicalDocument) PatientRef() string { return d.patientRef }
func (d *ClinicalDocument) Type() types.DocumentType { return d.content.Type }
func (d *ClinicalDocument) Language() types.Language { return d.metadata.Language }
func (d *ClinicalDocument) Status() types.ValidationStatus { return d.status }
func (d *ClinicalDocument) CreatedAt() time.Time { return d.createdAt }
func (d *ClinicalDocument) UpdatedAt() time.Time { return d.updatedAt }
func (d *ClinicalDocument) Metadata() types.DocumentMetadata { return d.metadata }

// CompletedAt is set when the document is signed
func (d *ClinicalDocument) CompletedAt() *time.Time {
	if d.completedAt == nil {
		return nil
	}
	t := *d.completedAt
	return &t
}

// Content returns a copy of the document content
func (d *ClinicalDocument) Content() types.NoteContent {
	return d.content.Clone()
}

// Findings returns the findings of the last validation run
func (d *ClinicalDocument) Findings() []types.ValidationFinding {
	out := make([]types.ValidationFinding, len(d.findings))
	copy(out, d.findings)
	return out
}

// Addenda returns the addenda in the order they were appended
func (d *ClinicalDocument) Addenda() []types.Addendum {
	out := make([]types.Addendum, len(d.addenda))
	copy(out, d.addenda)
	return out
}

// Locked reports whether the core sections are immutable
func (d *ClinicalDocument) Locked() bool {
	return d.status == types.StatusSigned
}

// SetEncryptionScheme records the scheme version the document was persisted with
func (d *ClinicalDocument) SetEncryptionScheme(scheme string) {
	d.metadata.EncryptionScheme = scheme
}

// Block moves an unvalidated document with unresolved errors to blocked
func (d *ClinicalDocument) Block(reason string) error {
	switch d.status {
	case types.StatusBlocked:
		return d.blockedError("block")
	case types.StatusUnvalidated:
		d.status = types.StatusBlocked
		d.updatedAt = now()
		if reason != "" {
			d.findings = append(d.findings, types.ValidationFinding{
				Field:    "status",
				Message:  reason,
				Severity: types.SeverityCritical,
				Rule:     RuleManualBlock,
			})
		}
		return nil
	default:
		return d.transitionError(types.StatusBlocked)
	}
}

// MarkReviewed records clinician review of a validated document
func (d *ClinicalDocument) MarkReviewed(clinicianID string) error {
	if d.status == types.StatusBlocked {
		return d.blockedError("review")
	}
	if strings.TrimSpace(clinicianID) == "" {
		return missingClinician("review")
	}
	if d.status != types.StatusValidated {
		return d.transitionError(types.StatusReviewed)
	}

	ts := now()
	d.status = types.StatusReviewed
	d.metadata.ReviewedBy = clinicianID
	d.metadata.ReviewedAt = &ts
	d.updatedAt = ts
	return nil
}

// Sign locks a reviewed document. Core sections cannot change afterwards.
func (d *ClinicalDocument) Sign(clinicianID string) error {
	if d.status == types.StatusBlocked {
		return d.blockedError("sign")
	}
	if strings.TrimSpace(clinicianID) == "" {
		return missingClinician("sign")
	}
	if d.status != types.StatusReviewed {
		return d.transitionError(types.StatusSigned)
	}

	ts := now()
	d.status = types.StatusSigned
	d.metadata.SignedBy = clinicianID
	d.metadata.SignedAt = &ts
	d.completedAt = &ts
	d.updatedAt = ts
	return nil
}

// AppendAddendum attaches a correction to a signed document
func (d *ClinicalDocument) AppendAddendum(authorID, body, correctsField string) (types.Addendum, error) {
	if d.status == types.StatusBlocked {
		return types.Addendum{}, d.blockedError("append addendum")
	}
	if strings.TrimSpace(authorID) == "" {
		return types.Addendum{}, missingClinician("append addendum")
	}
	if d.status != types.StatusSigned {
		return types.Addendum{}, types.NewLifecycleError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("addenda can only be attached to signed documents (status: %s)", d.status),
			map[string]interface{}{"id": d.id, "status": d.status})
	}
	if strings.TrimSpace(body) == "" {
		return types.Addendum{}, types.NewValidationRejectedError("addendum body is empty", []types.ValidationFinding{{
			Field:    "body",
			Message:  "addendum body is empty",
			Severity: types.SeverityError,
			Rule:     validation.RuleRequiredField,
		}})
	}

	ts := now()
	a := types.Addendum{
		ID:            uuid.New().String(),
		DocumentID:    d.id,
		AuthorID:      authorID,
		Body:          body,
		CorrectsField: correctsField,
		CreatedAt:     ts,
	}
	d.addenda = append(d.addenda, a)
	d.updatedAt = ts
	return a, nil
}

// Edit replaces the content of a document that is not yet signed. The new
// content is validated first and rejected, leaving the document unchanged,
// when it has error or critical findings. A reviewed document returns to
// validated and its review is cleared.
func (d *ClinicalDocument) Edit(content types.NoteContent, v Validator) (*validation.Report, error) {
	switch d.status {
	case types.StatusSigned:
		return nil, types.NewLifecycleError(types.ErrCodeCannotEditLockedDocument,
			"signed documents are locked; attach an addendum instead",
			map[string]interface{}{"id": d.id})
	case types.StatusBlocked:
		return nil, d.blockedError("edit")
	}
	if content.Type != d.content.Type {
		return nil, types.NewLifecycleError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("document type cannot change from %s to %s", d.content.Type, content.Type),
			map[string]interface{}{"id": d.id})
	}
	if field := foreignSection(content); field != "" {
		return nil, types.NewExtractionError(types.ErrCodeSchemaMismatch,
			fmt.Sprintf("%s documents have no %s section", content.Type, field), field, nil)
	}

	report := v.Validate(content, d.metadata.Language)
	if blocking := report.Blocking(); len(blocking) > 0 {
		return report, types.NewValidationRejectedError("edited content failed validation", blocking)
	}

	d.content = report.Content
	d.findings = report.Findings
	d.status = types.StatusValidated
	d.metadata.ReviewedBy = ""
	d.metadata.ReviewedAt = nil
	d.updatedAt = now()
	return report, nil
}

// foreignSection names the first section of content that its document type
// does not define, or returns "" when there is none
func foreignSection(content types.NoteContent) string {
	if content.Type.IsFindingsSummary() {
		switch {
		case content.Subjective != nil:
			return "subjective"
		case content.Objective != nil:
			return "objective"
		case content.Assessment != nil:
			return "assessment"
		case content.Plan != nil:
			return "plan"
		}
		return ""
	}
	switch {
	case content.Findings != nil:
		return "findings"
	case content.Limitations != "":
		return "limitations"
	case content.Disclosure != "":
		return "disclosure"
	}
	return ""
}

// CheckDeletable fails for signed documents, which are part of the record
func (d *ClinicalDocument) CheckDeletable() error {
	if d.Locked() {
		return types.NewLifecycleError(types.ErrCodeCannotEditLockedDocument,
			"signed documents cannot be deleted",
			map[string]interface{}{"id": d.id})
	}
	return nil
}

func (d *ClinicalDocument) transitionError(to types.ValidationStatus) error {
	return types.NewLifecycleError(types.ErrCodeInvalidTransition,
		fmt.Sprintf("cannot move document from %s to %s", d.status, to),
		map[string]interface{}{"id": d.id, "from": d.status, "to": to})
}

func (d *ClinicalDocument) blockedError(action string) error {
	return types.NewLifecycleError(types.ErrCodeDocumentBlocked,
		fmt.Sprintf("cannot %s a blocked document", action),
		map[string]interface{}{"id": d.id})
}

func missingClinician(action string) error {
	return types.NewLifecycleError(types.ErrCodeMissingClinicianID,
		fmt.Sprintf("a clinician id is required to %s", action), nil)
}
