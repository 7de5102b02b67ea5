package types

import "time"

// DocumentType identifies the kind of AI-authored clinical document
type DocumentType string

const (
	DocumentTypeSOAPNote       DocumentType = "soap_note"
	DocumentTypeImagingSummary DocumentType = "imaging_summary"
	DocumentTypeLabSummary     DocumentType = "lab_summary"
)

// IsFindingsSummary reports whether the type uses the findings schema
func (t DocumentType) IsFindingsSummary() bool {
	return t == DocumentTypeImagingSummary || t == DocumentTypeLabSummary
}

// Valid reports whether t is a known document type
func (t DocumentType) Valid() bool {
	return t == DocumentTypeSOAPNote || t.IsFindingsSummary()
}

// Language selects the vocabulary set used by the safety validator
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageSpanish Language = "es"
)

// ValidationStatus is the lifecycle status of a clinical document
type ValidationStatus string

const (
	StatusUnvalidated ValidationStatus = "unvalidated"
	StatusValidated   ValidationStatus = "validated"
	StatusBlocked     ValidationStatus = "blocked"
	StatusReviewed    ValidationStatus = "reviewed"
	StatusSigned      ValidationStatus = "signed"
)

// Valid reports whether s is one of the five lifecycle statuses
func (s ValidationStatus) Valid() bool {
	switch s {
	case StatusUnvalidated, StatusValidated, StatusBlocked, StatusReviewed, StatusSigned:
		return true
	}
	return false
}

// Severity grades a validation finding
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidationFinding is one rule violation reported by the safety validator
type ValidationFinding struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Phrase   string   `json:"phrase,omitempty"`
	Category string   `json:"category,omitempty"`
}

// VitalSigns holds the vital signs recorded in the objective section
type VitalSigns struct {
	TemperatureC     *float64 `json:"temperature_c,omitempty"`
	HeartRate        *float64 `json:"heart_rate,omitempty"`
	RespiratoryRate  *float64 `json:"respiratory_rate,omitempty"`
	SystolicBP       *float64 `json:"systolic_bp,omitempty"`
	DiastolicBP      *float64 `json:"diastolic_bp,omitempty"`
	OxygenSaturation *float64 `json:"oxygen_saturation,omitempty"`
	PainScore        *float64 `json:"pain_score,omitempty"`
}

// Recorded reports whether at least one vital sign is present
func (v *VitalSigns) Recorded() bool {
	if v == nil {
		return false
	}
	return v.TemperatureC != nil || v.HeartRate != nil || v.RespiratoryRate != nil ||
		v.SystolicBP != nil || v.DiastolicBP != nil || v.OxygenSaturation != nil || v.PainScore != nil
}

// Subjective section of a SOAP note
type Subjective struct {
	ChiefComplaint          string   `json:"chief_complaint"`
	HistoryOfPresentIllness string   `json:"history_of_present_illness,omitempty"`
	PastMedicalHistory      []string `json:"past_medical_history,omitempty"`
	Medications             []string `json:"medications,omitempty"`
	Allergies               []string `json:"allergies,omitempty"`
	SocialHistory           string   `json:"social_history,omitempty"`
	FamilyHistory           string   `json:"family_history,omitempty"`
	ReviewOfSystems         []string `json:"review_of_systems,omitempty"`
}

// Objective section of a SOAP note
type Objective struct {
	VitalSigns        *VitalSigns `json:"vital_signs,omitempty"`
	Observations      string      `json:"observations"`
	PhysicalExam      []string    `json:"physical_exam,omitempty"`
	DiagnosticResults []string    `json:"diagnostic_results,omitempty"`
}

// Assessment section of a SOAP note
type Assessment struct {
	ClinicalImpression         string   `json:"clinical_impression"`
	ProblemList                []string `json:"problem_list,omitempty"`
	DifferentialConsiderations []string `json:"differential_considerations,omitempty"`
	ClinicalReasoning          string   `json:"clinical_reasoning,omitempty"`
}

// Plan section of a SOAP note
type Plan struct {
	Summary          string   `json:"summary"`
	Interventions    []string `json:"interventions,omitempty"`
	FollowUp         []string `json:"follow_up,omitempty"`
	PatientEducation []string `json:"patient_education,omitempty"`
	Referrals        []string `json:"referrals,omitempty"`
}

// Findings is the body of an imaging or lab findings summary
type Findings struct {
	Summary      string   `json:"summary"`
	Observations []string `json:"observations,omitempty"`
	Measurements []string `json:"measurements,omitempty"`
}

// NoteContent is the decoded, typed content of one generated document.
// SOAP notes populate the four sections; findings summaries populate
// Findings, Limitations and Disclosure.
type NoteContent struct {
	Type        DocumentType `json:"type"`
	Subjective  *Subjective  `json:"subjective,omitempty"`
	Objective   *Objective   `json:"objective,omitempty"`
	Assessment  *Assessment  `json:"assessment,omitempty"`
	Plan        *Plan        `json:"plan,omitempty"`
	Findings    *Findings    `json:"findings,omitempty"`
	Limitations string       `json:"limitations,omitempty"`
	Disclosure  string       `json:"disclosure,omitempty"`
}

// Clone returns a deep copy of the content
func (c NoteContent) Clone() NoteContent {
	out := c
	if c.Subjective != nil {
		s := *c.Subjective
		s.PastMedicalHistory = cloneStrings(s.PastMedicalHistory)
		s.Medications = cloneStrings(s.Medications)
		s.Allergies = cloneStrings(s.Allergies)
		s.ReviewOfSystems = cloneStrings(s.ReviewOfSystems)
		out.Subjective = &s
	}
	if c.Objective != nil {
		o := *c.Objective
		if o.VitalSigns != nil {
			v := *o.VitalSigns
			o.VitalSigns = &v
		}
		o.PhysicalExam = cloneStrings(o.PhysicalExam)
		o.DiagnosticResults = cloneStrings(o.DiagnosticResults)
		out.Objective = &o
	}
	if c.Assessment != nil {
		a := *c.Assessment
		a.ProblemList = cloneStrings(a.ProblemList)
		a.DifferentialConsiderations = cloneStrings(a.DifferentialConsiderations)
		out.Assessment = &a
	}
	if c.Plan != nil {
		p := *c.Plan
		p.Interventions = cloneStrings(p.Interventions)
		p.FollowUp = cloneStrings(p.FollowUp)
		p.PatientEducation = cloneStrings(p.PatientEducation)
		p.Referrals = cloneStrings(p.Referrals)
		out.Plan = &p
	}
	if c.Findings != nil {
		f := *c.Findings
		f.Observations = cloneStrings(f.Observations)
		f.Measurements = cloneStrings(f.Measurements)
		out.Findings = &f
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// DocumentMetadata carries provenance and review information for a document
type DocumentMetadata struct {
	ModelID            string        `json:"model_id"`
	ModelVersion       string        `json:"model_version,omitempty"`
	GenerationDuration time.Duration `json:"generation_duration"`
	PromptTemplateID   string        `json:"prompt_template_id"`
	Language           Language      `json:"language"`
	ReviewedBy         string        `json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time    `json:"reviewed_at,omitempty"`
	SignedBy           string        `json:"signed_by,omitempty"`
	SignedAt           *time.Time    `json:"signed_at,omitempty"`
	EncryptionScheme   string        `json:"encryption_scheme,omitempty"`
}

// Addendum is an immutable correction attached to a signed document
type Addendum struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	AuthorID      string    `json:"author_id"`
	Body          string    `json:"body"`
	CorrectsField string    `json:"corrects_field,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PatientContext is the encounter data used to build a generation prompt
type PatientContext struct {
	PatientRef       string      `json:"patient_ref,omitempty"`
	AgeYears         int         `json:"age_years"`
	Sex              string      `json:"sex"`
	ChiefComplaint   string      `json:"chief_complaint"`
	VitalSigns       *VitalSigns `json:"vital_signs,omitempty"`
	MedicalHistory   []string    `json:"medical_history,omitempty"`
	Medications      []string    `json:"medications,omitempty"`
	Allergies        []string    `json:"allergies,omitempty"`
	EncounterNotes   string      `json:"encounter_notes,omitempty"`
	ReportedFindings []string    `json:"reported_findings,omitempty"`
}
