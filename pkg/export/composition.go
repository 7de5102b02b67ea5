// Package export renders reviewed clinical documents as FHIR R4 Composition
// resources. Only documents that meet the requested authority are exported.
package export

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/medrex/scribe/pkg/lifecycle"
	"github.com/medrex/scribe/pkg/types"
)

// Authority is the level of sign-off the receiving system requires
type Authority string

const (
	// AuthorityFinal requires a signed document
	AuthorityFinal Authority = "final"
	// AuthorityPreliminary accepts a reviewed or signed document
	AuthorityPreliminary Authority = "preliminary"
)

// ParseAuthority maps a query value to an Authority. Empty means final.
func ParseAuthority(s string) (Authority, error) {
	switch Authority(strings.ToLower(strings.TrimSpace(s))) {
	case "", AuthorityFinal:
		return AuthorityFinal, nil
	case AuthorityPreliminary:
		return AuthorityPreliminary, nil
	}
	return "", fmt.Errorf("unknown export authority: %q", s)
}

const loincSystem = "http://loinc.org"

// Coding is a FHIR Coding
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a FHIR CodeableConcept
type CodeableConcept struct {
	Coding []Coding `json:"coding"`
	Text   string   `json:"text,omitempty"`
}

// Reference is a FHIR Reference
type Reference struct {
	Reference string `json:"reference"`
}

// Meta is a FHIR resource Meta
type Meta struct {
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

// Narrative is a FHIR Narrative
type Narrative struct {
	Status string `json:"status"`
	Div    string `json:"div"`
}

// Attester is one attester of a Composition
type Attester struct {
	Mode  string    `json:"mode"`
	Time  string    `json:"time,omitempty"`
	Party Reference `json:"party"`
}

// Section is one Composition section
type Section struct {
	Title string          `json:"title"`
	Code  CodeableConcept `json:"code"`
	Text  Narrative       `json:"text"`
}

// Composition is the subset of the FHIR R4 Composition resource produced on export
type Composition struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Meta         Meta            `json:"meta"`
	Language     string          `json:"language,omitempty"`
	Status       string          `json:"status"`
	Type         CodeableConcept `json:"type"`
	Subject      *Reference      `json:"subject,omitempty"`
	Date         string          `json:"date"`
	Author       []Reference     `json:"author"`
	Title        string          `json:"title"`
	Attester     []Attester      `json:"attester,omitempty"`
	Section      []Section       `json:"section"`
}

var documentCodes = map[types.DocumentType]Coding{
	types.DocumentTypeSOAPNote:       {System: loincSystem, Code: "11506-3", Display: "Progress note"},
	types.DocumentTypeImagingSummary: {System: loincSystem, Code: "18748-4", Display: "Diagnostic imaging study"},
	types.DocumentTypeLabSummary:     {System: loincSystem, Code: "11502-2", Display: "Laboratory report"},
}

var (
	codeSubjective  = Coding{System: loincSystem, Code: "61150-9", Display: "Subjective"}
	codeObjective   = Coding{System: loincSystem, Code: "61149-1", Display: "Objective"}
	codeAssessment  = Coding{System: loincSystem, Code: "51848-0", Display: "Assessment note"}
	codePlan        = Coding{System: loincSystem, Code: "18776-5", Display: "Plan of care note"}
	codeFindings    = Coding{System: loincSystem, Code: "59776-5", Display: "Procedure findings"}
	codeLimitations = Coding{System: loincSystem, Code: "55752-0", Display: "Clinical information"}
	codeDisclosure  = Coding{System: loincSystem, Code: "69730-0", Display: "Instructions"}
	codeAddendum    = Coding{System: loincSystem, Code: "55107-7", Display: "Addendum"}
)

// BuildComposition exports doc at the given authority. Final requires a
// signed document; preliminary accepts reviewed or signed. Anything else
// fails with NOT_EXPORTABLE.
func BuildComposition(doc *lifecycle.ClinicalDocument, authority Authority) (*Composition, error) {
	if err := checkExportable(doc, authority); err != nil {
		return nil, err
	}

	meta := doc.Metadata()
	content := doc.Content()
	docCode, ok := documentCodes[doc.Type()]
	if !ok {
		return nil, types.NewLifecycleError(types.ErrCodeNotExportable,
			fmt.Sprintf("document type %s has no export mapping", doc.Type()), nil)
	}

	comp := &Composition{
		ResourceType: "Composition",
		ID:           doc.ID(),
		Meta: Meta{
			LastUpdated: formatTime(doc.UpdatedAt()),
			Profile:     []string{"http://hl7.org/fhir/StructureDefinition/Composition"},
		},
		Language: string(meta.Language),
		Status:   string(authority),
		Type:     CodeableConcept{Coding: []Coding{docCode}},
		Date:     formatTime(doc.UpdatedAt()),
		Author:   []Reference{{Reference: "Device/" + modelDevice(meta)}},
		Title:    docCode.Display,
	}
	if ref := doc.PatientRef(); ref != "" {
		comp.Subject = &Reference{Reference: "Patient/" + ref}
	}

	if meta.ReviewedBy != "" {
		comp.Attester = append(comp.Attester, Attester{
			Mode:  "professional",
			Time:  formatTimePtr(meta.ReviewedAt),
			Party: Reference{Reference: "Practitioner/" + meta.ReviewedBy},
		})
	}
	if meta.SignedBy != "" {
		comp.Attester = append(comp.Attester, Attester{
			Mode:  "legal",
			Time:  formatTimePtr(meta.SignedAt),
			Party: Reference{Reference: "Practitioner/" + meta.SignedBy},
		})
	}

	if doc.Type().IsFindingsSummary() {
		comp.Section = findingsSections(content)
	} else {
		comp.Section = soapSections(content)
	}
	for _, a := range doc.Addenda() {
		comp.Section = append(comp.Section, addendumSection(a))
	}
	return comp, nil
}

func checkExportable(doc *lifecycle.ClinicalDocument, authority Authority) error {
	status := doc.Status()
	var ok bool
	switch authority {
	case AuthorityFinal:
		ok = status == types.StatusSigned
	case AuthorityPreliminary:
		ok = status == types.StatusReviewed || status == types.StatusSigned
	default:
		return types.NewLifecycleError(types.ErrCodeNotExportable,
			fmt.Sprintf("unknown export authority %q", authority), nil)
	}
	if !ok {
		return types.NewLifecycleError(types.ErrCodeNotExportable,
			fmt.Sprintf("a %s document cannot be exported as %s", status, authority),
			map[string]interface{}{"status": string(status), "authority": string(authority)})
	}
	return nil
}

func modelDevice(meta types.DocumentMetadata) string {
	if meta.ModelID == "" {
		return "unknown-model"
	}
	return meta.ModelID
}

func soapSections(c types.NoteContent) []Section {
	var sections []Section
	if s := c.Subjective; s != nil {
		sections = append(sections, section("Subjective", codeSubjective,
			entry("Chief complaint", s.ChiefComplaint),
			entry("History of present illness", s.HistoryOfPresentIllness),
			list("Past medical history", s.PastMedicalHistory),
			list("Medications", s.Medications),
			list("Allergies", s.Allergies),
			entry("Social history", s.SocialHistory),
			entry("Family history", s.FamilyHistory),
			list("Review of systems", s.ReviewOfSystems),
		))
	}
	if o := c.Objective; o != nil {
		sections = append(sections, section("Objective", codeObjective,
			entry("Vital signs", vitals(o.VitalSigns)),
			entry("Observations", o.Observations),
			list("Physical exam", o.PhysicalExam),
			list("Diagnostic results", o.DiagnosticResults),
		))
	}
	if a := c.Assessment; a != nil {
		sections = append(sections, section("Assessment", codeAssessment,
			entry("Clinical impression", a.ClinicalImpression),
			list("Problem list", a.ProblemList),
			list("Differential considerations", a.DifferentialConsiderations),
			entry("Clinical reasoning", a.ClinicalReasoning),
		))
	}
	if p := c.Plan; p != nil {
		sections = append(sections, section("Plan", codePlan,
			entry("Summary", p.Summary),
			list("Interventions", p.Interventions),
			list("Follow-up", p.FollowUp),
			list("Patient education", p.PatientEducation),
			list("Referrals", p.Referrals),
		))
	}
	return sections
}

func findingsSections(c types.NoteContent) []Section {
	var sections []Section
	if f := c.Findings; f != nil {
		sections = append(sections, section("Findings", codeFindings,
			entry("Summary", f.Summary),
			list("Observations", f.Observations),
			list("Measurements", f.Measurements),
		))
	}
	if c.Limitations != "" {
		sections = append(sections, section("Limitations", codeLimitations, entry("", c.Limitations)))
	}
	if c.Disclosure != "" {
		sections = append(sections, section("Disclosure", codeDisclosure, entry("", c.Disclosure)))
	}
	return sections
}

func addendumSection(a types.Addendum) Section {
	title := "Addendum " + formatTime(a.CreatedAt)
	return section(title, codeAddendum,
		entry("Author", a.AuthorID),
		entry("Corrects", a.CorrectsField),
		entry("", a.Body),
	)
}

// section renders non-empty parts as an xhtml narrative
func section(title string, code Coding, parts ...string) Section {
	var b strings.Builder
	b.WriteString(`<div xmlns="http://www.w3.org/1999/xhtml">`)
	for _, p := range parts {
		b.WriteString(p)
	}
	b.WriteString(`</div>`)
	return Section{
		Title: title,
		Code:  CodeableConcept{Coding: []Coding{code}},
		Text:  Narrative{Status: "generated", Div: b.String()},
	}
}

func entry(label, value string) string {
	if value == "" {
		return ""
	}
	if label == "" {
		return "<p>" + html.EscapeString(value) + "</p>"
	}
	return "<p><b>" + html.EscapeString(label) + ":</b> " + html.EscapeString(value) + "</p>"
}

func list(label string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<p><b>" + html.EscapeString(label) + ":</b></p><ul>")
	for _, item := range items {
		b.WriteString("<li>" + html.EscapeString(item) + "</li>")
	}
	b.WriteString("</ul>")
	return b.String()
}

func vitals(v *types.VitalSigns) string {
	if !v.Recorded() {
		return ""
	}
	var parts []string
	add := func(label string, value *float64, unit string) {
		if value != nil {
			parts = append(parts, label+" "+strconv.FormatFloat(*value, 'f', -1, 64)+unit)
		}
	}
	add("T", v.TemperatureC, " C")
	add("HR", v.HeartRate, "/min")
	add("RR", v.RespiratoryRate, "/min")
	add("SBP", v.SystolicBP, " mmHg")
	add("DBP", v.DiastolicBP, " mmHg")
	add("SpO2", v.OxygenSaturation, "%")
	add("Pain", v.PainScore, "/10")
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
