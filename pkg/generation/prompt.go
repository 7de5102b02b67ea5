package generation

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/medrex/scribe/pkg/types"
)

// Prompt template identifiers recorded in document metadata
const (
	TemplateSOAP     = "soap-v1"
	TemplateFindings = "findings-v1"
)

// Prompt is a rendered model prompt
type Prompt struct {
	TemplateID string
	Text       string
}

// PromptOptions carries the per-request inputs that are not patient data
type PromptOptions struct {
	Language types.Language
	// Disclosure is the canonical statement a findings summary must repeat
	Disclosure string
}

var languageNames = map[types.Language]string{
	types.LanguageEnglish: "English",
	types.LanguageSpanish: "Spanish",
}

const safetyRules = `Rules:
- Describe only what was reported by the patient or observed during the encounter.
- Do not name or suggest diagnoses.
- Do not recommend, advise, or propose treatments, tests, or follow-up.
- Do not express likelihood or uncertainty about conditions.
- Do not compare with prior results or describe trends.
- Do not assess risk or urgency.
- Respond with exactly one JSON object and nothing else.`

var soapTemplate = template.Must(template.New(TemplateSOAP).Funcs(promptFuncs).Parse(`You are documenting a clinical encounter as a SOAP note for clinician review.
Write all text values in {{ .Language }}.

Patient: {{ .Patient.AgeYears }}-year-old, sex {{ orUnknown .Patient.Sex }}
Chief complaint: {{ orUnknown .Patient.ChiefComplaint }}
{{- with .Vitals }}
Vital signs: {{ . }}
{{- end }}
{{- with .Patient.MedicalHistory }}
Medical history: {{ join . }}
{{- end }}
{{- with .Patient.Medications }}
Medications: {{ join . }}
{{- end }}
{{- with .Patient.Allergies }}
Allergies: {{ join . }}
{{- end }}
{{- with .Patient.EncounterNotes }}
Encounter notes: {{ . }}
{{- end }}

` + safetyRules + `

The JSON object has exactly these keys:
{"subjective": {"chief_complaint": string, "history_of_present_illness": string, "past_medical_history": [string], "medications": [string], "allergies": [string], "social_history": string, "family_history": string, "review_of_systems": [string]},
 "objective": {"vital_signs": {"temperature_c": number, "heart_rate": number, "respiratory_rate": number, "systolic_bp": number, "diastolic_bp": number, "oxygen_saturation": number, "pain_score": number}, "observations": string, "physical_exam": [string], "diagnostic_results": [string]},
 "assessment": {"clinical_impression": string, "problem_list": [string], "differential_considerations": [string], "clinical_reasoning": string},
 "plan": {"summary": string, "interventions": [string], "follow_up": [string], "patient_education": [string], "referrals": [string]}}
chief_complaint, observations, clinical_impression and summary are required. Omit anything that was not provided.
`))

var findingsTemplate = template.Must(template.New(TemplateFindings).Funcs(promptFuncs).Parse(`You are writing a descriptive {{ .Kind }} summary for clinician review.
Write all text values in {{ .Language }}.

Patient: {{ .Patient.AgeYears }}-year-old, sex {{ orUnknown .Patient.Sex }}
{{- with .Patient.ReportedFindings }}
Reported findings:
{{- range . }}
- {{ . }}
{{- end }}
{{- end }}
{{- with .Patient.EncounterNotes }}
Notes: {{ . }}
{{- end }}

` + safetyRules + `
- Describe findings without labelling them normal or abnormal.

The JSON object has exactly these keys:
{"findings": {"summary": string, "observations": [string], "measurements": [string]}, "limitations": string, "disclosure": string}
findings.summary is required. The disclosure value must be exactly the following text, unchanged:
{{ .Disclosure }}
`))

var promptFuncs = template.FuncMap{
	"join": func(items []string) string { return strings.Join(items, "; ") },
	"orUnknown": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "not provided"
		}
		return s
	},
}

type promptData struct {
	Patient    types.PatientContext
	Language   string
	Kind       string
	Vitals     string
	Disclosure string
}

// BuildPrompt renders the prompt for one document type. The same input
// always yields the same prompt.
func BuildPrompt(pc types.PatientContext, docType types.DocumentType, opts PromptOptions) (Prompt, error) {
	lang := opts.Language
	if lang == "" {
		lang = types.LanguageEnglish
	}
	langName, ok := languageNames[lang]
	if !ok {
		return Prompt{}, fmt.Errorf("unsupported language: %s", lang)
	}

	data := promptData{
		Patient:    pc,
		Language:   langName,
		Vitals:     formatVitals(pc.VitalSigns),
		Disclosure: opts.Disclosure,
	}

	var tmpl *template.Template
	switch docType {
	case types.DocumentTypeSOAPNote:
		tmpl = soapTemplate
	case types.DocumentTypeImagingSummary, types.DocumentTypeLabSummary:
		if opts.Disclosure == "" {
			return Prompt{}, fmt.Errorf("%s prompts need the canonical disclosure", docType)
		}
		tmpl = findingsTemplate
		data.Kind = "imaging"
		if docType == types.DocumentTypeLabSummary {
			data.Kind = "laboratory"
		}
	default:
		return Prompt{}, fmt.Errorf("unknown document type: %s", docType)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return Prompt{}, fmt.Errorf("failed to render prompt: %w", err)
	}
	return Prompt{TemplateID: tmpl.Name(), Text: b.String()}, nil
}

func formatVitals(v *types.VitalSigns) string {
	if !v.Recorded() {
		return ""
	}
	var parts []string
	add := func(label string, value *float64, unit string) {
		if value != nil {
			parts = append(parts, label+" "+strconv.FormatFloat(*value, 'f', -1, 64)+unit)
		}
	}
	add("temperature", v.TemperatureC, " C")
	add("heart rate", v.HeartRate, "/min")
	add("respiratory rate", v.RespiratoryRate, "/min")
	if v.SystolicBP != nil && v.DiastolicBP != nil {
		parts = append(parts, "blood pressure "+strconv.FormatFloat(*v.SystolicBP, 'f', -1, 64)+"/"+
			strconv.FormatFloat(*v.DiastolicBP, 'f', -1, 64)+" mmHg")
	} else {
		add("systolic pressure", v.SystolicBP, " mmHg")
		add("diastolic pressure", v.DiastolicBP, " mmHg")
	}
	add("oxygen saturation", v.OxygenSaturation, "%")
	add("pain score", v.PainScore, "/10")
	return strings.Join(parts, ", ")
}
