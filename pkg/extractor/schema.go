package extractor

import (
	"encoding/json"

	"github.com/medrex/scribe/pkg/types"
)

// section decodes a nested object into a freshly allocated T and hands it to
// assign only when decoding succeeds.
func section[T any](assign func(*T), schema func(*T) objectSchema) fieldDecoder {
	return func(path string, raw json.RawMessage) error {
		if isNull(raw) {
			return nil
		}
		v := new(T)
		if err := schema(v).decode(path, raw); err != nil {
			return err
		}
		assign(v)
		return nil
	}
}

func soapNoteSchema(c *types.NoteContent) objectSchema {
	return objectSchema{
		"subjective": section(func(s *types.Subjective) { c.Subjective = s }, subjectiveSchema),
		"objective":  section(func(o *types.Objective) { c.Objective = o }, objectiveSchema),
		"assessment": section(func(a *types.Assessment) { c.Assessment = a }, assessmentSchema),
		"plan":       section(func(p *types.Plan) { c.Plan = p }, planSchema),
	}
}

func findingsSummarySchema(c *types.NoteContent) objectSchema {
	return objectSchema{
		"findings":    section(func(f *types.Findings) { c.Findings = f }, findingsSchema),
		"limitations": stringField(&c.Limitations),
		"disclosure":  stringField(&c.Disclosure),
	}
}

func subjectiveSchema(s *types.Subjective) objectSchema {
	return objectSchema{
		"chief_complaint":            stringField(&s.ChiefComplaint),
		"history_of_present_illness": stringField(&s.HistoryOfPresentIllness),
		"past_medical_history":       stringListField(&s.PastMedicalHistory),
		"medications":                stringListField(&s.Medications),
		"allergies":                  stringListField(&s.Allergies),
		"social_history":             stringField(&s.SocialHistory),
		"family_history":             stringField(&s.FamilyHistory),
		"review_of_systems":          stringListField(&s.ReviewOfSystems),
	}
}

func objectiveSchema(o *types.Objective) objectSchema {
	return objectSchema{
		"vital_signs":        section(func(v *types.VitalSigns) { o.VitalSigns = v }, vitalSignsSchema),
		"observations":       stringField(&o.Observations),
		"physical_exam":      stringListField(&o.PhysicalExam),
		"diagnostic_results": stringListField(&o.DiagnosticResults),
	}
}

func vitalSignsSchema(v *types.VitalSigns) objectSchema {
	return objectSchema{
		"temperature_c":     numberField(&v.TemperatureC),
		"heart_rate":        numberField(&v.HeartRate),
		"respiratory_rate":  numberField(&v.RespiratoryRate),
		"systolic_bp":       numberField(&v.SystolicBP),
		"diastolic_bp":      numberField(&v.DiastolicBP),
		"oxygen_saturation": numberField(&v.OxygenSaturation),
		"pain_score":        numberField(&v.PainScore),
	}
}

func assessmentSchema(a *types.Assessment) objectSchema {
	return objectSchema{
		"clinical_impression":         stringField(&a.ClinicalImpression),
		"problem_list":                stringListField(&a.ProblemList),
		"differential_considerations": stringListField(&a.DifferentialConsiderations),
		"clinical_reasoning":          stringField(&a.ClinicalReasoning),
	}
}

func planSchema(p *types.Plan) objectSchema {
	return objectSchema{
		"summary":           stringField(&p.Summary),
		"interventions":     stringListField(&p.Interventions),
		"follow_up":         stringListField(&p.FollowUp),
		"patient_education": stringListField(&p.PatientEducation),
		"referrals":         stringListField(&p.Referrals),
	}
}

func findingsSchema(f *types.Findings) objectSchema {
	return objectSchema{
		"summary":      stringField(&f.Summary),
		"observations": stringListField(&f.Observations),
		"measurements": stringListField(&f.Measurements),
	}
}
