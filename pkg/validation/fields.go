package validation

import (
	"strings"

	"github.com/medrex/scribe/pkg/types"
)

// visit calls str for every free-text field and list for every list field of
// c, in document order. Sections that are absent are skipped.
func visit(c *types.NoteContent, str func(path string, v *string), list func(path string, v *[]string)) {
	if s := c.Subjective; s != nil {
		str("subjective.chief_complaint", &s.ChiefComplaint)
		str("subjective.history_of_present_illness", &s.HistoryOfPresentIllness)
		list("subjective.past_medical_history", &s.PastMedicalHistory)
		list("subjective.medications", &s.Medications)
		list("subjective.allergies", &s.Allergies)
		str("subjective.social_history", &s.SocialHistory)
		str("subjective.family_history", &s.FamilyHistory)
		list("subjective.review_of_systems", &s.ReviewOfSystems)
	}
	if o := c.Objective; o != nil {
		str("objective.observations", &o.Observations)
		list("objective.physical_exam", &o.PhysicalExam)
		list("objective.diagnostic_results", &o.DiagnosticResults)
	}
	if a := c.Assessment; a != nil {
		str("assessment.clinical_impression", &a.ClinicalImpression)
		list("assessment.problem_list", &a.ProblemList)
		list("assessment.differential_considerations", &a.DifferentialConsiderations)
		str("assessment.clinical_reasoning", &a.ClinicalReasoning)
	}
	if p := c.Plan; p != nil {
		str("plan.summary", &p.Summary)
		list("plan.interventions", &p.Interventions)
		list("plan.follow_up", &p.FollowUp)
		list("plan.patient_education", &p.PatientEducation)
		list("plan.referrals", &p.Referrals)
	}
	if f := c.Findings; f != nil {
		str("findings.summary", &f.Summary)
		list("findings.observations", &f.Observations)
		list("findings.measurements", &f.Measurements)
	}
	str("limitations", &c.Limitations)
	str("disclosure", &c.Disclosure)
}

// requiredField is the mandatory narrative field of one section
type requiredField struct {
	path  string
	label string
	value string
}

func requiredFields(c *types.NoteContent) []requiredField {
	if c.Type.IsFindingsSummary() {
		var summary string
		if c.Findings != nil {
			summary = c.Findings.Summary
		}
		return []requiredField{{"findings.summary", "findings summary", summary}}
	}

	var cc, obs, impression, plan string
	if c.Subjective != nil {
		cc = c.Subjective.ChiefComplaint
	}
	if c.Objective != nil {
		obs = c.Objective.Observations
	}
	if c.Assessment != nil {
		impression = c.Assessment.ClinicalImpression
	}
	if c.Plan != nil {
		plan = c.Plan.Summary
	}
	return []requiredField{
		{"subjective.chief_complaint", "chief complaint", cc},
		{"objective.observations", "objective observations", obs},
		{"assessment.clinical_impression", "clinical impression", impression},
		{"plan.summary", "plan summary", plan},
	}
}

// clean returns a copy of c with surrounding whitespace trimmed and empty
// list entries dropped. The disclosure is left untouched because it is
// compared byte for byte.
func clean(c types.NoteContent) types.NoteContent {
	out := c.Clone()
	visit(&out,
		func(path string, v *string) {
			if path == "disclosure" {
				return
			}
			*v = strings.TrimSpace(*v)
		},
		func(path string, v *[]string) {
			if *v == nil {
				return
			}
			kept := make([]string, 0, len(*v))
			for _, item := range *v {
				if item = strings.TrimSpace(item); item != "" {
					kept = append(kept, item)
				}
			}
			*v = kept
		},
	)
	return out
}
