// Package validation implements the clinical safety rule engine applied to
// every AI-authored document before it can enter the lifecycle.
package validation

import (
	"fmt"
	"strings"

	"github.com/medrex/scribe/pkg/types"
)

// Rule identifiers reported on findings
const (
	RuleRequiredField       = "required_field"
	RuleVitalSigns          = "vital_signs_advisory"
	RuleForbiddenVocabulary = "forbidden_vocabulary"
	RuleDisclosure          = "disclosure"
	RuleConfiguration       = "configuration"
)

// Outcome summarizes a report for the lifecycle
type Outcome string

const (
	// OutcomeAccepted means no error or critical findings
	OutcomeAccepted Outcome = "accepted"
	// OutcomeIncomplete means error findings only; the caller decides
	// whether to block or regenerate
	OutcomeIncomplete Outcome = "incomplete"
	// OutcomeBlocked means at least one critical finding
	OutcomeBlocked Outcome = "blocked"
)

// Report is the result of one validation run
type Report struct {
	DocumentType types.DocumentType        `json:"document_type"`
	Language     types.Language            `json:"language"`
	Content      types.NoteContent         `json:"content"`
	Findings     []types.ValidationFinding `json:"findings"`
}

// HasCritical reports whether any finding is critical
func (r *Report) HasCritical() bool {
	return r.count(types.SeverityCritical) > 0
}

// HasErrors reports whether any finding has error severity
func (r *Report) HasErrors() bool {
	return r.count(types.SeverityError) > 0
}

// Blocking returns the error and critical findings
func (r *Report) Blocking() []types.ValidationFinding {
	var out []types.ValidationFinding
	for _, f := range r.Findings {
		if f.Severity == types.SeverityError || f.Severity == types.SeverityCritical {
			out = append(out, f)
		}
	}
	return out
}

// Outcome maps the findings to accepted, incomplete or blocked
func (r *Report) Outcome() Outcome {
	switch {
	case r.HasCritical():
		return OutcomeBlocked
	case r.HasErrors():
		return OutcomeIncomplete
	default:
		return OutcomeAccepted
	}
}

// Counts returns the number of findings per severity
func (r *Report) Counts() map[types.Severity]int {
	counts := map[types.Severity]int{}
	for _, f := range r.Findings {
		counts[f.Severity]++
	}
	return counts
}

func (r *Report) count(s types.Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

func (r *Report) add(f types.ValidationFinding) {
	r.Findings = append(r.Findings, f)
}

type matcherKey struct {
	docType types.DocumentType
	lang    types.Language
}

// Validator applies the configured safety rules. It holds no mutable state
// after construction and is safe for concurrent use.
type Validator struct {
	rules    *Rules
	matchers map[matcherKey]*matcher
}

// New creates a validator for a rule set
func New(rules *Rules) *Validator {
	v := &Validator{
		rules:    rules,
		matchers: make(map[matcherKey]*matcher),
	}
	for docType, profile := range rules.Profiles {
		for _, lang := range profile.Languages() {
			v.matchers[matcherKey{docType, lang}] = newMatcher(profile, lang)
		}
	}
	return v
}

// NewDefault creates a validator using the embedded rule set
func NewDefault() (*Validator, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return New(rules), nil
}

// Rules returns the rule set in use
func (v *Validator) Rules() *Rules {
	return v.rules
}

// Validate runs the rules in fixed order: required fields, vital-sign
// advisory, forbidden vocabulary, disclosure. It never edits clinical
// content; the returned report carries a whitespace-normalized copy.
func (v *Validator) Validate(content types.NoteContent, lang types.Language) *Report {
	cleaned := clean(content)
	report := &Report{
		DocumentType: content.Type,
		Language:     lang,
		Content:      cleaned,
		Findings:     []types.ValidationFinding{},
	}

	profile, ok := v.rules.Profile(content.Type)
	if !ok {
		report.add(types.ValidationFinding{
			Field:    "type",
			Message:  fmt.Sprintf("no safety profile configured for document type %q", content.Type),
			Severity: types.SeverityCritical,
			Rule:     RuleConfiguration,
		})
		return report
	}

	checkRequiredFields(report, &cleaned)

	if profile.VitalsAdvisory {
		checkVitalSigns(report, &cleaned)
	}

	canonical, hasCanonical := profile.Disclosure[lang]

	m, ok := v.matchers[matcherKey{content.Type, lang}]
	if !ok {
		report.add(types.ValidationFinding{
			Field:    "language",
			Message:  fmt.Sprintf("no forbidden-vocabulary set configured for language %q", lang),
			Severity: types.SeverityCritical,
			Rule:     RuleConfiguration,
		})
	} else {
		exactDisclosure := hasCanonical && content.Disclosure == canonical.Text
		checkVocabulary(report, &cleaned, m, exactDisclosure)
	}

	if profile.RequiresDisclosure {
		checkDisclosure(report, content.Disclosure, canonical, hasCanonical)
	}

	return report
}

func checkRequiredFields(report *Report, c *types.NoteContent) {
	for _, f := range requiredFields(c) {
		if strings.TrimSpace(f.value) == "" {
			report.add(types.ValidationFinding{
				Field:    f.path,
				Message:  fmt.Sprintf("required field %s is missing or empty", f.label),
				Severity: types.SeverityError,
				Rule:     RuleRequiredField,
			})
		}
	}
}

func checkVitalSigns(report *Report, c *types.NoteContent) {
	if c.Objective != nil && c.Objective.VitalSigns.Recorded() {
		return
	}
	report.add(types.ValidationFinding{
		Field:    "objective.vital_signs",
		Message:  "no vital signs recorded",
		Severity: types.SeverityWarning,
		Rule:     RuleVitalSigns,
	})
}

func checkVocabulary(report *Report, c *types.NoteContent, m *matcher, skipDisclosure bool) {
	scan := func(path, value string) {
		for _, hit := range m.scan(value) {
			report.add(types.ValidationFinding{
				Field:    path,
				Message:  fmt.Sprintf("forbidden %s phrase %q in %s", hit.category, hit.phrase, path),
				Severity: types.SeverityCritical,
				Rule:     RuleForbiddenVocabulary,
				Phrase:   hit.phrase,
				Category: string(hit.category),
			})
		}
	}

	visit(c,
		func(path string, v *string) {
			if path == "disclosure" && skipDisclosure {
				return
			}
			scan(path, *v)
		},
		func(path string, v *[]string) {
			for i, item := range *v {
				scan(fmt.Sprintf("%s[%d]", path, i), item)
			}
		},
	)
}

func checkDisclosure(report *Report, got string, canonical Disclosure, hasCanonical bool) {
	switch {
	case !hasCanonical:
		report.add(types.ValidationFinding{
			Field:    "disclosure",
			Message:  fmt.Sprintf("no canonical disclosure configured for language %q", report.Language),
			Severity: types.SeverityCritical,
			Rule:     RuleConfiguration,
		})
	case got == "":
		report.add(types.ValidationFinding{
			Field:    "disclosure",
			Message:  fmt.Sprintf("mandatory disclosure statement %s is missing", canonical.Version),
			Severity: types.SeverityCritical,
			Rule:     RuleDisclosure,
		})
	case got != canonical.Text:
		report.add(types.ValidationFinding{
			Field:    "disclosure",
			Message:  fmt.Sprintf("disclosure statement does not match canonical text %s exactly", canonical.Version),
			Severity: types.SeverityCritical,
			Rule:     RuleDisclosure,
		})
	}
}
