package validation

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/medrex/scribe/pkg/types"
)

//go:embed rules.yaml
var defaultRules []byte

// Category groups forbidden phrases by the kind of clinical inference they express
type Category string

const (
	CategoryDiagnostic     Category = "diagnostic"
	CategoryRecommendation Category = "recommendation"
	CategoryHedging        Category = "hedging"
	CategoryComparative    Category = "comparative"
	CategoryRisk           Category = "risk"
)

// Categories lists the vocabulary categories in scan order
var Categories = []Category{
	CategoryDiagnostic,
	CategoryRecommendation,
	CategoryHedging,
	CategoryComparative,
	CategoryRisk,
}

// Disclosure is a versioned canonical statement
type Disclosure struct {
	Version string `mapstructure:"version" json:"version"`
	Text    string `mapstructure:"text" json:"text"`
}

// Profile holds the safety rules for one document type
type Profile struct {
	VitalsAdvisory     bool                                     `mapstructure:"vitals_advisory"`
	RequiresDisclosure bool                                     `mapstructure:"requires_disclosure"`
	Disclosure         map[types.Language]Disclosure            `mapstructure:"disclosure"`
	Vocabulary         map[types.Language]map[Category][]string `mapstructure:"vocabulary"`
}

// Rules is the complete per-document-type rule configuration
type Rules struct {
	Profiles map[types.DocumentType]*Profile `mapstructure:"profiles"`
}

// DefaultRules parses the rule set compiled into the binary
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a rule file; an empty path yields the defaults
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule set and checks it for consistency
func ParseRules(data []byte) (*Rules, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	var rules Rules
	if err := v.Unmarshal(&rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	if err := rules.check(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	return &rules, nil
}

func (r *Rules) check() error {
	if len(r.Profiles) == 0 {
		return fmt.Errorf("no document profiles defined")
	}
	for docType, profile := range r.Profiles {
		if !docType.Valid() {
			return fmt.Errorf("unknown document type %q", docType)
		}
		if profile == nil || len(profile.Vocabulary) == 0 {
			return fmt.Errorf("profile %s has no vocabulary", docType)
		}
		for lang, set := range profile.Vocabulary {
			for category, phrases := range set {
				if !knownCategory(category) {
					return fmt.Errorf("profile %s/%s: unknown category %q", docType, lang, category)
				}
				for _, phrase := range phrases {
					if strings.TrimSpace(phrase) == "" {
						return fmt.Errorf("profile %s/%s/%s: empty phrase", docType, lang, category)
					}
				}
			}
		}
		if profile.RequiresDisclosure {
			for lang := range profile.Vocabulary {
				d, ok := profile.Disclosure[lang]
				if !ok || d.Text == "" {
					return fmt.Errorf("profile %s requires a disclosure for language %s", docType, lang)
				}
			}
		}
	}
	return nil
}

func knownCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Profile returns the profile for a document type
func (r *Rules) Profile(docType types.DocumentType) (*Profile, bool) {
	p, ok := r.Profiles[docType]
	return p, ok
}

// Phrases returns the phrases of one category in configured order
func (p *Profile) Phrases(lang types.Language, category Category) []string {
	return p.Vocabulary[lang][category]
}

// Languages lists the languages configured for the profile, sorted
func (p *Profile) Languages() []types.Language {
	langs := make([]types.Language, 0, len(p.Vocabulary))
	for lang := range p.Vocabulary {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}
