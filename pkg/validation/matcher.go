package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/medrex/scribe/pkg/types"
)

type phrase struct {
	text     string
	folded   string
	category Category
}

// matcher finds whole-phrase, case-insensitive occurrences of a fixed phrase list
type matcher struct {
	phrases []phrase
}

type match struct {
	phrase   string
	category Category
}

func newMatcher(profile *Profile, lang types.Language) *matcher {
	m := &matcher{}
	for _, category := range Categories {
		for _, p := range profile.Phrases(lang, category) {
			m.phrases = append(m.phrases, phrase{
				text:     p,
				folded:   normalize(p),
				category: category,
			})
		}
	}
	return m
}

// scan returns each configured phrase present in text, once, in vocabulary order
func (m *matcher) scan(text string) []match {
	if text == "" {
		return nil
	}
	folded := normalize(text)

	var found []match
	for _, p := range m.phrases {
		if containsPhrase(folded, p.folded) {
			found = append(found, match{phrase: p.text, category: p.category})
		}
	}
	return found
}

// normalize composes s to NFC, lower-cases it and collapses whitespace
// runs to single spaces, so decomposed accents match their composed forms
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(norm.NFC.String(s))), " ")
}

func containsPhrase(text, p string) bool {
	if p == "" {
		return false
	}
	offset := 0
	for {
		i := strings.Index(text[offset:], p)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(p)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}
