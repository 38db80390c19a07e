package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeName lowercases a person/label name and removes all whitespace and
// punctuation so that "Dr. Jane  Doe" and "dr jane doe" compare equal.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = whitespaceRegex.ReplaceAllString(name, "")
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '@' {
			return r
		}
		return -1
	}, name)
}

// MatchName reports whether any of matchers occurs in text once both are
// normalized. Matchers that normalize to nothing never match.
func MatchName(text string, matchers []string) bool {
	text = NormalizeName(text)
	for _, m := range matchers {
		m = NormalizeName(m)
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// CollapseSpace trims s and replaces every run of whitespace with a single space.
func CollapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}
