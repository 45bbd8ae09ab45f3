// Package postprocess normalizes raw completion output before delivery:
// expanded terms are folded back to their in-house abbreviations, and the
// text is segmented into message-sized units.
package postprocess

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Replacement maps an expanded form back to its preferred surface form.
type Replacement struct {
	Surface  string
	FullForm string
}

// Restitute rewrites every whole-word occurrence of a replacement's full
// form to its surface form, case-insensitively. Longer full forms are
// applied first so that overlapping expansions resolve to the most
// specific abbreviation. Text inside words is left alone ("classification"
// never matches a "class" full form). Word boundaries are checked per rune
// rather than with RE2's ASCII \b, so accented and CJK terminology folds
// back too; ideographic runes are self-delimiting since their scripts have
// no word separators.
func Restitute(text string, replacements []Replacement) string {
	if text == "" || len(replacements) == 0 {
		return text
	}

	ordered := make([]Replacement, 0, len(replacements))
	for _, r := range replacements {
		if strings.TrimSpace(r.Surface) == "" || strings.TrimSpace(r.FullForm) == "" {
			continue
		}
		ordered = append(ordered, r)
	}
	sortByFullFormLength(ordered)

	for _, r := range ordered {
		pattern, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(r.FullForm))
		if err != nil {
			continue
		}
		text = replaceWholeWord(text, pattern, r.Surface)
	}
	return text
}

func replaceWholeWord(text string, pattern *regexp.Regexp, surface string) string {
	var b strings.Builder
	last := 0
	for _, loc := range pattern.FindAllStringIndex(text, -1) {
		if loc[0] < last || !isBoundary(text, loc[0], loc[1]) {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(surface)
		last = loc[1]
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// isBoundary reports whether the match at [start, end) stands on word
// boundaries: neither edge rune of the match continues a word together
// with its neighbor outside the match.
func isBoundary(text string, start, end int) bool {
	first, _ := utf8.DecodeRuneInString(text[start:])
	prev, _ := utf8.DecodeLastRuneInString(text[:start])
	if joinsWord(prev, first) {
		return false
	}
	lastRune, _ := utf8.DecodeLastRuneInString(text[:end])
	next, _ := utf8.DecodeRuneInString(text[end:])
	return !joinsWord(lastRune, next)
}

func joinsWord(a, b rune) bool {
	return isWordRune(a) && isWordRune(b)
}

func isWordRune(r rune) bool {
	if unicode.Is(unicode.Ideographic, r) {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func sortByFullFormLength(rs []Replacement) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && len(rs[j].FullForm) > len(rs[j-1].FullForm); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// Segment splits text into delivery units, one per non-blank line. Each
// unit is whitespace-trimmed; blank lines only separate units and never
// produce one. Segmenting an already-segmented unit yields it unchanged.
func Segment(text string) []string {
	var units []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		units = append(units, line)
	}
	return units
}
