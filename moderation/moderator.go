// Package moderation rewrites abusive message content before it is
// persisted. Matching runs on a normalized view of the text so leet
// substitutions and inserted punctuation don't dodge the filter, while
// replacement happens on the original runes so spacing survives.
package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

const CensorChar = '*'

type Moderator struct {
	matcher      *goahocorasick.Machine
	censoredChar rune
}

// textMapping pairs the normalized runes with the index each one had
// in the original string, so a match in normalized space can be mapped
// back onto the exact original characters.
type textMapping struct {
	normalized []rune
	origIdx    []int
}

// NewModerator builds the Aho-Corasick automaton over the normalized
// word list. Building is the expensive part; Censor itself is a single
// multi-pattern scan. An empty word list yields a pass-through
// moderator: the automaton cannot be built over zero patterns.
func NewModerator(censoredWords []string, censoredChar rune) (Moderator, error) {
	patterns := make([][]rune, 0, len(censoredWords))
	for _, word := range censoredWords {
		if normalized := normalizeRunes([]rune(word)); len(normalized) > 0 {
			patterns = append(patterns, normalized)
		}
	}
	if len(patterns) == 0 {
		return Moderator{censoredChar: censoredChar}, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return Moderator{}, err
	}
	return Moderator{matcher: m, censoredChar: censoredChar}, nil
}

// Censor masks every forbidden span with the censor character. Text
// without a match is returned unchanged, same backing string.
func (m *Moderator) Censor(original string) string {
	if m.matcher == nil {
		return original
	}
	mapping := normalize(original)
	if len(mapping.normalized) == 0 {
		return original
	}

	spans := m.matcher.MultiPatternSearch(mapping.normalized, false)
	if len(spans) == 0 {
		return original
	}

	origRunes := []rune(original)
	for _, span := range spans {
		normStart := span.Pos
		normEnd := normStart + len(span.Word)
		if normStart < 0 || normEnd > len(mapping.origIdx) {
			continue
		}
		// The span covers normalized runes; mask from the first to the
		// last original rune they came from, inclusive.
		origStart := mapping.origIdx[normStart]
		origEnd := mapping.origIdx[normEnd-1] + 1
		for i := origStart; i < origEnd; i++ {
			origRunes[i] = m.censoredChar
		}
	}
	return string(origRunes)
}

// Flagged reports whether the text contains any forbidden pattern,
// without rewriting it.
func (m *Moderator) Flagged(original string) bool {
	if m.matcher == nil {
		return false
	}
	mapping := normalize(original)
	if len(mapping.normalized) == 0 {
		return false
	}
	return len(m.matcher.MultiPatternSearch(mapping.normalized, true)) > 0
}

func normalize(input string) textMapping {
	origRunes := []rune(input)
	norm := make([]rune, 0, len(origRunes))
	origIdx := make([]int, 0, len(origRunes))

	for i, r := range origRunes {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		norm = append(norm, unicode.ToLower(clean))
		origIdx = append(origIdx, i)
	}
	return textMapping{normalized: norm, origIdx: origIdx}
}

func normalizeRunes(input []rune) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

// simplifyRune folds common leet substitutions back onto the letters
// they imitate.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

// isNoise marks runes the matcher should not see at all.
func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
