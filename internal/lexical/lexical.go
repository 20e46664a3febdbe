// Package lexical provides the text similarity measures shared by item
// resolution and confirmation: filler-stripped token overlap, Jaro-Winkler
// string similarity and Double Metaphone sound-alike detection.
//
// Inputs are case-folded and accent-folded before comparison, so "Jalapeño"
// and "jalapeno" tokenize identically.
package lexical

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fillers carry no item identity and are dropped before tokenizing.
var fillers = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "some": {}, "more": {},
	"please": {}, "my": {}, "our": {}, "and": {}, "for": {}, "to": {},
	"any": {}, "that": {}, "this": {}, "those": {}, "these": {},
	"extra": {}, "another": {}, "few": {}, "couple": {},
}

// Fold lower-cases s, strips diacritics and replaces every rune that is not
// a letter or digit with a space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, folded)
}

// Tokens returns the folded, filler-free tokens of s in order.
func Tokens(s string) []string {
	fields := strings.Fields(Fold(s))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := fillers[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Normalize returns the tokens of s joined by single spaces.
func Normalize(s string) string {
	return strings.Join(Tokens(s), " ")
}

// TokenSimilarity is |A ∩ B| / max(|A|, |B|) over the distinct tokens of a
// and b. It is 0 when either side has no tokens.
func TokenSimilarity(a, b string) float64 {
	ta, tb := set(Tokens(a)), set(Tokens(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(max(len(ta), len(tb)))
}

// Similarity combines token overlap with character-level Jaro-Winkler on
// the normalized strings and returns the larger of the two.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	score := TokenSimilarity(a, b)
	if jw := matchr.JaroWinkler(na, nb, false); jw > score {
		score = jw
	}
	ca, cb := strings.ReplaceAll(na, " ", ""), strings.ReplaceAll(nb, " ", "")
	if jw := matchr.JaroWinkler(ca, cb, false); jw > score {
		score = jw
	}
	return score
}

// SoundsAlike reports whether every token of the shorter phrase shares a
// Double Metaphone code with some token of the other phrase.
func SoundsAlike(a, b string) bool {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	codes := codesForTokens(tb)
	for _, t := range ta {
		if !overlaps(codesForTokens([]string{t}), codes) {
			return false
		}
	}
	return true
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func set(tokens []string) map[string]struct{} {
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}
