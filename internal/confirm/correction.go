package confirm

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/MrWong99/larder/pkg/inventory"
)

// MistakeType tags what a confirmation reply changed.
type MistakeType string

const (
	// MistakeQuantity marks a reply that corrected the quantity.
	MistakeQuantity MistakeType = "quantity"

	// MistakeMultiple marks a plain affirmation; the command is unchanged.
	MistakeMultiple MistakeType = "multiple"
)

// Correction is the result of a confirmation reply that keeps the command.
type Correction struct {
	Command     inventory.Command `json:"command"`
	MistakeType MistakeType       `json:"mistakeType"`
}

var affirmations = map[string]struct{}{
	"yes": {}, "yeah": {}, "yep": {}, "yup": {}, "correct": {}, "right": {},
	"confirm": {}, "confirmed": {}, "sure": {}, "ok": {}, "okay": {},
	"affirmative": {}, "exactly": {}, "absolutely": {}, "definitely": {},
}

var negations = map[string]struct{}{
	"no": {}, "nope": {}, "nah": {}, "cancel": {}, "stop": {}, "wrong": {},
	"incorrect": {}, "negative": {}, "don't": {}, "dont": {}, "not": {},
	"never": {}, "abort": {},
}

// ProcessVoiceCorrection interprets a spoken reply to a confirmation prompt.
//
// A reply naming a different quantity, as digits or words, returns the
// command with that quantity and [MistakeQuantity]. An affirmation returns
// the command unchanged with [MistakeMultiple]. A negative or unrecognized
// reply returns nil, which cancels the command.
func ProcessVoiceCorrection(cmd inventory.Command, utterance string) *Correction {
	words := replyWords(utterance)
	if len(words) == 0 {
		return nil
	}

	if n, ok := findNumber(words); ok {
		if cur, has := cmd.Amount(); has && cur == n && !hasAny(words, negations) {
			return &Correction{Command: cmd, MistakeType: MistakeMultiple}
		}
		corrected := cmd
		corrected.Quantity = inventory.Qty(n)
		return &Correction{Command: corrected, MistakeType: MistakeQuantity}
	}

	if hasAny(words, negations) {
		return nil
	}
	if hasAny(words, affirmations) || hasPhrase(words, "go", "ahead") || hasPhrase(words, "do", "it") {
		return &Correction{Command: cmd, MistakeType: MistakeMultiple}
	}
	return nil
}

// replyWords lower-cases s and splits it into words. Digits keep their
// decimal point and apostrophes stay inside words.
func replyWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '\''
	})
}

func hasAny(words []string, set map[string]struct{}) bool {
	for _, w := range words {
		if _, ok := set[strings.Trim(w, ".")]; ok {
			return true
		}
	}
	return false
}

func hasPhrase(words []string, a, b string) bool {
	for i := 0; i+1 < len(words); i++ {
		if strings.Trim(words[i], ".") == a && strings.Trim(words[i+1], ".") == b {
			return true
		}
	}
	return false
}

// ── Numerals ─────────────────────────────────────────────────────────────────

var smallNumbers = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19, "twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var multipliers = map[string]float64{
	"dozen": 12, "hundred": 100, "thousand": 1000,
}

// referents precede a "one" that names a thing rather than a count, as in
// "the other one".
var referents = map[string]struct{}{
	"the": {}, "other": {}, "that": {}, "this": {}, "which": {}, "another": {}, "same": {},
}

// findNumber returns the first numeral in words that is not negated: a digit
// token, or a run of number words such as "twenty five" or "two hundred and
// ten". A numeral directly after "not" is skipped, so "not two, three"
// yields 3.
func findNumber(words []string) (float64, bool) {
	for i := 0; i < len(words); {
		n, next, ok := numeralAt(words, i)
		if !ok {
			i++
			continue
		}
		prev := ""
		if i > 0 {
			prev = strings.Trim(words[i-1], ".")
		}
		_, referent := referents[prev]
		switch {
		case prev == "not":
		case referent && next == i+1 && strings.Trim(words[i], ".") == "one":
		default:
			return n, true
		}
		i = next
	}
	return 0, false
}

// numeralAt parses the numeral starting at words[i] and returns its value
// and the index just past it.
func numeralAt(words []string, i int) (float64, int, bool) {
	w := strings.Trim(words[i], ".")
	if w == "" {
		return 0, i, false
	}
	if unicode.IsDigit(rune(w[0])) {
		n, err := strconv.ParseFloat(w, 64)
		return n, i + 1, err == nil
	}
	if w == "a" && i+1 < len(words) {
		if _, ok := multipliers[strings.Trim(words[i+1], ".")]; ok {
			n, used := spelled(words[i+1:], 1)
			return n, i + 1 + used, true
		}
		return 0, i, false
	}
	_, small := smallNumbers[w]
	_, mult := multipliers[w]
	if !small && !mult {
		return 0, i, false
	}
	n, used := spelled(words[i:], 0)
	return n, i + used, true
}

// numberKind classifies a number word for run building: units are zero to
// nine, teens ten to nineteen, tens twenty to ninety.
type numberKind int

const (
	kindNone numberKind = iota
	kindUnit
	kindTeen
	kindTens
	kindMultiplier
)

func kindOf(n float64) numberKind {
	switch {
	case n < 10:
		return kindUnit
	case n < 20:
		return kindTeen
	default:
		return kindTens
	}
}

// spelled evaluates the leading run of number words, starting from a
// pending count (1 for "a dozen"). It returns the value and the number of
// words consumed. Only a tens word followed by a unit combines ("twenty
// five"); two adjacent units or teens end the run, so "three four" is 3.
func spelled(words []string, start float64) (float64, int) {
	total, current := 0.0, start
	last := kindNone
	if start > 0 {
		last = kindUnit
	}
	used := 0
	for _, raw := range words {
		w := strings.Trim(raw, ".")
		if n, ok := smallNumbers[w]; ok {
			k := kindOf(n)
			switch last {
			case kindNone, kindMultiplier:
			case kindTens:
				if k != kindUnit {
					return total + current, used
				}
			default:
				return total + current, used
			}
			current += n
			last = k
			used++
			continue
		}
		if m, ok := multipliers[w]; ok {
			if last == kindMultiplier && m <= 100 {
				return total + current, used
			}
			if current == 0 {
				current = 1
			}
			current *= m
			if m >= 1000 {
				total += current
				current = 0
			}
			last = kindMultiplier
			used++
			continue
		}
		if w == "and" && last == kindMultiplier && used+1 < len(words) {
			if _, ok := smallNumbers[strings.Trim(words[used+1], ".")]; ok {
				used++
				continue
			}
		}
		break
	}
	return total + current, used
}
