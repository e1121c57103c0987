package reconcile

import "strings"

// MinDestinationDigits is the shortest digit run treated as a legible
// destination. Shorter fragments are substrings of almost anything.
const MinDestinationDigits = 4

// DigitsOnly drops every character that is not an ASCII digit.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LegibleDestination reports whether raw carries enough digits to be
// compared against an allow-set.
func LegibleDestination(raw string) bool {
	return len(DigitsOnly(raw)) >= MinDestinationDigits
}

// DestinationMatches reports whether the digits read from a receipt are a
// substring of some accepted entry or the other way round. OCR often
// truncates phone-style identifiers, so containment in either direction
// counts.
func DestinationMatches(read string, accepted []string) bool {
	digits := DigitsOnly(read)
	if digits == "" {
		return false
	}
	for _, entry := range accepted {
		want := DigitsOnly(entry)
		if want == "" {
			continue
		}
		if strings.Contains(want, digits) || strings.Contains(digits, want) {
			return true
		}
	}
	return false
}
