// Package reconcile compares what was read off a receipt against what the
// caller expected: amounts, dates, times and destination accounts.
package reconcile

import (
	"math"
	"strconv"
	"strings"
)

// shorthandLimit is the bound below which an expected amount is read as
// thousands shorthand ("45" meaning 45.000) when the convention is enabled.
const shorthandLimit = 1000

// scalePenalty is added to the diff of every scaled reading so that an exact
// tie is resolved in favour of the value as it was read.
const scalePenalty = 0.5

// Scales are the multiplicative factors tried against a read amount.
var Scales = []int64{1, 10, 100, 1000}

// Tolerance controls how far a read amount may drift from the expected one.
type Tolerance struct {
	Floor int64   // minimum absolute tolerance
	Pct   float64 // fraction of the expected amount
}

// For returns the absolute tolerance for an expected amount.
func (t Tolerance) For(expected int64) int64 {
	pct := int64(math.Round(float64(expected) * t.Pct))
	if pct > t.Floor {
		return pct
	}
	return t.Floor
}

// AmountComparison is the outcome of CompareAmounts. Expected, Read and
// BestReading are nil when either side could not be parsed.
type AmountComparison struct {
	OK          bool   `json:"ok"`
	Expected    *int64 `json:"expected"`
	Read        *int64 `json:"read"`
	BestReading *int64 `json:"best_reading"`
	BestScale   int64  `json:"best_scale"`
	Diff        *int64 `json:"diff"`
	Tolerance   int64  `json:"tolerance"`
}

// ParseAmount strips every non-digit character and parses the rest as an
// unsigned integer. Fractional currency units are not supported.
func ParseAmount(raw string) (int64, bool) {
	digits := DigitsOnly(raw)
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NormalizeExpectedAmount parses the caller's expected amount the same way
// ParseAmount reads a receipt, so "45.000" and "45,000" are both 45000.
// Negative amounts fail. With the shorthand convention, values below 1000
// are taken as thousands.
func NormalizeExpectedAmount(raw string, shorthand bool) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "-") {
		return 0, false
	}
	n, ok := ParseAmount(raw)
	if !ok {
		return 0, false
	}
	if shorthand && n > 0 && n < shorthandLimit {
		n *= 1000
	}
	return n, true
}

// CompareAmounts checks a read amount against the expected amount, trying
// every scale in Scales and keeping the one with the smallest diff. Scales
// that would overflow the read amount are skipped.
func CompareAmounts(readRaw, expectedRaw string, tol Tolerance) AmountComparison {
	read, okRead := ParseAmount(readRaw)
	expected, okExpected := ParseAmount(expectedRaw)
	if !okRead || !okExpected {
		return AmountComparison{}
	}

	tolerance := tol.For(expected)
	var (
		bestScale int64
		bestDiff  int64
		bestScore = math.Inf(1)
	)
	for _, scale := range Scales {
		if read > math.MaxInt64/scale {
			continue
		}
		diff := abs(read*scale - expected)
		score := float64(diff)
		if scale > 1 {
			score += scalePenalty
		}
		if score < bestScore {
			bestScore = score
			bestScale = scale
			bestDiff = diff
		}
	}

	best := read * bestScale
	return AmountComparison{
		OK:          bestDiff <= tolerance,
		Expected:    &expected,
		Read:        &read,
		BestReading: &best,
		BestScale:   bestScale,
		Diff:        &bestDiff,
		Tolerance:   tolerance,
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
