package reconcile

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	isoDatePattern = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	dmyDatePattern = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{4})$`)
	timePattern    = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

// NormalizeDate returns s as an ISO YYYY-MM-DD date. It accepts ISO dates
// and day-first DD/MM/YYYY or DD-MM-YYYY. Impossible calendar dates fail.
func NormalizeDate(s string) (string, bool) {
	var iso string
	if m := isoDatePattern.FindStringSubmatch(s); m != nil {
		iso = s
	} else if m := dmyDatePattern.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		iso = fmt.Sprintf("%s-%02d-%02d", m[3], month, day)
	} else {
		return "", false
	}

	if _, err := time.Parse("2006-01-02", iso); err != nil {
		return "", false
	}
	return iso, true
}

// NormalizeTime returns s as HH:MM, padding a single-digit hour.
func NormalizeTime(s string) (string, bool) {
	m := timePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

// DatesEqual reports whether both values normalize to the same ISO date.
func DatesEqual(a, b string) bool {
	na, okA := NormalizeDate(a)
	nb, okB := NormalizeDate(b)
	return okA && okB && na == nb
}

// MinutesBetween is the absolute distance in minutes between two same-day
// HH:MM values.
func MinutesBetween(a, b string) (int, bool) {
	na, okA := NormalizeTime(a)
	nb, okB := NormalizeTime(b)
	if !okA || !okB {
		return 0, false
	}
	diff := minuteOfDay(na) - minuteOfDay(nb)
	if diff < 0 {
		diff = -diff
	}
	return diff, true
}

func minuteOfDay(hhmm string) int {
	hour, _ := strconv.Atoi(hhmm[:2])
	minute, _ := strconv.Atoi(hhmm[3:])
	return hour*60 + minute
}
