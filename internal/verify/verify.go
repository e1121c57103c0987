// Package verify decides whether a payment receipt corroborates an
// expected transaction. It fuses the vision extraction, the QR search and
// the pixel forensics into one of three trust states with an auditable
// list of reasons.
package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zombor/receipt-verifier/internal/forensic"
	"github.com/zombor/receipt-verifier/internal/qr"
	"github.com/zombor/receipt-verifier/internal/reconcile"
	"github.com/zombor/receipt-verifier/internal/scanning"
)

// Status is the terminal trust state of a verification.
type Status string

const (
	StatusVerified      Status = "verified"
	StatusPendingReview Status = "pending_review"
	StatusRejected      Status = "rejected"
)

var (
	// ErrInvalidExpected is returned for expected values that cannot be used.
	ErrInvalidExpected = errors.New("invalid expected transaction")
	// ErrInternal marks an unexpected fault while computing a decision. It is
	// never mapped onto one of the business statuses.
	ErrInternal = errors.New("internal decision error")
)

// ExpectedTransaction is what the caller believes the receipt shows.
type ExpectedTransaction struct {
	Amount                 int64    `json:"amount"`
	Date                   string   `json:"date"`
	Time                   *string  `json:"time"`
	AcceptableDestinations []string `json:"acceptable_destinations"`
}

// NewExpectedTransaction builds an ExpectedTransaction from raw request
// values, normalizing the amount, date and optional time. Blank destination
// entries are skipped; entries too short to compare are refused.
func NewExpectedTransaction(rawAmount, rawDate, rawTime string, destinations []string, shorthand bool) (ExpectedTransaction, error) {
	amount, ok := reconcile.NormalizeExpectedAmount(rawAmount, shorthand)
	if !ok || amount <= 0 {
		return ExpectedTransaction{}, fmt.Errorf("%w: amount %q is not a positive number", ErrInvalidExpected, rawAmount)
	}
	date, ok := reconcile.NormalizeDate(strings.TrimSpace(rawDate))
	if !ok {
		return ExpectedTransaction{}, fmt.Errorf("%w: date %q is not a valid calendar date", ErrInvalidExpected, rawDate)
	}

	expected := ExpectedTransaction{Amount: amount, Date: date, AcceptableDestinations: []string{}}
	if rawTime = strings.TrimSpace(rawTime); rawTime != "" {
		t, ok := reconcile.NormalizeTime(rawTime)
		if !ok {
			return ExpectedTransaction{}, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidExpected, rawTime)
		}
		expected.Time = &t
	}
	for _, d := range destinations {
		if strings.TrimSpace(d) == "" {
			continue
		}
		if !reconcile.LegibleDestination(d) {
			return ExpectedTransaction{}, fmt.Errorf("%w: destination %q needs at least %d digits", ErrInvalidExpected, d, reconcile.MinDestinationDigits)
		}
		expected.AcceptableDestinations = append(expected.AcceptableDestinations, reconcile.DigitsOnly(d))
	}
	return expected, nil
}

// Validate checks the invariants of an ExpectedTransaction.
func (e ExpectedTransaction) Validate() error {
	if e.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidExpected)
	}
	if iso, ok := reconcile.NormalizeDate(e.Date); !ok || iso != e.Date {
		return fmt.Errorf("%w: date %q is not a valid ISO date", ErrInvalidExpected, e.Date)
	}
	if e.Time != nil {
		if _, ok := reconcile.NormalizeTime(*e.Time); !ok {
			return fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidExpected, *e.Time)
		}
	}
	return nil
}

// Decision is the engine's output. It is created fresh per request and is
// not modified after it is returned.
type Decision struct {
	Status     Status                     `json:"status"`
	Confidence float64                    `json:"confidence"`
	Reasons    []string                   `json:"reasons"`
	Extracted  *scanning.ExtractedReceipt `json:"extracted"`
	QR         *qr.Result                 `json:"qr"`
	Forensic   *forensic.Report           `json:"forensic"`
}
