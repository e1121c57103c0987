package receipt

import (
	"errors"
	"time"

	"github.com/zombor/receipt-verifier/internal/verify"
)

var (
	// ErrInvalidInput is returned when a request is refused before any
	// analysis runs. No decision is produced for it.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for unknown verification IDs.
	ErrNotFound = errors.New("not found")
)

// Verification is the audit record of one decision
type Verification struct {
	ID          string                     `json:"id"`
	CreatedAt   time.Time                  `json:"created_at"`
	Scanner     string                     `json:"scanner"`
	UploadName  string                     `json:"upload_name"`
	ContentType string                     `json:"content_type"`
	ImageBytes  int                        `json:"image_bytes"`
	Filename    *string                    `json:"filename"` // stored image, kept for manual review only
	Expected    verify.ExpectedTransaction `json:"expected"`
	Decision    *verify.Decision           `json:"decision"`
	DurationMS  int64                      `json:"duration_ms"`
	TimedOut    bool                       `json:"timed_out"`
}

// VerificationRequest is an upload with the raw expected values as sent by
// the caller
type VerificationRequest struct {
	Filename               string
	Data                   []byte
	ContentType            string
	ExpectedAmount         string
	ExpectedDate           string
	ExpectedTime           string
	AcceptableDestinations []string
}
