package scanning

import "context"

// FieldGuess is the collaborator's best-effort reading of one receipt field.
// An illegible field has a nil Value, never a made-up default.
type FieldGuess[T any] struct {
	Value      *T      `json:"value"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Known reports whether the field was read.
func (f FieldGuess[T]) Known() bool {
	return f.Value != nil
}

// TamperSignal is the collaborator's own opinion on whether the receipt
// was edited. It is reported separately from the pixel forensics.
type TamperSignal struct {
	Suspected bool     `json:"suspected"`
	Score     float64  `json:"score"`
	Tags      []string `json:"tags"`
}

// ExtractedReceipt is the normalized output of a vision model.
type ExtractedReceipt struct {
	Amount        FieldGuess[string] `json:"amount"`
	Date          FieldGuess[string] `json:"date"`
	Time          FieldGuess[string] `json:"time"`
	Reference     FieldGuess[string] `json:"reference"`
	TransactionID FieldGuess[string] `json:"transaction_id"`
	Channel       FieldGuess[string] `json:"channel"`
	ToName        FieldGuess[string] `json:"to_name"`
	ToAccount     FieldGuess[string] `json:"to_account"`
	FromAccount   FieldGuess[string] `json:"from_account"`
	StatusLabel   FieldGuess[string] `json:"status_label"`
	QRPresent     FieldGuess[bool]   `json:"qr_present"`
	Confidence    float64            `json:"confidence"`
	TamperSignal  TamperSignal       `json:"tamper_signal"`
	Notes         []string           `json:"notes"`
}

// Unreadable is the zero-confidence receipt used when the model output
// could not be used at all.
func Unreadable(note string) *ExtractedReceipt {
	return &ExtractedReceipt{
		TamperSignal: TamperSignal{Tags: []string{}},
		Notes:        []string{note},
	}
}

// Hints are the expected values passed along to the model so it knows
// which figures to look for. The model is told to report what it reads.
type Hints struct {
	Amount int64
	Date   string
	Time   string
}

// Scanner defines the interface for the vision-extraction collaborator
type Scanner interface {
	// ScanReceipt reads a receipt image and returns its fields. Transport
	// failures are returned as errors; unusable model output is not an
	// error and comes back as an Unreadable receipt.
	ScanReceipt(ctx context.Context, imageData []byte, contentType string, hints Hints) (*ExtractedReceipt, error)
	// Name identifies the provider and model, e.g. "gemini/gemini-2.5-pro"
	Name() string
	// Close closes the scanner and releases resources
	Close() error
}
