package verify

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/zombor/receipt-verifier/internal/forensic"
	"github.com/zombor/receipt-verifier/internal/qr"
	"github.com/zombor/receipt-verifier/internal/reconcile"
	"github.com/zombor/receipt-verifier/internal/scanning"
)

const (
	confidenceAmountMismatch   = 0.90
	confidenceDateMismatch     = 0.90
	confidenceBothContradict   = 0.92
	confidenceQRContradicts    = 0.90
	confidenceFieldContradicts = 0.88
	confidenceQRUndecoded      = 0.65

	verifiedBase       = 0.86
	bonusReference     = 0.03
	bonusDestination   = 0.03
	bonusStatusLabel   = 0.02
	penaltyTamper      = 0.05
	penaltyTimeGap     = 0.02
	timeGapMinutes     = 90
	pendingBase        = 0.60
	pendingTamperSlope = 0.30
	pendingFloor       = 0.20
	maxNotesInReasons  = 2
)

var (
	successLabel = regexp.MustCompile(`(?i)(exitos|aprobad|realizad|complet|success|approved|paid|pagad)`)
	failureLabel = regexp.MustCompile(`(?i)(rechazad|fallid|declin|fail|pendiente|pending|revers|cancel)`)
)

// Inputs are the independent signals for one receipt.
type Inputs struct {
	Expected  ExpectedTransaction
	Extracted *scanning.ExtractedReceipt
	QR        qr.Result
	Forensic  forensic.Report
}

// Engine applies the decision policy. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an Engine bound to it.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating decision config: %w", err)
	}
	cfg.AcceptedDestinations = append([]string(nil), cfg.AcceptedDestinations...)
	return &Engine{cfg: cfg}, nil
}

// Config returns a copy of the engine's policy.
func (e *Engine) Config() Config {
	cfg := e.cfg
	cfg.AcceptedDestinations = append([]string(nil), e.cfg.AcceptedDestinations...)
	return cfg
}

// signals are the per-check outcomes the rules are resolved from.
type signals struct {
	amount         reconcile.AmountComparison
	amountResolved bool

	dateResolved bool
	dateOK       bool

	destinationChecked   bool
	fieldContradicts     bool
	qrContradicts        bool
	destinationConfirmed bool

	qrPresent bool
	qrDecoded bool

	referencePresent bool
	labelSuccess     bool
	labelFailure     bool

	tamper     float64
	timeGapBig bool
}

// Decide computes the decision for one receipt. It returns an error only
// for invalid expected values or an internal fault; everything about the
// receipt itself is expressed through the returned Decision.
func (e *Engine) Decide(in Inputs) (d *Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	if err := in.Expected.Validate(); err != nil {
		return nil, err
	}
	if in.Extracted == nil {
		in.Extracted = scanning.Unreadable("no extraction available")
	}

	reasons := &reasonLog{}
	s := e.evaluate(in, reasons)
	status, confidence, headline := e.resolve(s)

	qrResult := in.QR
	report := in.Forensic
	return &Decision{
		Status:     status,
		Confidence: clamp(confidence, 0, 1),
		Reasons:    reasons.list(headline, e.cfg.MaxReasons),
		Extracted:  in.Extracted,
		QR:         &qrResult,
		Forensic:   &report,
	}, nil
}

func (e *Engine) evaluate(in Inputs, reasons *reasonLog) signals {
	var s signals
	ex := in.Extracted

	// Amount
	expectedAmount := strconv.FormatInt(in.Expected.Amount, 10)
	if ex.Amount.Known() {
		s.amount = reconcile.CompareAmounts(*ex.Amount.Value, expectedAmount, reconcile.Tolerance{
			Floor: e.cfg.AmountToleranceFloor,
			Pct:   e.cfg.AmountTolerancePct,
		})
	}
	s.amountResolved = s.amount.Read != nil && s.amount.Expected != nil
	switch {
	case !s.amountResolved:
		reasons.add("Amount not legible on the receipt")
	case s.amount.OK && s.amount.BestScale == 1:
		reasons.add("Amount matches: read %d, expected %d", *s.amount.Read, in.Expected.Amount)
	case s.amount.OK:
		reasons.add("Amount matches at scale x%d: read %d, expected %d", s.amount.BestScale, *s.amount.Read, in.Expected.Amount)
	default:
		reasons.add("Amount mismatch: read %d, expected %d (tolerance %d)", *s.amount.Read, in.Expected.Amount, s.amount.Tolerance)
	}

	// Date
	if ex.Date.Known() {
		if read, ok := reconcile.NormalizeDate(*ex.Date.Value); ok {
			s.dateResolved = true
			s.dateOK = reconcile.DatesEqual(read, in.Expected.Date)
			if s.dateOK {
				reasons.add("Date matches: %s", read)
			} else {
				reasons.add("Date mismatch: read %s, expected %s", read, in.Expected.Date)
			}
		} else {
			reasons.add("Date %q is not a calendar date", *ex.Date.Value)
		}
	} else {
		reasons.add("Date not legible on the receipt")
	}

	// Time is a soft signal only.
	if in.Expected.Time != nil && ex.Time.Known() {
		if gap, ok := reconcile.MinutesBetween(*ex.Time.Value, *in.Expected.Time); ok && gap > timeGapMinutes {
			s.timeGapBig = true
			reasons.add("Time differs from expected by %d minutes", gap)
		}
	}

	// QR
	s.qrPresent = in.QR.Present || (ex.QRPresent.Known() && *ex.QRPresent.Value)
	s.qrDecoded = in.QR.Decoded && in.QR.Payload != nil
	switch {
	case s.qrDecoded && in.QR.Method != nil:
		reasons.add("QR code decoded (%s)", *in.QR.Method)
	case s.qrDecoded:
		reasons.add("QR code decoded")
	case s.qrPresent:
		reasons.add("QR code present but could not be decoded")
	}

	// Destination
	allowed := e.cfg.AcceptedDestinations
	if len(in.Expected.AcceptableDestinations) > 0 {
		allowed = in.Expected.AcceptableDestinations
	}
	s.destinationChecked = len(allowed) > 0
	if !s.destinationChecked {
		reasons.add("No destination allow-set configured; destination not checked")
	} else {
		fieldLegible := ex.ToAccount.Known() && reconcile.LegibleDestination(*ex.ToAccount.Value)
		if fieldLegible {
			if reconcile.DestinationMatches(*ex.ToAccount.Value, allowed) {
				s.destinationConfirmed = true
				reasons.add("Destination account matches an accepted destination")
			} else {
				s.fieldContradicts = true
				reasons.add("Destination account %s is not an accepted destination", reconcile.DigitsOnly(*ex.ToAccount.Value))
			}
		} else {
			reasons.add("Destination account not legible")
		}

		if s.qrDecoded && reconcile.LegibleDestination(*in.QR.Payload) {
			if qr.ContainsDestination(*in.QR.Payload, allowed) {
				s.destinationConfirmed = true
				reasons.add("QR payload confirms an accepted destination")
			} else {
				s.qrContradicts = true
				reasons.add("QR payload names no accepted destination")
			}
		}
	}

	// Reference
	s.referencePresent = ex.Reference.Known() && strings.TrimSpace(*ex.Reference.Value) != ""
	if s.referencePresent {
		reasons.add("Reference present: %s", strings.TrimSpace(*ex.Reference.Value))
	} else if e.cfg.RequireReferenceForVerified {
		reasons.add("Reference missing but required")
	}

	// Status label
	if ex.StatusLabel.Known() {
		label := strings.TrimSpace(*ex.StatusLabel.Value)
		switch {
		case failureLabel.MatchString(label):
			s.labelFailure = true
			reasons.add("Status label reads %q", label)
		case successLabel.MatchString(label):
			s.labelSuccess = true
			reasons.add("Status label reads as successful")
		}
	}

	// Tamper
	collaborator := ex.TamperSignal.Score
	if ex.TamperSignal.Suspected && collaborator < e.cfg.TamperModerateThreshold {
		collaborator = e.cfg.TamperModerateThreshold
	}
	s.tamper = clamp(math.Max(collaborator, in.Forensic.CombinedScore), 0, 1)
	switch {
	case s.tamper >= e.cfg.TamperHighThreshold:
		reasons.add("Tamper score high (%.2f): the image may have been edited", s.tamper)
	case s.tamper >= e.cfg.TamperModerateThreshold:
		reasons.add("Tamper score elevated (%.2f)", s.tamper)
	default:
		reasons.add("Tamper score low (%.2f)", s.tamper)
	}
	if containsTag(in.Forensic.Tags, forensic.TagError) {
		reasons.add("Pixel forensics unavailable for this image")
	}

	for i, note := range ex.Notes {
		if i == maxNotesInReasons {
			break
		}
		reasons.add("Extraction note: %s", note)
	}
	return s
}

// resolve applies the rules in priority order. The first terminal rule wins.
func (e *Engine) resolve(s signals) (Status, float64, string) {
	if s.amountResolved && !s.amount.OK {
		return StatusRejected, confidenceAmountMismatch, "Rejected: amount does not match the expected transaction"
	}
	if s.dateResolved && !s.dateOK {
		return StatusRejected, confidenceDateMismatch, "Rejected: date does not match the expected transaction"
	}
	if s.fieldContradicts || s.qrContradicts {
		conf := confidenceFieldContradicts
		switch {
		case s.fieldContradicts && s.qrContradicts:
			conf = confidenceBothContradict
		case s.qrContradicts:
			conf = confidenceQRContradicts
		}
		return StatusRejected, conf, "Rejected: destination is not an accepted destination"
	}
	if e.cfg.RequireQrDecodeForVerified && s.qrPresent && !s.qrDecoded {
		return StatusPendingReview, confidenceQRUndecoded, "Pending review: QR code present but not decoded"
	}

	if e.verifiable(s) {
		conf := verifiedBase
		if s.referencePresent {
			conf += bonusReference
		}
		if s.destinationConfirmed {
			conf += bonusDestination
		}
		if s.labelSuccess {
			conf += bonusStatusLabel
		}
		if s.tamper >= e.cfg.TamperModerateThreshold/2 {
			conf -= penaltyTamper
		}
		if s.timeGapBig {
			conf -= penaltyTimeGap
		}
		conf = clamp(conf, e.cfg.VerifiedConfidenceFloor, e.cfg.VerifiedConfidenceCeiling)
		return StatusVerified, conf, "Verified: receipt agrees with the expected transaction"
	}

	conf := clamp(pendingBase-pendingTamperSlope*s.tamper, pendingFloor, pendingBase)
	return StatusPendingReview, conf, "Pending review: " + e.pendingCause(s)
}

func (e *Engine) verifiable(s signals) bool {
	destinationOK := !s.destinationChecked || !e.cfg.RequireDestinationForVerified || s.destinationConfirmed
	return s.amountResolved && s.amount.OK &&
		s.dateResolved && s.dateOK &&
		destinationOK &&
		(!e.cfg.RequireReferenceForVerified || s.referencePresent) &&
		(!e.cfg.RequireQrDecodeForVerified || s.qrDecoded) &&
		s.tamper < e.cfg.TamperModerateThreshold &&
		!s.labelFailure
}

func (e *Engine) pendingCause(s signals) string {
	switch {
	case !s.amountResolved:
		return "amount could not be read"
	case !s.dateResolved:
		return "date could not be read"
	case s.tamper >= e.cfg.TamperModerateThreshold:
		return "possible image tampering"
	case s.destinationChecked && e.cfg.RequireDestinationForVerified && !s.destinationConfirmed:
		return "destination could not be confirmed"
	case e.cfg.RequireReferenceForVerified && !s.referencePresent:
		return "reference missing"
	case e.cfg.RequireQrDecodeForVerified && !s.qrDecoded:
		return "QR code not decoded"
	case s.labelFailure:
		return "receipt status does not read as completed"
	default:
		return "insufficient evidence"
	}
}

// reasonLog collects human-readable reasons in evaluation order.
type reasonLog struct {
	items []string
}

func (r *reasonLog) add(format string, args ...any) {
	r.items = append(r.items, fmt.Sprintf(format, args...))
}

// list puts the headline first and bounds the result to limit entries.
func (r *reasonLog) list(headline string, limit int) []string {
	out := append([]string{headline}, r.items...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}
