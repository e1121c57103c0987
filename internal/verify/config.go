package verify

import (
	"errors"
	"fmt"
	"math"

	"github.com/zombor/receipt-verifier/internal/reconcile"
)

// Config holds the decision policy. It is fixed at startup and passed to
// NewEngine; the engine never reads ambient state.
type Config struct {
	AcceptedDestinations          []string
	AmountToleranceFloor          int64
	AmountTolerancePct            float64
	AmountShorthandConvention     bool
	VerifiedConfidenceFloor       float64
	VerifiedConfidenceCeiling     float64
	RequireReferenceForVerified   bool
	RequireDestinationForVerified bool
	RequireQrDecodeForVerified    bool
	TamperModerateThreshold       float64
	TamperHighThreshold           float64
	MaxReasons                    int
}

// DefaultConfig returns the policy used when no option is overridden.
func DefaultConfig() Config {
	return Config{
		AcceptedDestinations:          []string{},
		AmountToleranceFloor:          100,
		AmountTolerancePct:            0.01,
		AmountShorthandConvention:     false,
		VerifiedConfidenceFloor:       0.80,
		VerifiedConfidenceCeiling:     0.95,
		RequireReferenceForVerified:   false,
		RequireDestinationForVerified: true,
		RequireQrDecodeForVerified:    false,
		TamperModerateThreshold:       0.45,
		TamperHighThreshold:           0.70,
		MaxReasons:                    14,
	}
}

// Validate rejects inconsistent thresholds.
func (c Config) Validate() error {
	var errs []error
	if c.AmountToleranceFloor < 0 {
		errs = append(errs, fmt.Errorf("amount tolerance floor must not be negative"))
	}
	if math.IsNaN(c.AmountTolerancePct) || c.AmountTolerancePct < 0 || c.AmountTolerancePct >= 1 {
		errs = append(errs, fmt.Errorf("amount tolerance pct must be in [0, 1)"))
	}
	if anyNaN(c.VerifiedConfidenceFloor, c.VerifiedConfidenceCeiling) || c.VerifiedConfidenceFloor < 0 || c.VerifiedConfidenceCeiling > 1 || c.VerifiedConfidenceFloor > c.VerifiedConfidenceCeiling {
		errs = append(errs, fmt.Errorf("verified confidence band [%.2f, %.2f] is invalid", c.VerifiedConfidenceFloor, c.VerifiedConfidenceCeiling))
	}
	if anyNaN(c.TamperModerateThreshold, c.TamperHighThreshold) || c.TamperModerateThreshold <= 0 || c.TamperHighThreshold > 1 || c.TamperModerateThreshold >= c.TamperHighThreshold {
		errs = append(errs, fmt.Errorf("tamper thresholds moderate=%.2f high=%.2f are invalid", c.TamperModerateThreshold, c.TamperHighThreshold))
	}
	if c.MaxReasons < 1 {
		errs = append(errs, fmt.Errorf("max reasons must be at least 1"))
	}
	for _, d := range c.AcceptedDestinations {
		if !reconcile.LegibleDestination(d) {
			errs = append(errs, fmt.Errorf("accepted destination %q needs at least %d digits", d, reconcile.MinDestinationDigits))
		}
	}
	return errors.Join(errs...)
}

func anyNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
