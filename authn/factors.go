// Package authn maps risk scores to required authentication factors
// and manages enrollment and verification of each factor type.
package authn

import (
	"errors"
	"fmt"
	"sort"
)

// Factor is an authentication factor type.
type Factor string

const (
	FactorPassword    Factor = "password"
	FactorEmail       Factor = "email"
	FactorSMS         Factor = "sms"
	FactorTOTP        Factor = "totp"
	FactorBackupCode  Factor = "backup_code"
	FactorBiometric   Factor = "biometric"
	FactorHardwareKey Factor = "hardware_key"
)

// Errors
var (
	// ErrFactorNotEnrolled indicates a verify or challenge against a
	// factor the identity never enrolled.
	ErrFactorNotEnrolled = errors.New("factor not enrolled")

	// ErrUnknownFactor indicates an unrecognized factor type.
	ErrUnknownFactor = errors.New("unknown factor type")

	// ErrChallengeExpired indicates a pending verification past its
	// expiry window.
	ErrChallengeExpired = errors.New("verification challenge expired")

	// ErrNoPendingChallenge indicates a proof for a delivered-code
	// factor with no outstanding challenge to resolve it against.
	ErrNoPendingChallenge = errors.New("no pending verification challenge")
)

// AdditionalVerificationRequired denies access until the listed factors
// are satisfied. The factor set is actionable and not sensitive, so it
// is safe to surface to the caller.
type AdditionalVerificationRequired struct {
	Factors []Factor
}

func (e *AdditionalVerificationRequired) Error() string {
	return fmt.Sprintf("additional verification required: %v", e.Factors)
}

// Thresholds maps risk-score cut points to the factor that becomes
// required at that score. Password is always required.
type Thresholds map[Factor]int

// DefaultThresholds is the standard risk-to-factor mapping.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FactorEmail:       30,
		FactorSMS:         50,
		FactorTOTP:        70,
		FactorBiometric:   85,
		FactorHardwareKey: 95,
	}
}

// RequiredFactors returns the ordered factor set for a risk score. The
// set at a higher score is always a superset of the set at a lower
// score; password is the floor.
func (t Thresholds) RequiredFactors(riskScore int) []Factor {
	factors := []Factor{FactorPassword}

	var eligible []Factor
	for f, min := range t {
		if riskScore >= min {
			eligible = append(eligible, f)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if t[eligible[i]] != t[eligible[j]] {
			return t[eligible[i]] < t[eligible[j]]
		}
		return eligible[i] < eligible[j]
	})
	return append(factors, eligible...)
}
