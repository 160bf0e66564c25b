package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/trustfabric/sentra/incident"
	"github.com/trustfabric/sentra/notify"
)

// PendingExpiry is how long an outstanding email/sms challenge stays
// valid. While one is outstanding and unexpired, access is denied
// regardless of any other check.
const PendingExpiry = 5 * time.Minute

const (
	passwordIterations = 200_000
	passwordSaltSize   = 16
	codeDigits         = 6
)

// PlatformAuthenticator is the platform public-key-credential
// capability used for biometric and hardware-key factors. Only the
// credential handle is ever stored here, never raw biometric data.
type PlatformAuthenticator interface {
	CreateCredential(ctx context.Context, identity string, factor Factor) (handle string, err error)
	GetAssertion(ctx context.Context, handle string, challenge []byte) (proof []byte, err error)
}

// enrollment is the stored material for one factor. Exactly one of the
// fields is populated depending on the factor type.
type enrollment struct {
	passwordSalt []byte
	passwordHash []byte
	contact      string   // email address or phone number
	totpSecret   string   // base32
	backupHashes [][]byte // sha256 of each unused code
	handle       string   // platform credential handle
}

// pendingChallenge is an outstanding email/sms code awaiting proof.
type pendingChallenge struct {
	factor    Factor
	codeHash  []byte
	expiresAt time.Time
}

// Coordinator manages factor enrollment, verification, and risk-driven
// step-up decisions for every identity in the session.
type Coordinator struct {
	mu         sync.Mutex
	thresholds Thresholds
	enrolled   map[string]map[Factor]*enrollment
	satisfied  map[string]map[Factor]bool
	pending    map[string]*pendingChallenge

	notifier notify.Notifier
	platform PlatformAuthenticator
	incs     incident.Recorder
	now      func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithThresholds overrides the default risk-to-factor mapping.
func WithThresholds(t Thresholds) CoordinatorOption {
	return func(c *Coordinator) { c.thresholds = t }
}

// WithPlatformAuthenticator attaches the platform credential capability.
func WithPlatformAuthenticator(p PlatformAuthenticator) CoordinatorOption {
	return func(c *Coordinator) { c.platform = p }
}

// WithIncidentRecorder attaches the incident pipeline for auth failures.
func WithIncidentRecorder(r incident.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.incs = r }
}

// WithCoordinatorClock overrides the time source, for tests.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator delivering challenges through
// the given notifier.
func NewCoordinator(notifier notify.Notifier, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		thresholds: DefaultThresholds(),
		enrolled:   make(map[string]map[Factor]*enrollment),
		satisfied:  make(map[string]map[Factor]bool),
		pending:    make(map[string]*pendingChallenge),
		notifier:   notifier,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequiredFactors returns the ordered factor set for a risk score.
func (c *Coordinator) RequiredFactors(riskScore int) []Factor {
	return c.thresholds.RequiredFactors(riskScore)
}

// Enroll registers factor material for an identity. For password the
// material is the plaintext password (hashed before storage); for
// email/sms it is the contact address; for totp the base32 secret (or
// empty to generate one, returned); for biometric/hardware_key the
// material is ignored and a platform credential is created. Backup
// codes use EnrollBackupCodes.
func (c *Coordinator) Enroll(ctx context.Context, identity string, factor Factor, material string) (string, error) {
	e := &enrollment{}
	switch factor {
	case FactorPassword:
		salt := make([]byte, passwordSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		e.passwordSalt = salt
		e.passwordHash = pbkdf2.Key([]byte(material), salt, passwordIterations, 32, sha256.New)

	case FactorEmail, FactorSMS:
		if material == "" {
			return "", fmt.Errorf("%w: contact address required", ErrUnknownFactor)
		}
		e.contact = material

	case FactorTOTP:
		secret := material
		if secret == "" {
			raw := make([]byte, 20)
			if _, err := rand.Read(raw); err != nil {
				return "", fmt.Errorf("failed to generate totp secret: %w", err)
			}
			secret = base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
		}
		e.totpSecret = secret
		material = secret

	case FactorBiometric, FactorHardwareKey:
		if c.platform == nil {
			return "", fmt.Errorf("%w: no platform authenticator", ErrFactorNotEnrolled)
		}
		handle, err := c.platform.CreateCredential(ctx, identity, factor)
		if err != nil {
			return "", fmt.Errorf("failed to create platform credential: %w", err)
		}
		e.handle = handle
		material = handle

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFactor, factor)
	}

	c.mu.Lock()
	if c.enrolled[identity] == nil {
		c.enrolled[identity] = make(map[Factor]*enrollment)
	}
	c.enrolled[identity][factor] = e
	c.mu.Unlock()

	log.Info().Str("identity", identity).Str("factor", string(factor)).Msg("Factor enrolled")
	return material, nil
}

// EnrollBackupCodes generates n single-use backup codes, stores their
// hashes, and returns the plaintext codes for one-time display.
func (c *Coordinator) EnrollBackupCodes(identity string, n int) ([]string, error) {
	codes := make([]string, n)
	hashes := make([][]byte, n)
	for i := range codes {
		code, err := randomDigits(10)
		if err != nil {
			return nil, err
		}
		codes[i] = code
		h := sha256.Sum256([]byte(code))
		hashes[i] = h[:]
	}

	c.mu.Lock()
	if c.enrolled[identity] == nil {
		c.enrolled[identity] = make(map[Factor]*enrollment)
	}
	c.enrolled[identity][FactorBackupCode] = &enrollment{backupHashes: hashes}
	c.mu.Unlock()
	return codes, nil
}

// BeginChallenge generates a verification code for an email or sms
// factor and delivers it through the notifier. While the challenge is
// outstanding and unexpired, all access checks for the identity fail.
func (c *Coordinator) BeginChallenge(ctx context.Context, identity string, factor Factor) error {
	if factor != FactorEmail && factor != FactorSMS {
		return fmt.Errorf("%w: %q does not use delivered codes", ErrUnknownFactor, factor)
	}

	c.mu.Lock()
	e := c.enrolled[identity][factor]
	c.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrFactorNotEnrolled, factor)
	}

	code, err := randomDigits(codeDigits)
	if err != nil {
		return err
	}
	h := sha256.Sum256([]byte(code))

	c.mu.Lock()
	c.pending[identity] = &pendingChallenge{
		factor:    factor,
		codeHash:  h[:],
		expiresAt: c.now().Add(PendingExpiry),
	}
	c.mu.Unlock()

	channel := notify.ChannelEmail
	if factor == FactorSMS {
		channel = notify.ChannelSMS
	}
	payload, _ := json.Marshal(map[string]string{"code": code})
	if err := c.notifier.Send(ctx, channel, e.contact, payload); err != nil {
		log.Error().Err(err).Str("identity", identity).Str("factor", string(factor)).
			Msg("Failed to deliver verification code")
		return fmt.Errorf("failed to deliver verification code: %w", err)
	}
	return nil
}

// Verify checks a proof against an enrolled factor. A successful verify
// marks the factor satisfied for the identity; failures are recorded as
// auth_failure incidents.
func (c *Coordinator) Verify(ctx context.Context, identity string, factor Factor, proof string) (bool, error) {
	c.mu.Lock()
	e := c.enrolled[identity][factor]
	c.mu.Unlock()
	if e == nil {
		return false, fmt.Errorf("%w: %s", ErrFactorNotEnrolled, factor)
	}

	var ok bool
	var err error
	switch factor {
	case FactorPassword:
		h := pbkdf2.Key([]byte(proof), e.passwordSalt, passwordIterations, 32, sha256.New)
		ok = subtle.ConstantTimeCompare(h, e.passwordHash) == 1

	case FactorEmail, FactorSMS:
		ok, err = c.verifyPending(identity, factor, proof)

	case FactorTOTP:
		ok, err = totp.ValidateCustom(proof, e.totpSecret, c.now(), totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return false, fmt.Errorf("totp validation: %w", err)
		}

	case FactorBackupCode:
		ok = c.verifyBackupCode(identity, e, proof)

	case FactorBiometric, FactorHardwareKey:
		ok, err = c.verifyPlatform(ctx, e)

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownFactor, factor)
	}
	if err != nil {
		return false, err
	}

	if ok {
		c.mu.Lock()
		if c.satisfied[identity] == nil {
			c.satisfied[identity] = make(map[Factor]bool)
		}
		c.satisfied[identity][factor] = true
		c.mu.Unlock()
		log.Info().Str("identity", identity).Str("factor", string(factor)).Msg("Factor verified")
		return true, nil
	}

	log.Warn().Str("identity", identity).Str("factor", string(factor)).Msg("Factor verification failed")
	if c.incs != nil {
		c.incs.Record(ctx, incident.Incident{
			Identity: identity,
			Type:     incident.TypeAuthFailure,
			Severity: incident.SeverityMedium,
			Details:  map[string]string{"factor": string(factor)},
		})
	}
	return false, nil
}

// verifyPending resolves an outstanding email/sms challenge. The
// challenge is consumed on success and on expiry, never on a wrong code.
func (c *Coordinator) verifyPending(identity string, factor Factor, proof string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[identity]
	if p == nil || p.factor != factor {
		return false, fmt.Errorf("%w for %s", ErrNoPendingChallenge, factor)
	}
	if c.now().After(p.expiresAt) {
		delete(c.pending, identity)
		return false, ErrChallengeExpired
	}

	h := sha256.Sum256([]byte(proof))
	if subtle.ConstantTimeCompare(h[:], p.codeHash) != 1 {
		return false, nil
	}
	delete(c.pending, identity)
	return true, nil
}

// verifyBackupCode checks the proof against every unused code hash and
// removes the matched code: backup codes are strictly single-use.
func (c *Coordinator) verifyBackupCode(identity string, e *enrollment, proof string) bool {
	h := sha256.Sum256([]byte(proof))

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, stored := range e.backupHashes {
		if subtle.ConstantTimeCompare(h[:], stored) == 1 {
			e.backupHashes = append(e.backupHashes[:i], e.backupHashes[i+1:]...)
			return true
		}
	}
	return false
}

// verifyPlatform requests an assertion from the platform authenticator
// over a fresh random challenge.
func (c *Coordinator) verifyPlatform(ctx context.Context, e *enrollment) (bool, error) {
	if c.platform == nil {
		return false, fmt.Errorf("%w: no platform authenticator", ErrFactorNotEnrolled)
	}
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return false, fmt.Errorf("failed to generate challenge: %w", err)
	}
	proof, err := c.platform.GetAssertion(ctx, e.handle, challenge)
	if err != nil {
		return false, fmt.Errorf("platform assertion: %w", err)
	}
	return len(proof) > 0, nil
}

// AssumeVerified marks a factor satisfied without a proof exchange.
// Used at session construction: the primary login that produced the
// session happened before this component existed and vouches for the
// password factor. A later InvalidateFactors clears it like any other.
func (c *Coordinator) AssumeVerified(identity string, factor Factor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.satisfied[identity] == nil {
		c.satisfied[identity] = make(map[Factor]bool)
	}
	c.satisfied[identity][factor] = true
}

// CheckAccess decides whether the identity may proceed at the given
// risk score. An outstanding unexpired challenge denies access
// unconditionally; otherwise every required factor must be satisfied.
func (c *Coordinator) CheckAccess(identity string, riskScore int) error {
	required := c.thresholds.RequiredFactors(riskScore)

	c.mu.Lock()
	defer c.mu.Unlock()

	if p := c.pending[identity]; p != nil {
		if c.now().After(p.expiresAt) {
			delete(c.pending, identity)
		} else {
			return &AdditionalVerificationRequired{Factors: []Factor{p.factor}}
		}
	}

	var missing []Factor
	for _, f := range required {
		if !c.satisfied[identity][f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &AdditionalVerificationRequired{Factors: missing}
	}
	return nil
}

// InvalidateFactors clears the identity's satisfied set and any pending
// challenge. Enrollment material survives; the identity must re-verify
// the factors required at the current risk score.
func (c *Coordinator) InvalidateFactors(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.satisfied, identity)
	delete(c.pending, identity)
}

// Reset clears everything for the identity, enrollment included. Used
// on emergency lockdown.
func (c *Coordinator) Reset(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.enrolled, identity)
	delete(c.satisfied, identity)
	delete(c.pending, identity)
}

// randomDigits returns a uniformly random numeric code of n digits.
func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
