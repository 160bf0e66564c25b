package vault

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

// DefaultEnvelopeTTL is the replay window for sealed envelopes.
const DefaultEnvelopeTTL = 24 * time.Hour

const envelopeSaltSize = 16

// Envelope is the tamper-evident wrapper around an already-encrypted
// payload. Envelopes are immutable once sealed; Open never re-stamps.
type Envelope struct {
	Ciphertext []byte `cbor:"1,keyasint"`
	Salt       []byte `cbor:"2,keyasint"`
	IV         []byte `cbor:"3,keyasint"`
	Checksum   []byte `cbor:"4,keyasint"`
	Signature  []byte `cbor:"5,keyasint"`
	CreatedAt  int64  `cbor:"6,keyasint"`
	TTLSeconds int64  `cbor:"7,keyasint"`
}

// EncodeEnvelope serializes an envelope to its CBOR wire form.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope from its CBOR wire form.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrIntegrityViolation)
	}
	return &env, nil
}

// IntegrityPackager seals payloads into envelopes and verifies them on
// the way back out. The signature is an HMAC keyed from the master
// secret, so an attacker who can rewrite stored blobs cannot recompute
// it.
type IntegrityPackager struct {
	macRoot []byte
	ttl     time.Duration
	now     func() time.Time
}

// PackagerOption configures an IntegrityPackager.
type PackagerOption func(*IntegrityPackager)

// WithTTL overrides the default replay window.
func WithTTL(ttl time.Duration) PackagerOption {
	return func(p *IntegrityPackager) { p.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) PackagerOption {
	return func(p *IntegrityPackager) { p.now = now }
}

// NewIntegrityPackager derives the envelope MAC root from the master
// secret.
func NewIntegrityPackager(masterSecret []byte, opts ...PackagerOption) (*IntegrityPackager, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("%w: empty master secret", ErrEncryptionFailure)
	}

	macRoot := make([]byte, 32)
	reader := hkdf.New(sha256.New, masterSecret, nil, []byte("sentra/envelope-mac/v1"))
	if _, err := io.ReadFull(reader, macRoot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	p := &IntegrityPackager{
		macRoot: macRoot,
		ttl:     DefaultEnvelopeTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Seal wraps a payload in a fresh envelope stamped with the current time.
func (p *IntegrityPackager) Seal(payload []byte) (*Envelope, error) {
	salt := make([]byte, envelopeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: salt generation: %v", ErrEncryptionFailure, err)
	}
	iv := make([]byte, envelopeSaltSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: iv generation: %v", ErrEncryptionFailure, err)
	}

	createdAt := p.now().Unix()
	checksum := computeChecksum(iv, payload)
	signature, err := p.sign(salt, payload, checksum, createdAt)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext: append([]byte(nil), payload...),
		Salt:       salt,
		IV:         iv,
		Checksum:   checksum,
		Signature:  signature,
		CreatedAt:  createdAt,
		TTLSeconds: int64(p.ttl / time.Second),
	}, nil
}

// Open verifies an envelope and returns its payload. The checksum,
// signature, and replay window are all checked; the error detail names
// which check failed for internal observability, never for end users.
// Open is read-only and never refreshes the envelope.
func (p *IntegrityPackager) Open(env *Envelope) ([]byte, error) {
	checksum := computeChecksum(env.IV, env.Ciphertext)
	checksumOK := subtle.ConstantTimeCompare(checksum, env.Checksum) == 1

	signature, err := p.sign(env.Salt, env.Ciphertext, env.Checksum, env.CreatedAt)
	if err != nil {
		return nil, err
	}
	signatureOK := hmac.Equal(signature, env.Signature)

	created := time.Unix(env.CreatedAt, 0)
	ttl := time.Duration(env.TTLSeconds) * time.Second
	expired := p.now().After(created.Add(ttl))

	switch {
	case !checksumOK && !signatureOK:
		return nil, fmt.Errorf("%w: checksum and signature mismatch", ErrIntegrityViolation)
	case !checksumOK:
		return nil, fmt.Errorf("%w: checksum mismatch", ErrIntegrityViolation)
	case !signatureOK:
		return nil, fmt.Errorf("%w: signature mismatch", ErrIntegrityViolation)
	case expired:
		return nil, fmt.Errorf("%w: sealed %s ago, ttl %s", ErrReplayExpired,
			p.now().Sub(created).Round(time.Second), ttl)
	}

	return append([]byte(nil), env.Ciphertext...), nil
}

// sign computes HMAC-SHA256(k, payload ‖ checksum ‖ createdAt) with a
// per-envelope key derived from the MAC root and the envelope salt.
func (p *IntegrityPackager) sign(salt, payload, checksum []byte, createdAt int64) ([]byte, error) {
	macKey := make([]byte, 32)
	reader := hkdf.New(sha256.New, p.macRoot, salt, []byte("sentra/envelope-sig/v1"))
	if _, err := io.ReadFull(reader, macKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))

	mac := hmac.New(sha256.New, macKey)
	mac.Write(payload)
	mac.Write(checksum)
	mac.Write(ts[:])
	return mac.Sum(nil), nil
}

func computeChecksum(iv, payload []byte) []byte {
	h := sha256.New()
	h.Write(iv)
	h.Write(payload)
	return h.Sum(nil)
}
