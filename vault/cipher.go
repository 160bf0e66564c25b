// Package vault implements the layered protection of sensitive fields:
// per-domain field encryption, tamper-evident envelopes, and the
// session-bound outer layer that ties ciphertext to the live session.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Domain is a key sensitivity category. Each domain owns an
// independently derived key; domains never decrypt each other's output.
type Domain string

const (
	DomainFinancial Domain = "financial"
	DomainPII       Domain = "pii"
	DomainBusiness  Domain = "business"
	DomainSystem    Domain = "system"
	DomainAudit     Domain = "audit"
)

// Domains lists every key domain.
var Domains = []Domain{DomainFinancial, DomainPII, DomainBusiness, DomainSystem, DomainAudit}

// One-byte codes embedded in blobs so they are self-describing.
var domainCodes = map[Domain]byte{
	DomainFinancial: 0x01,
	DomainPII:       0x02,
	DomainBusiness:  0x03,
	DomainSystem:    0x04,
	DomainAudit:     0x05,
}

const (
	// PBKDF2Iterations is the fixed iteration count for domain key
	// derivation.
	PBKDF2Iterations = 200_000

	keySize   = 32
	nonceSize = 12
)

// FieldCipher encrypts individual field values under per-domain
// AES-256-GCM keys derived from the session master secret. Keys are
// derived once at construction and live only in memory.
type FieldCipher struct {
	aeads map[Domain]cipher.AEAD
	keys  map[Domain][]byte
}

// NewFieldCipher derives one key per domain from the master secret.
// The per-domain salt is fixed per domain name, so the same master
// secret always yields the same domain keys.
func NewFieldCipher(masterSecret []byte) (*FieldCipher, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("%w: empty master secret", ErrEncryptionFailure)
	}

	fc := &FieldCipher{
		aeads: make(map[Domain]cipher.AEAD, len(Domains)),
		keys:  make(map[Domain][]byte, len(Domains)),
	}
	for _, domain := range Domains {
		salt := sha256.Sum256([]byte("sentra/domain-salt/v1/" + string(domain)))
		key := pbkdf2.Key(masterSecret, salt[:], PBKDF2Iterations, keySize, sha256.New)

		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
		fc.aeads[domain] = aead
		fc.keys[domain] = key
	}
	return fc, nil
}

// Encrypt encrypts plaintext under the domain key. The blob format is
// base64( domainCode ‖ nonce ‖ ciphertext+tag ).
func (fc *FieldCipher) Encrypt(plaintext []byte, domain Domain) (string, error) {
	aead, ok := fc.aeads[domain]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce generation: %v", ErrEncryptionFailure, err)
	}

	blob := make([]byte, 0, 1+nonceSize+len(plaintext)+aead.Overhead())
	blob = append(blob, domainCodes[domain])
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt decrypts a blob under the given domain. The domain argument
// is required even though blobs are self-describing: a blob whose
// embedded code disagrees with it is rejected, so a ciphertext lifted
// from one domain cannot be replayed into another.
func (fc *FieldCipher) Decrypt(blob string, domain Domain) ([]byte, error) {
	aead, ok := fc.aeads[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob encoding", ErrDecryptionFailure)
	}
	if len(raw) < 1+nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryptionFailure)
	}

	if raw[0] != domainCodes[domain] {
		return nil, fmt.Errorf("%w: blob code 0x%02x, requested %q", ErrDomainMismatch, raw[0], domain)
	}

	nonce := raw[1 : 1+nonceSize]
	ciphertext := raw[1+nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}

// Destroy zeroizes all derived domain keys. The cipher is unusable
// afterwards; a new session must construct a fresh one.
func (fc *FieldCipher) Destroy() {
	for domain, key := range fc.keys {
		zeroBytes(key)
		delete(fc.keys, domain)
		delete(fc.aeads, domain)
	}
}

// zeroBytes overwrites sensitive key material in place.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
