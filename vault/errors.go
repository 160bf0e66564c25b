package vault

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrEncryptionFailure indicates key derivation or cipher setup failed.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrDecryptionFailure indicates an AEAD open failed: wrong key,
	// corrupted nonce, or tag mismatch. The output must never be treated
	// as plaintext.
	ErrDecryptionFailure = errors.New("decryption failed")

	// ErrIntegrityViolation indicates a checksum or signature mismatch.
	// Data carrying it must be treated as hostile.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrDomainMismatch indicates a blob's embedded domain code disagrees
	// with the domain the caller asked to decrypt under. It is a form of
	// integrity violation.
	ErrDomainMismatch = fmt.Errorf("%w: domain mismatch", ErrIntegrityViolation)

	// ErrReplayExpired indicates an envelope past its ttl. Treated as
	// absent data, not as an attack.
	ErrReplayExpired = errors.New("envelope expired")

	// ErrVaultUninitialized indicates an operation after PurgeAll or
	// before initialization. The session must be re-initialized.
	ErrVaultUninitialized = errors.New("vault not initialized")

	// ErrUnknownDomain indicates an unrecognized key domain.
	ErrUnknownDomain = errors.New("unknown key domain")
)
