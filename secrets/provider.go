// Package secrets supplies the master secret from which the vault
// derives its domain keys. The secret is handed to the session at
// construction and is never written to local storage by this module;
// storage and rotation of the sealed form are the provider's concern.
package secrets

import (
	"context"
	"errors"
)

// MasterSecretSize is the required master secret length in bytes.
const MasterSecretSize = 32

// ErrInvalidSecret indicates the provider produced a secret of the wrong size.
var ErrInvalidSecret = errors.New("master secret must be 32 bytes")

// Provider supplies the session master secret.
type Provider interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// Static is a fixed-secret provider for development and tests.
type Static struct {
	secret []byte
}

// NewStatic wraps an existing 32-byte secret.
func NewStatic(secret []byte) (*Static, error) {
	if len(secret) != MasterSecretSize {
		return nil, ErrInvalidSecret
	}
	return &Static{secret: append([]byte(nil), secret...)}, nil
}

// MasterSecret returns a copy of the wrapped secret.
func (s *Static) MasterSecret(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), s.secret...), nil
}
