package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/trustfabric/sentra/incident"
	"github.com/trustfabric/sentra/storage"
)

const blobKeyPrefix = "vault/"

// Vault provides layered store/retrieve/delete of sensitive values.
// Writes pass through three layers: domain field encryption, the
// integrity envelope, and a session-bound outer cipher. The session key
// is derived from a random token generated at initialization and the
// opaque session id, so nothing at rest can reconstruct it; once the
// session ends, stored blobs are unrecoverable even with the original
// master secret.
type Vault struct {
	mu sync.Mutex

	cipher   *FieldCipher
	packager *IntegrityPackager
	store    storage.Store
	incs     incident.Recorder
	identity string

	sessionKey  []byte
	sessionAEAD cipher.AEAD
	keyIndex    map[string]struct{}
	initialized bool
}

// Config holds what a Vault needs at construction.
type Config struct {
	MasterSecret []byte
	SessionID    string // opaque id from the auth collaborator
	Identity     string
	Store        storage.Store
	Incidents    incident.Recorder
	EnvelopeTTL  time.Duration // replay window; zero means the default
}

// New builds a fully initialized vault: domain keys derived, envelope
// packager keyed, and a fresh session key minted.
func New(cfg Config) (*Vault, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: no persistence store", ErrVaultUninitialized)
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("%w: no session id", ErrVaultUninitialized)
	}

	fc, err := NewFieldCipher(cfg.MasterSecret)
	if err != nil {
		return nil, err
	}

	var opts []PackagerOption
	if cfg.EnvelopeTTL > 0 {
		opts = append(opts, WithTTL(cfg.EnvelopeTTL))
	}
	packager, err := NewIntegrityPackager(cfg.MasterSecret, opts...)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		cipher:   fc,
		packager: packager,
		store:    cfg.Store,
		incs:     cfg.Incidents,
		identity: cfg.Identity,
		keyIndex: make(map[string]struct{}),
	}
	if err := v.mintSessionKey(cfg.SessionID); err != nil {
		return nil, err
	}
	v.initialized = true
	return v, nil
}

// mintSessionKey derives a fresh session key from a random token and
// the session id, and swaps in the matching AEAD. Caller holds mu (or
// the vault is not yet shared).
func (v *Vault) mintSessionKey(sessionID string) error {
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return fmt.Errorf("%w: session token generation: %v", ErrEncryptionFailure, err)
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, token, []byte(sessionID), []byte("sentra/session-key/v1"))
	if _, err := io.ReadFull(reader, key); err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	zeroBytes(token)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	if v.sessionKey != nil {
		zeroBytes(v.sessionKey)
	}
	v.sessionKey = key
	v.sessionAEAD = aead
	return nil
}

// Store serializes value, protects it under the domain key, seals it in
// an envelope, re-encrypts under the session key, and hands the result
// to the persistence collaborator.
func (v *Vault) Store(ctx context.Context, key string, value any, domain Domain) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrVaultUninitialized
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value: %w", err)
	}

	inner, err := v.cipher.Encrypt(plaintext, domain)
	if err != nil {
		return err
	}
	env, err := v.packager.Seal([]byte(inner))
	if err != nil {
		return err
	}
	envBytes, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	blob, err := v.sealOuter(envBytes)
	if err != nil {
		return err
	}

	if err := v.store.Put(ctx, blobKeyPrefix+key, blob); err != nil {
		return fmt.Errorf("failed to persist blob: %w", err)
	}
	v.keyIndex[key] = struct{}{}

	log.Debug().Str("key", key).Str("domain", string(domain)).Msg("Value stored")
	return nil
}

// Retrieve undoes the three layers in exact inverse order. A failure at
// any layer records a security incident and yields no value; corrupt or
// partial data is never returned. Absent keys yield (nil, nil).
func (v *Vault) Retrieve(ctx context.Context, key string, domain Domain) (json.RawMessage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return nil, ErrVaultUninitialized
	}

	blob, err := v.store.Get(ctx, blobKeyPrefix+key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	envBytes, err := v.openOuter(blob)
	if err != nil {
		v.recordFailure(ctx, key, "session layer", err)
		return nil, nil
	}
	env, err := DecodeEnvelope(envBytes)
	if err != nil {
		v.recordFailure(ctx, key, "envelope decode", err)
		return nil, nil
	}
	inner, err := v.packager.Open(env)
	if err != nil {
		v.recordFailure(ctx, key, "envelope", err)
		return nil, nil
	}
	plaintext, err := v.cipher.Decrypt(string(inner), domain)
	if err != nil {
		v.recordFailure(ctx, key, "domain layer", err)
		return nil, nil
	}

	return json.RawMessage(plaintext), nil
}

// Delete removes a stored value.
func (v *Vault) Delete(ctx context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrVaultUninitialized
	}
	if err := v.store.Delete(ctx, blobKeyPrefix+key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	delete(v.keyIndex, key)
	return nil
}

// PurgeAll deletes every vault-managed key and destroys all in-memory
// key material. The vault is unusable afterwards; only a new session
// can protect data again.
func (v *Vault) PurgeAll(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrVaultUninitialized
	}

	deleted := 0
	for key := range v.keyIndex {
		if err := v.store.Delete(ctx, blobKeyPrefix+key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to delete blob during purge")
			continue
		}
		deleted++
	}
	v.keyIndex = make(map[string]struct{})

	zeroBytes(v.sessionKey)
	v.sessionKey = nil
	v.sessionAEAD = nil
	v.cipher.Destroy()
	v.initialized = false

	log.Warn().Int("deleted", deleted).Msg("Vault purged")
	return nil
}

// Shutdown destroys all in-memory key material without deleting stored
// blobs. Used at normal session end; the blobs are unrecoverable anyway
// once the session key is gone.
func (v *Vault) Shutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return
	}
	zeroBytes(v.sessionKey)
	v.sessionKey = nil
	v.sessionAEAD = nil
	v.cipher.Destroy()
	v.initialized = false
}

// RegenerateSessionKey mints a fresh session key and re-wraps every
// stored blob's outer layer under it. Used by the security self-check
// when the session key is suspected degraded.
func (v *Vault) RegenerateSessionKey(ctx context.Context, sessionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrVaultUninitialized
	}

	oldAEAD := v.sessionAEAD
	if err := v.mintSessionKey(sessionID); err != nil {
		return err
	}

	rewrapped := 0
	for key := range v.keyIndex {
		blob, err := v.store.Get(ctx, blobKeyPrefix+key)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to read blob during key regeneration")
			continue
		}
		envBytes, err := openWith(oldAEAD, blob)
		if err != nil {
			v.recordFailure(ctx, key, "session layer", err)
			continue
		}
		newBlob, err := v.sealOuter(envBytes)
		if err != nil {
			return err
		}
		if err := v.store.Put(ctx, blobKeyPrefix+key, newBlob); err != nil {
			return fmt.Errorf("failed to rewrap blob: %w", err)
		}
		rewrapped++
	}

	log.Info().Int("rewrapped", rewrapped).Msg("Session key regenerated")
	return nil
}

// Initialized reports whether the vault can serve operations.
func (v *Vault) Initialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initialized
}

// sealOuter encrypts with the session key, nonce prepended.
func (v *Vault) sealOuter(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.sessionAEAD.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrEncryptionFailure, err)
	}
	return v.sessionAEAD.Seal(nonce, nonce, plaintext, nil), nil
}

// openOuter decrypts the session layer.
func (v *Vault) openOuter(blob []byte) ([]byte, error) {
	return openWith(v.sessionAEAD, blob)
}

func openWith(aead cipher.AEAD, blob []byte) ([]byte, error) {
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryptionFailure)
	}
	nonce := blob[:aead.NonceSize()]
	out, err := aead.Open(nil, nonce, blob[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return out, nil
}

// recordFailure logs a decryption failure with full internal detail and
// feeds the incident pipeline. Replay expiry is low severity; it means
// stale data, not tampering.
func (v *Vault) recordFailure(ctx context.Context, key, layer string, err error) {
	typ := incident.TypeDecryptionFailure
	sev := incident.SeverityHigh
	switch {
	case errors.Is(err, ErrReplayExpired):
		typ = incident.TypeReplayExpired
		sev = incident.SeverityLow
	case errors.Is(err, ErrIntegrityViolation):
		typ = incident.TypeIntegrityViolation
	}

	log.Error().Err(err).Str("key", key).Str("layer", layer).Msg("Vault retrieve failed")
	if v.incs != nil {
		v.incs.Record(ctx, incident.Incident{
			Identity: v.identity,
			Type:     typ,
			Severity: sev,
			Details: map[string]string{
				"key":   key,
				"layer": layer,
				"error": err.Error(),
			},
		})
	}
}
