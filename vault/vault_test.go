package vault

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trustfabric/sentra/incident"
	"github.com/trustfabric/sentra/storage"
)

// recordingLog captures incidents for assertions.
type recordingLog struct {
	mu       sync.Mutex
	recorded []incident.Incident
}

func (r *recordingLog) Record(ctx context.Context, inc incident.Incident) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, inc)
	return "test-incident"
}

func (r *recordingLog) count(typ incident.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inc := range r.recorded {
		if inc.Type == typ {
			n++
		}
	}
	return n
}

func newTestVault(t *testing.T, store storage.Store, incs incident.Recorder) *Vault {
	t.Helper()
	v, err := New(Config{
		MasterSecret: testSecret,
		SessionID:    "session-abc",
		Identity:     "user-1",
		Store:        store,
		Incidents:    incs,
	})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}
	return v
}

func TestVaultStoreRetrieve(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, storage.NewMemory(), &recordingLog{})

	type account struct {
		Number  string  `json:"number"`
		Balance float64 `json:"balance"`
	}
	want := account{Number: "12-3456", Balance: 99.5}

	if err := v.Store(ctx, "acct", want, DomainFinancial); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	raw, err := v.Retrieve(ctx, "acct", DomainFinancial)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	var got account
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != want {
		t.Errorf("Retrieve = %+v, want %+v", got, want)
	}
}

func TestVaultRetrieveMissingKey(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, storage.NewMemory(), &recordingLog{})

	raw, err := v.Retrieve(ctx, "nope", DomainPII)
	if err != nil {
		t.Fatalf("Retrieve of missing key errored: %v", err)
	}
	if raw != nil {
		t.Errorf("Retrieve of missing key = %q, want nil", raw)
	}
}

func TestVaultTamperedBlobYieldsNoneAndIncident(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	incs := &recordingLog{}
	v := newTestVault(t, store, incs)

	if err := v.Store(ctx, "k", "secret", DomainPII); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	blob, err := store.Get(ctx, "vault/k")
	if err != nil {
		t.Fatalf("raw get failed: %v", err)
	}
	blob[len(blob)-1] ^= 0x01
	if err := store.Put(ctx, "vault/k", blob); err != nil {
		t.Fatalf("raw put failed: %v", err)
	}

	raw, err := v.Retrieve(ctx, "k", DomainPII)
	if err != nil {
		t.Fatalf("Retrieve errored instead of yielding none: %v", err)
	}
	if raw != nil {
		t.Errorf("Retrieve of tampered blob = %q, want nil", raw)
	}
	if incs.count(incident.TypeDecryptionFailure) == 0 {
		t.Error("tampered retrieve recorded no decryption_failure incident")
	}
}

func TestVaultDomainMismatchOnRetrieve(t *testing.T) {
	ctx := context.Background()
	incs := &recordingLog{}
	v := newTestVault(t, storage.NewMemory(), incs)

	if err := v.Store(ctx, "k", "pii value", DomainPII); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	raw, err := v.Retrieve(ctx, "k", DomainFinancial)
	if err != nil || raw != nil {
		t.Errorf("cross-domain Retrieve = (%q, %v), want (nil, nil)", raw, err)
	}
	if incs.count(incident.TypeIntegrityViolation) == 0 {
		t.Error("cross-domain retrieve recorded no integrity_violation incident")
	}
}

func TestVaultPurgeAll(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	v := newTestVault(t, store, &recordingLog{})

	for _, key := range []string{"a", "b", "c"} {
		if err := v.Store(ctx, key, key, DomainBusiness); err != nil {
			t.Fatalf("Store(%s) failed: %v", key, err)
		}
	}

	if err := v.PurgeAll(ctx); err != nil {
		t.Fatalf("PurgeAll failed: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("store still holds %d blobs after purge", store.Len())
	}

	if err := v.Store(ctx, "x", "y", DomainBusiness); !errors.Is(err, ErrVaultUninitialized) {
		t.Errorf("Store after purge = %v, want ErrVaultUninitialized", err)
	}
	if _, err := v.Retrieve(ctx, "a", DomainBusiness); !errors.Is(err, ErrVaultUninitialized) {
		t.Errorf("Retrieve after purge = %v, want ErrVaultUninitialized", err)
	}
}

// A new vault over the same persisted blobs but a fresh session must
// not be able to read anything: the outer layer key died with the old
// session.
func TestVaultRestartReturnsNone(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	incs := &recordingLog{}

	v1 := newTestVault(t, store, incs)
	if err := v1.Store(ctx, "persisted", "value", DomainSystem); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	v1.Shutdown()

	v2, err := New(Config{
		MasterSecret: testSecret,
		SessionID:    "session-abc", // same id, new random token
		Identity:     "user-1",
		Store:        store,
		Incidents:    incs,
	})
	if err != nil {
		t.Fatalf("second vault.New failed: %v", err)
	}

	raw, err := v2.Retrieve(ctx, "persisted", DomainSystem)
	if err != nil {
		t.Fatalf("Retrieve errored: %v", err)
	}
	if raw != nil {
		t.Error("blob from a previous session was readable after restart")
	}
}

func TestVaultConfiguredEnvelopeTTL(t *testing.T) {
	ctx := context.Background()
	incs := &recordingLog{}
	v, err := New(Config{
		MasterSecret: testSecret,
		SessionID:    "session-abc",
		Identity:     "user-1",
		Store:        storage.NewMemory(),
		Incidents:    incs,
		EnvelopeTTL:  time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	if err := v.Store(ctx, "k", "v", DomainSystem); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// The envelope expires before any retrieve can happen.
	raw, err := v.Retrieve(ctx, "k", DomainSystem)
	if err != nil || raw != nil {
		t.Errorf("Retrieve of expired envelope = (%q, %v), want (nil, nil)", raw, err)
	}
	if incs.count(incident.TypeReplayExpired) == 0 {
		t.Error("expired retrieve recorded no replay_expired incident")
	}
}

func TestVaultRegenerateSessionKey(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, storage.NewMemory(), &recordingLog{})

	if err := v.Store(ctx, "k", "keep me", DomainAudit); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := v.RegenerateSessionKey(ctx, "session-abc"); err != nil {
		t.Fatalf("RegenerateSessionKey failed: %v", err)
	}

	raw, err := v.Retrieve(ctx, "k", DomainAudit)
	if err != nil {
		t.Fatalf("Retrieve after regeneration failed: %v", err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil || got != "keep me" {
		t.Errorf("Retrieve after regeneration = %q (%v), want %q", got, err, "keep me")
	}
}
