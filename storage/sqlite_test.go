package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/trustfabric/sentra/incident"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLitePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Upsert replaces.
	if err := s.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Errorf("Get = %q, want %q", got, "v2")
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	// Deleting an absent key is fine.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete of absent key failed: %v", err)
	}
}

func TestSQLiteIncidentSink(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	inc := incident.Incident{
		ID:       "inc-1",
		Identity: "alice",
		Type:     incident.TypeIntegrityViolation,
		Severity: incident.SeverityHigh,
		Details:  map[string]string{"layer": "envelope"},
		At:       time.Now().Add(-48 * time.Hour),
	}
	if err := s.Store(ctx, inc); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := s.Store(ctx, incident.Incident{
		ID: "inc-2", Identity: "alice",
		Type: incident.TypeAuthFailure, Severity: incident.SeverityLow,
		At: time.Now(),
	}); err != nil {
		t.Fatalf("second Store failed: %v", err)
	}

	removed, err := s.CleanupIncidents(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupIncidents failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupIncidents removed %d, want 1", removed)
	}
}
