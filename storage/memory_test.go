package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Put(ctx, "k", []byte("blob")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("blob")) {
		t.Errorf("Get = %q, want %q", got, "blob")
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryCopiesBlobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	blob := []byte("original")
	if err := m.Put(ctx, "k", blob); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	blob[0] = 'X'

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "original" {
		t.Error("stored blob aliases the caller's slice")
	}

	got[0] = 'Y'
	again, _ := m.Get(ctx, "k")
	if string(again) != "original" {
		t.Error("returned blob aliases the stored slice")
	}
}
