// Package storage provides the opaque byte storage the vault hands its
// protected blobs to. Implementations make no schema assumptions about
// the blobs they hold.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("key not found")

// Store is the persistence collaborator: opaque keyed byte storage.
type Store interface {
	Put(ctx context.Context, key string, blob []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
