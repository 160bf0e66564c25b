package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trustfabric/sentra/incident"
)

// SQLite is a Store backed by a local SQLite database. It also serves as
// an incident sink so security incidents survive process restarts. The
// blobs it holds are already encrypted by the vault; nothing here adds
// or assumes any crypto.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path. Use ":memory:" for
// an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	-- Opaque vault blobs. Values arrive already encrypted.
	CREATE TABLE IF NOT EXISTS blobs (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Append-only security incidents.
	CREATE TABLE IF NOT EXISTS incidents (
		id         TEXT PRIMARY KEY,
		identity   TEXT NOT NULL,
		type       TEXT NOT NULL,
		severity   TEXT NOT NULL,
		details    BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_identity ON incidents(identity, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores a blob under key, replacing any previous value.
func (s *SQLite) Put(ctx context.Context, key string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, blob, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

// Get retrieves the blob under key, or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return blob, nil
}

// Delete removes the blob under key. Deleting an absent key is not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Store persists an incident, implementing incident.Sink.
func (s *SQLite) Store(ctx context.Context, inc incident.Incident) error {
	var details []byte
	if inc.Details != nil {
		var err error
		details, err = json.Marshal(inc.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal incident details: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, identity, type, severity, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Identity, string(inc.Type), string(inc.Severity), details, inc.At.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store incident: %w", err)
	}
	return nil
}

// CleanupIncidents deletes persisted incidents older than retention and
// returns how many were removed.
func (s *SQLite) CleanupIncidents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM incidents WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup incidents: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
