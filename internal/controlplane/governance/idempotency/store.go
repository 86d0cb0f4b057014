// Package idempotency deduplicates submissions keyed by
// (operator_id, tenant_id, request_id, schema_version), persisting the full
// prior result for exact replay across process restarts.
package idempotency

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus-qen/legator/internal/controlplane/migration"
)

// ErrSchemaVersionMismatch indicates a request_id collision under a
// different schema_version — a conflict, never a replay.
var ErrSchemaVersionMismatch = errors.New("schema_version_mismatch")

// Entry is one stored idempotent result.
type Entry struct {
	OperatorID    string
	TenantID      string
	RequestID     string
	SchemaVersion int
	ResultJSON    string
	StatusCode    int
	CreatedAt     time.Time
}

// Store is a SQLite-backed idempotency store with TTL-based expiry.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	mu  sync.Mutex
}

// Open creates or opens a SQLite-backed idempotency store.
func Open(dbPath string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS idempotency (
		operator_id    TEXT NOT NULL,
		tenant_id      TEXT NOT NULL,
		request_id     TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		result_json    TEXT NOT NULL,
		status_code    INTEGER NOT NULL,
		created_at     TEXT NOT NULL,
		PRIMARY KEY (operator_id, tenant_id, request_id)
	)`); err != nil {
		db.Close()
		return nil, err
	}

	if err := migration.EnsureVersion(db, 1); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the stored entry for the key, or nil if absent or expired.
// If an entry exists under a different schema_version, ErrSchemaVersionMismatch
// is returned instead of a replay.
func (s *Store) Lookup(operatorID, tenantID, requestID string, schemaVersion int) (*Entry, error) {
	row := s.db.QueryRow(`SELECT operator_id, tenant_id, request_id, schema_version, result_json, status_code, created_at
		FROM idempotency WHERE operator_id = ? AND tenant_id = ? AND request_id = ?`, operatorID, tenantID, requestID)

	var e Entry
	var createdAt string
	err := row.Scan(&e.OperatorID, &e.TenantID, &e.RequestID, &e.SchemaVersion, &e.ResultJSON, &e.StatusCode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if time.Since(e.CreatedAt) > s.ttl {
		return nil, nil
	}
	if e.SchemaVersion != schemaVersion {
		return nil, ErrSchemaVersionMismatch
	}
	return &e, nil
}

// Store persists a new idempotent result, overwriting any expired entry for
// the same key.
func (s *Store) Store(operatorID, tenantID, requestID string, schemaVersion int, result any, statusCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO idempotency (operator_id, tenant_id, request_id, schema_version, result_json, status_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operator_id, tenant_id, request_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			result_json = excluded.result_json,
			status_code = excluded.status_code,
			created_at = excluded.created_at`,
		operatorID, tenantID, requestID, schemaVersion, string(resultJSON), statusCode, now.Format(time.RFC3339Nano))
	return err
}

// PurgeExpired deletes entries older than the configured TTL and returns the
// count of rows removed.
func (s *Store) PurgeExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.ttl).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM idempotency WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
