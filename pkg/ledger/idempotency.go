package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
)

// IdempotencyRecord is the stored first-success response for a request key.
type IdempotencyRecord struct {
	TenantID    string    `json:"tenantId"`
	Key         string    `json:"key"`
	RequestHash string    `json:"requestHash"`
	Response    []byte    `json:"response"`
	StatusCode  int       `json:"statusCode"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IdempotencyStore persists (tenantId, idempotencyKey) → first response.
// Probe returns the stored record when the same request bytes replay, and
// IDEMPOTENCY_BODY_MISMATCH when the key is reused with a different body.
type IdempotencyStore interface {
	// Probe checks for a prior record. Returns (record, true) on replay of
	// the same request hash, (nil, false) when the key is unused.
	Probe(ctx context.Context, tenantID, key, requestHash string) (*IdempotencyRecord, bool, error)

	// Commit stores the first successful response for a key. Committing a
	// key twice is a programming error and fails.
	Commit(ctx context.Context, rec IdempotencyRecord) error
}

// RequestHash computes the dedup hash over the normalized request bytes.
func RequestHash(body []byte) string {
	return crypto.SHA256Hex(body)
}

func bodyMismatch(key string) error {
	return apierror.New(apierror.CodeIdempotencyBodyMismatch,
		"idempotency key %q was used with a different request body", key)
}

// MemoryIdempotencyStore is the in-process store.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*IdempotencyRecord
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]*IdempotencyRecord)}
}

func idemKey(tenantID, key string) string { return tenantID + "/" + key }

// Probe implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Probe(ctx context.Context, tenantID, key, requestHash string) (*IdempotencyRecord, bool, error) {
	s.mu.RLock()
	rec, ok := s.entries[idemKey(tenantID, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !crypto.ConstantTimeHexEqual(rec.RequestHash, requestHash) {
		return nil, false, bodyMismatch(key)
	}
	cp := *rec
	return &cp, true, nil
}

// Commit implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Commit(ctx context.Context, rec IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(rec.TenantID, rec.Key)
	if _, exists := s.entries[k]; exists {
		return fmt.Errorf("ledger: idempotency key %q already committed", rec.Key)
	}
	cp := rec
	s.entries[k] = &cp
	return nil
}

// SQLIdempotencyStore persists records through database/sql (Postgres or
// SQLite).
type SQLIdempotencyStore struct {
	db *sql.DB
}

// NewSQLIdempotencyStore wraps an opened database handle.
func NewSQLIdempotencyStore(db *sql.DB) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db}
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	tenant_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	response BLOB NOT NULL,
	status_code INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, idem_key)
);
`

// Init creates the backing table.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

// Probe implements IdempotencyStore.
func (s *SQLIdempotencyStore) Probe(ctx context.Context, tenantID, key, requestHash string) (*IdempotencyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response, status_code, created_at
		 FROM idempotency_records WHERE tenant_id = $1 AND idem_key = $2`,
		tenantID, key)

	rec := IdempotencyRecord{TenantID: tenantID, Key: key}
	var createdAt string
	err := row.Scan(&rec.RequestHash, &rec.Response, &rec.StatusCode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if !crypto.ConstantTimeHexEqual(rec.RequestHash, requestHash) {
		return nil, false, bodyMismatch(key)
	}
	return &rec, true, nil
}

// Commit implements IdempotencyStore.
func (s *SQLIdempotencyStore) Commit(ctx context.Context, rec IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records
		 (tenant_id, idem_key, request_hash, response, status_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TenantID, rec.Key, rec.RequestHash, rec.Response, rec.StatusCode,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger: commit idempotency record: %w", err)
	}
	return nil
}
