package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooterra-labs/settld/core/pkg/crypto"
)

// RedisIdempotencyStore shares idempotency state across kernel instances.
// Records expire after the configured TTL; the TTL must exceed the longest
// window a client is expected to retry within.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore connects to Redis at addr.
func NewRedisIdempotencyStore(addr, password string, db int, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func redisIdemKey(tenantID, key string) string {
	return "settld:idem:" + tenantID + ":" + key
}

// Probe implements IdempotencyStore.
func (s *RedisIdempotencyStore) Probe(ctx context.Context, tenantID, key, requestHash string) (*IdempotencyRecord, bool, error) {
	raw, err := s.client.Get(ctx, redisIdemKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger: redis probe: %w", err)
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("ledger: corrupt idempotency record: %w", err)
	}
	if !crypto.ConstantTimeHexEqual(rec.RequestHash, requestHash) {
		return nil, false, bodyMismatch(key)
	}
	return &rec, true, nil
}

// Commit implements IdempotencyStore. SETNX keeps the first writer's record
// authoritative under concurrent commits.
func (s *RedisIdempotencyStore) Commit(ctx context.Context, rec IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal idempotency record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisIdemKey(rec.TenantID, rec.Key), raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("ledger: redis commit: %w", err)
	}
	if !ok {
		return fmt.Errorf("ledger: idempotency key %q already committed", rec.Key)
	}
	return nil
}
