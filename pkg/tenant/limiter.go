package tenant

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// LimitPolicy bounds a tenant's request rate and in-flight operations.
type LimitPolicy struct {
	RPM           int // sustained requests per minute
	Burst         int // token bucket capacity
	MaxConcurrent int // in-flight operations
}

// DefaultLimitPolicy is applied to tenants with no explicit policy.
var DefaultLimitPolicy = LimitPolicy{RPM: 600, Burst: 60, MaxConcurrent: 16}

// LimiterStore abstracts the rate-limit bucket storage so a single process
// and a Redis-backed fleet share the same check.
type LimiterStore interface {
	// Allow consumes cost tokens from the tenant's bucket, reporting whether
	// the request may proceed.
	Allow(ctx context.Context, tenantID string, policy LimitPolicy, cost int) (bool, error)
}

// MemoryLimiterStore keeps per-tenant token buckets in process.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewMemoryLimiterStore creates an empty store.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, tenantID string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.buckets[tenantID]
	if !ok {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(perSec, burst)
		s.buckets[tenantID] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}

// Guard enforces the rate limit and the concurrency semaphore at the request
// boundary.
type Guard struct {
	mu       sync.Mutex
	store    LimiterStore
	policies map[string]LimitPolicy
	inflight map[string]int
}

// NewGuard builds a guard over a limiter store.
func NewGuard(store LimiterStore) *Guard {
	return &Guard{
		store:    store,
		policies: make(map[string]LimitPolicy),
		inflight: make(map[string]int),
	}
}

// SetPolicy assigns an explicit limit policy to a tenant.
func (g *Guard) SetPolicy(tenantID string, policy LimitPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[tenantID] = policy
}

func (g *Guard) policyFor(tenantID string) LimitPolicy {
	if p, ok := g.policies[tenantID]; ok {
		return p
	}
	return DefaultLimitPolicy
}

// Acquire admits one operation for the tenant, returning a release function.
// Exhausted concurrency reports TENANT_CONCURRENCY_LIMIT; an exhausted rate
// bucket does the same, the caller maps both to 503.
func (g *Guard) Acquire(ctx context.Context, tenantID string) (func(), error) {
	g.mu.Lock()
	policy := g.policyFor(tenantID)
	if policy.MaxConcurrent > 0 && g.inflight[tenantID] >= policy.MaxConcurrent {
		g.mu.Unlock()
		return nil, apierror.New(apierror.CodeTenantConcurrencyLimit,
			"tenant %s has %d operations in flight", tenantID, policy.MaxConcurrent)
	}
	g.inflight[tenantID]++
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		g.inflight[tenantID]--
		g.mu.Unlock()
	}

	if g.store != nil {
		allowed, err := g.store.Allow(ctx, tenantID, policy, 1)
		if err != nil {
			release()
			return nil, apierror.New(apierror.CodeInternalError, "rate limit check failed: %v", err)
		}
		if !allowed {
			release()
			return nil, apierror.New(apierror.CodeTenantConcurrencyLimit,
				"tenant %s exceeded its request rate", tenantID)
		}
	}
	return release, nil
}
