package tenant

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/x402/gate/create", nil)
	_, err := FromRequest(r)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeTenantRequired, apierror.CodeOf(err))

	r.Header.Set(HeaderTenantID, "tn_acme")
	id, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "tn_acme", id)

	for _, bad := range []string{"ab", "TN_ACME", "tn acme", "tn/../etc"} {
		r.Header.Set(HeaderTenantID, bad)
		_, err = FromRequest(r)
		assert.Error(t, err, "tenant id %q", bad)
	}
}

func TestTenantContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "tn_acme")
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "tn_acme", id)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestOpsAuth_MintAndVerify(t *testing.T) {
	auth := NewOpsAuth([]byte("test-secret"), "settld")
	token, err := auth.Mint("tn_acme", []string{ScopeFinanceRead, ScopeOpsRead}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, auth.Verify(token, "tn_acme", ScopeFinanceRead))
	require.NoError(t, auth.Verify(token, "tn_acme", ScopeOpsRead))

	err = auth.Verify(token, "tn_acme", ScopeFinanceWrite)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeOpsScopeDenied, apierror.CodeOf(err))

	// Bound to the minting tenant.
	err = auth.Verify(token, "tn_other", ScopeFinanceRead)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeOpsTokenRequired, apierror.CodeOf(err))

	// Missing and garbage tokens.
	assert.Equal(t, apierror.CodeOpsTokenRequired, apierror.CodeOf(auth.Verify("", "tn_acme", ScopeOpsRead)))
	assert.Equal(t, apierror.CodeOpsTokenRequired, apierror.CodeOf(auth.Verify("not.a.jwt", "tn_acme", ScopeOpsRead)))

	// A token signed under another secret is rejected.
	other := NewOpsAuth([]byte("other-secret"), "settld")
	foreign, err := other.Mint("tn_acme", []string{ScopeOpsRead}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, apierror.CodeOpsTokenRequired, apierror.CodeOf(auth.Verify(foreign, "tn_acme", ScopeOpsRead)))
}

func TestOpsAuth_Expiry(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	auth := NewOpsAuth([]byte("test-secret"), "settld").WithClock(func() time.Time { return now })

	token, err := auth.Mint("tn_acme", []string{ScopeOpsRead}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, auth.Verify(token, "tn_acme", ScopeOpsRead))

	now = now.Add(2 * time.Minute)
	err = auth.Verify(token, "tn_acme", ScopeOpsRead)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeOpsTokenRequired, apierror.CodeOf(err))
}

func TestGuard_ConcurrencyLimit(t *testing.T) {
	g := NewGuard(nil)
	g.SetPolicy("tn_acme", LimitPolicy{MaxConcurrent: 2})
	ctx := context.Background()

	rel1, err := g.Acquire(ctx, "tn_acme")
	require.NoError(t, err)
	rel2, err := g.Acquire(ctx, "tn_acme")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "tn_acme")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeTenantConcurrencyLimit, apierror.CodeOf(err))

	// Another tenant is unaffected.
	relOther, err := g.Acquire(ctx, "tn_other")
	require.NoError(t, err)
	relOther()

	rel1()
	rel3, err := g.Acquire(ctx, "tn_acme")
	require.NoError(t, err)
	rel3()
	rel2()
}

func TestGuard_RateLimit(t *testing.T) {
	g := NewGuard(NewMemoryLimiterStore())
	g.SetPolicy("tn_acme", LimitPolicy{RPM: 60, Burst: 2, MaxConcurrent: 100})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rel, err := g.Acquire(ctx, "tn_acme")
		require.NoError(t, err)
		rel()
	}
	_, err := g.Acquire(ctx, "tn_acme")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeTenantConcurrencyLimit, apierror.CodeOf(err))
}

func TestMemoryLimiterStore_Refills(t *testing.T) {
	s := NewMemoryLimiterStore()
	policy := LimitPolicy{RPM: 6000, Burst: 1}
	ctx := context.Background()

	ok, err := s.Allow(ctx, "tn_acme", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Allow(ctx, "tn_acme", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// 100 tokens/sec refills one within 50ms.
	time.Sleep(50 * time.Millisecond)
	ok, err = s.Allow(ctx, "tn_acme", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
