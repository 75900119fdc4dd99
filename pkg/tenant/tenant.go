// Package tenant carries the multi-tenancy boundary: tenant extraction from
// request headers, scoped ops tokens, and per-tenant concurrency and rate
// limits. Every kernel operation runs on behalf of exactly one tenant.
package tenant

import (
	"context"
	"net/http"
	"strings"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// Wire headers.
const (
	HeaderTenantID         = "x-proxy-tenant-id"
	HeaderOpsToken         = "x-proxy-ops-token"
	HeaderIdempotencyKey   = "x-idempotency-key"
	HeaderExpectedPrevHash = "x-proxy-expected-prev-chain-hash"
	HeaderProtocol         = "x-nooterra-protocol"
)

type ctxKey int

const tenantCtxKey ctxKey = iota

// FromRequest extracts and validates the tenant ID header.
func FromRequest(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderTenantID))
	if id == "" {
		return "", apierror.New(apierror.CodeTenantRequired, "missing %s header", HeaderTenantID)
	}
	if !validTenantID(id) {
		return "", apierror.New(apierror.CodeTenantRequired, "malformed tenant id %q", id)
	}
	return id, nil
}

// validTenantID accepts lowercase alphanumerics, underscore, and hyphen,
// between 3 and 64 characters.
func validTenantID(id string) bool {
	if len(id) < 3 || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// WithTenant stores the tenant ID on the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey, tenantID)
}

// FromContext reads the tenant ID stored by WithTenant.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantCtxKey).(string)
	return id, ok
}
