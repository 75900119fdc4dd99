package tenant

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// Ops token scopes.
const (
	ScopeFinanceRead  = "finance_read"
	ScopeFinanceWrite = "finance_write"
	ScopeOpsRead      = "ops_read"
	ScopeAuditRead    = "audit_read"
)

// DefaultOpsTokenTTL bounds minted tokens when the caller asks for none.
const DefaultOpsTokenTTL = time.Hour

// OpsAuth mints and verifies the HMAC-signed ops tokens that protect
// operator surfaces (receipt export, finance packs, audit reads).
type OpsAuth struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewOpsAuth builds an authenticator over a shared signing secret.
func NewOpsAuth(secret []byte, issuer string) *OpsAuth {
	return &OpsAuth{secret: secret, issuer: issuer, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (a *OpsAuth) WithClock(clock func() time.Time) *OpsAuth {
	a.clock = clock
	return a
}

type opsClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Mint issues a token for one tenant with the given scopes.
func (a *OpsAuth) Mint(tenantID string, scopes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultOpsTokenTTL
	}
	now := a.clock().UTC()
	claims := opsClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks the token's signature, expiry, tenant binding, and required
// scope. A missing or invalid token reports OPS_TOKEN_REQUIRED; a valid
// token lacking the scope reports OPS_SCOPE_DENIED.
func (a *OpsAuth) Verify(tokenStr, tenantID, requiredScope string) error {
	if tokenStr == "" {
		return apierror.New(apierror.CodeOpsTokenRequired, "missing %s header", HeaderOpsToken)
	}
	var claims opsClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.clock), jwt.WithIssuer(a.issuer))
	if err != nil || !token.Valid {
		return apierror.New(apierror.CodeOpsTokenRequired, "ops token is invalid: %v", err)
	}
	if claims.Subject != tenantID {
		return apierror.New(apierror.CodeOpsTokenRequired,
			"ops token is bound to another tenant")
	}
	for _, s := range claims.Scopes {
		if s == requiredScope {
			return nil
		}
	}
	return apierror.New(apierror.CodeOpsScopeDenied,
		"ops token lacks the %s scope", requiredScope)
}
