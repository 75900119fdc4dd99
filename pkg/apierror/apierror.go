// Package apierror defines the kernel's error taxonomy and the RFC 7807
// problem-detail responses every surface renders. Errors carry stable wire
// codes; handlers map codes to HTTP statuses through StatusFor.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Stable wire codes. Grouped by class per the error taxonomy.
const (
	// Schema
	CodeSchemaInvalid   = "SCHEMA_INVALID"
	CodeNumberNotFinite = "NUMBER_NOT_FINITE"
	CodeTenantRequired  = "TENANT_REQUIRED"

	// Auth / scope
	CodeOpsTokenRequired = "OPS_TOKEN_REQUIRED"
	CodeOpsScopeDenied   = "OPS_SCOPE_DENIED"

	// Concurrency
	CodeChainHashCASMismatch    = "CHAIN_HASH_CAS_MISMATCH"
	CodeIdempotencyBodyMismatch = "IDEMPOTENCY_BODY_MISMATCH"
	CodeTenantConcurrencyLimit  = "TENANT_CONCURRENCY_LIMIT"

	// Policy
	CodeReversalActionNotAllowed     = "X402_WALLET_POLICY_REVERSAL_ACTION_NOT_ALLOWED"
	CodeBillingPlanLimitExceeded     = "BILLING_PLAN_LIMIT_EXCEEDED"
	CodeWalletIssuerDecisionRequired = "X402_WALLET_ISSUER_DECISION_REQUIRED"

	// Binding
	CodeReversalBindingEvidenceRequired = "X402_REVERSAL_BINDING_EVIDENCE_REQUIRED"
	CodeReversalBindingEvidenceMismatch = "X402_REVERSAL_BINDING_EVIDENCE_MISMATCH"
	CodeReversalPayloadHashMismatch     = "X402_REVERSAL_COMMAND_PAYLOAD_HASH_MISMATCH"
	CodeDisputeCloseEvidenceRequired    = "X402_DISPUTE_CLOSE_BINDING_EVIDENCE_REQUIRED"
	CodeDisputeCloseEvidenceMismatch    = "X402_DISPUTE_CLOSE_BINDING_EVIDENCE_MISMATCH"
	CodeVerdictBindingEvidenceRequired  = "X402_VERDICT_BINDING_EVIDENCE_REQUIRED"
	CodeVerdictBindingEvidenceMismatch  = "X402_VERDICT_BINDING_EVIDENCE_MISMATCH"
	CodeAppealBindingEvidenceRequired   = "X402_APPEAL_BINDING_EVIDENCE_REQUIRED"
	CodeAppealBindingEvidenceMismatch   = "X402_APPEAL_BINDING_EVIDENCE_MISMATCH"
	CodeProviderSignatureInvalid        = "PROVIDER_SIGNATURE_INVALID"
	CodeQuoteBindingMismatch            = "QUOTE_BINDING_MISMATCH"

	// Crypto
	CodeSignatureInvalid             = "SIGNATURE_INVALID"
	CodeSignaturePayloadHashMismatch = "SIGNATURE_PAYLOAD_HASH_MISMATCH"

	// Federation
	CodeFederationUntrustedCoordinator = "FEDERATION_UNTRUSTED_COORDINATOR"
	CodeFederationTrustAnchorRevoked   = "FEDERATION_TRUST_ANCHOR_REVOKED"
	CodeFederationUpstreamUnreachable  = "FEDERATION_UPSTREAM_UNREACHABLE"

	// Wallet
	CodeInsufficientFunds      = "INSUFFICIENT_FUNDS"
	CodeWalletCurrencyMismatch = "WALLET_CURRENCY_MISMATCH"
	CodeEscrowUnderflow        = "ESCROW_UNDERFLOW"

	// Generic
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeInternalError = "INTERNAL_ERROR"

	// Conformance harness
	CodeAdapterTimeout    = "ADAPTER_TIMEOUT"
	CodeAdapterExecFailed = "ADAPTER_EXEC_FAILED"
)

var statusByCode = map[string]int{
	CodeSchemaInvalid:   http.StatusBadRequest,
	CodeNumberNotFinite: http.StatusBadRequest,
	CodeTenantRequired:  http.StatusBadRequest,

	CodeOpsTokenRequired: http.StatusUnauthorized,
	CodeOpsScopeDenied:   http.StatusForbidden,

	CodeChainHashCASMismatch:    http.StatusConflict,
	CodeIdempotencyBodyMismatch: http.StatusConflict,
	CodeTenantConcurrencyLimit:  http.StatusServiceUnavailable,

	CodeReversalActionNotAllowed:     http.StatusConflict,
	CodeBillingPlanLimitExceeded:     http.StatusPaymentRequired,
	CodeWalletIssuerDecisionRequired: http.StatusConflict,

	CodeReversalBindingEvidenceRequired: http.StatusConflict,
	CodeReversalBindingEvidenceMismatch: http.StatusConflict,
	CodeReversalPayloadHashMismatch:     http.StatusConflict,
	CodeDisputeCloseEvidenceRequired:    http.StatusConflict,
	CodeDisputeCloseEvidenceMismatch:    http.StatusConflict,
	CodeVerdictBindingEvidenceRequired:  http.StatusConflict,
	CodeVerdictBindingEvidenceMismatch:  http.StatusConflict,
	CodeAppealBindingEvidenceRequired:   http.StatusConflict,
	CodeAppealBindingEvidenceMismatch:   http.StatusConflict,
	CodeProviderSignatureInvalid:        http.StatusConflict,
	CodeQuoteBindingMismatch:            http.StatusConflict,

	CodeSignatureInvalid:             http.StatusConflict,
	CodeSignaturePayloadHashMismatch: http.StatusConflict,

	CodeFederationUntrustedCoordinator: http.StatusForbidden,
	CodeFederationTrustAnchorRevoked:   http.StatusForbidden,
	CodeFederationUpstreamUnreachable:  http.StatusBadGateway,

	CodeInsufficientFunds:      http.StatusConflict,
	CodeWalletCurrencyMismatch: http.StatusConflict,
	CodeEscrowUnderflow:        http.StatusConflict,

	CodeNotFound:      http.StatusNotFound,
	CodeConflict:      http.StatusConflict,
	CodeInternalError: http.StatusInternalServerError,
}

// StatusFor maps a wire code to its HTTP status. Unknown codes are 500.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the kernel's result type for failed operations. It replaces
// non-local control flow: every layer returns it and the handler renders it.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Path    string         `json:"path,omitempty"`
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with a formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithPath sets the offending JSON path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// CodeOf extracts the wire code from an error chain, defaulting to
// INTERNAL_ERROR for unclassified failures.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternalError
}

// ProblemDetail is the RFC 7807 response body.
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Code     string         `json:"code"`
	Path     string         `json:"path,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Instance string         `json:"instance,omitempty"`
}

// Write renders err as an RFC 7807 problem detail. Internal errors are
// logged but never leaked verbatim to the client.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		slog.Error("internal error", "error", err)
		ae = New(CodeInternalError, "an unexpected error occurred")
	}
	status := StatusFor(ae.Code)
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://settld.nooterra.dev/errors/%s", ae.Code),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  ae.Message,
		Code:    ae.Code,
		Path:    ae.Path,
		Details: ae.Details,
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
