// Package policy enforces wallet policies and billing plan limits at the
// settlement kernel's transition points (authorize-payment, verify,
// reversal). Enforcement is fail-closed: a policy error blocks the
// transition before any state change.
package policy

import (
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// WalletPolicy is the X402WalletPolicy.v1 record governing what a payer
// wallet may do.
type WalletPolicy struct {
	SchemaVersion             string   `json:"schemaVersion"`
	AllowedReversalActions    []string `json:"allowedReversalActions,omitempty"`
	RequireQuote              bool     `json:"requireQuote,omitempty"`
	RequireStrictRequestBinding bool   `json:"requireStrictRequestBinding,omitempty"`
	RequireAgentKeyMatch      bool     `json:"requireAgentKeyMatch,omitempty"`
	MaxAmountCents            int64    `json:"maxAmountCents,omitempty"`
	MaxDailyAuthorizationCents int64   `json:"maxDailyAuthorizationCents,omitempty"`
	AllowedProviderIDs        []string `json:"allowedProviderIds,omitempty"`
	AllowedToolIDs            []string `json:"allowedToolIds,omitempty"`
	AllowedCurrencies         []string `json:"allowedCurrencies,omitempty"`
	// GuardExpression is an optional CEL predicate over the authorization
	// input; when present it must evaluate to true.
	GuardExpression string `json:"guardExpression,omitempty"`
}

// DefaultWalletPolicy permits everything the schema allows.
func DefaultWalletPolicy() WalletPolicy {
	return WalletPolicy{
		SchemaVersion:          "X402WalletPolicy.v1",
		AllowedReversalActions: []string{"void_authorization", "request_refund", "resolve_refund"},
	}
}

// AuthorizationInput is what the policy sees at authorize-payment time.
type AuthorizationInput struct {
	PayerAgentID    string
	PayeeAgentID    string
	AmountCents     int64
	Currency        string
	ToolID          string
	ProviderID      string
	AgentKeyID      string
	DelegationDepth int
	AuthorizedToday int64 // cents already authorized in the current day
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// AllowsReversalAction reports whether the policy permits a reversal action.
func (p WalletPolicy) AllowsReversalAction(action string) error {
	if !contains(p.AllowedReversalActions, action) {
		return apierror.New(apierror.CodeReversalActionNotAllowed,
			"wallet policy does not allow reversal action %q", action)
	}
	return nil
}

// CheckAuthorization enforces the amount, currency, provider, tool, and
// daily-limit rules. The CEL guard (when set) runs through a Guard.
func (p WalletPolicy) CheckAuthorization(in AuthorizationInput, guard *Guard) error {
	if p.MaxAmountCents > 0 && in.AmountCents > p.MaxAmountCents {
		return apierror.New(apierror.CodeReversalActionNotAllowed,
			"amount %d¢ exceeds wallet policy cap %d¢", in.AmountCents, p.MaxAmountCents).
			WithDetail("maxAmountCents", p.MaxAmountCents)
	}
	if p.MaxDailyAuthorizationCents > 0 && in.AuthorizedToday+in.AmountCents > p.MaxDailyAuthorizationCents {
		return apierror.New(apierror.CodeReversalActionNotAllowed,
			"daily authorization cap %d¢ exhausted", p.MaxDailyAuthorizationCents)
	}
	if len(p.AllowedCurrencies) > 0 && !contains(p.AllowedCurrencies, in.Currency) {
		return apierror.New(apierror.CodeWalletCurrencyMismatch,
			"currency %s is not allowed by wallet policy", in.Currency)
	}
	if len(p.AllowedToolIDs) > 0 && !contains(p.AllowedToolIDs, in.ToolID) {
		return apierror.New(apierror.CodeReversalActionNotAllowed,
			"tool %s is not allowed by wallet policy", in.ToolID)
	}
	if len(p.AllowedProviderIDs) > 0 && in.ProviderID != "" && !contains(p.AllowedProviderIDs, in.ProviderID) {
		return apierror.New(apierror.CodeReversalActionNotAllowed,
			"provider %s is not allowed by wallet policy", in.ProviderID)
	}
	if p.GuardExpression != "" {
		if guard == nil {
			return apierror.New(apierror.CodeInternalError, "policy guard not configured")
		}
		allowed, err := guard.Evaluate(p.GuardExpression, map[string]any{
			"authorization": map[string]any{
				"payerAgentId":    in.PayerAgentID,
				"payeeAgentId":    in.PayeeAgentID,
				"amountCents":     in.AmountCents,
				"currency":        in.Currency,
				"toolId":          in.ToolID,
				"delegationDepth": in.DelegationDepth,
			},
			"timestamp": time.Now().Unix(),
		})
		if err != nil {
			return apierror.New(apierror.CodeReversalActionNotAllowed, "policy guard error: %v", err)
		}
		if !allowed {
			return apierror.New(apierror.CodeReversalActionNotAllowed, "policy guard denied authorization")
		}
	}
	return nil
}
