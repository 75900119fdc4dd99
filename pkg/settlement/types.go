// Package settlement implements the gate state machine: escrow-backed
// payment commitments that move from creation through authorization and
// verification into released, refunded, or voided terminal states, emitting
// signed receipts at every terminal transition.
package settlement

import (
	"time"

	"github.com/nooterra-labs/settld/core/pkg/policy"
)

// Gate lifecycle states.
const (
	StatusCreated           = "created"
	StatusAuthorized        = "authorized"
	StatusReleased          = "released"
	StatusPartiallyReleased = "partially_released"
	StatusRefundPending     = "refund_pending"
	StatusRefunded          = "refunded"
	StatusVoided            = "voided"
	StatusUnderReview       = "under_review"
	StatusDisputed          = "disputed"
	StatusArbitrated        = "arbitrated"
)

// Verification colours.
const (
	VerifyGreen = "green"
	VerifyAmber = "amber"
	VerifyRed   = "red"
)

// ReceiptSchemaVersion tags emitted settlement receipts.
const ReceiptSchemaVersion = "X402ReceiptRecord.v1"

// SpendAuthorization is the delegation lineage a gate was authorized under.
type SpendAuthorization struct {
	DelegationRef          string `json:"delegationRef,omitempty"`
	EffectiveDelegationRef string `json:"effectiveDelegationRef,omitempty"`
	RootDelegationRef      string `json:"rootDelegationRef,omitempty"`
	DelegationDepth        int    `json:"delegationDepth,omitempty"`
	DelegationChainLength  int    `json:"delegationChainLength,omitempty"`
	BudgetCapCents         int64  `json:"budgetCapCents,omitempty"`
}

// AgentPassport carries the payer-side authorization context presented at
// gate creation.
type AgentPassport struct {
	DelegationRoot     string             `json:"delegationRoot,omitempty"`
	SponsorWalletID    string             `json:"sponsorWalletId,omitempty"`
	SpendAuthorization SpendAuthorization `json:"spendAuthorization,omitempty"`
	MaxDelegationDepth int                `json:"maxDelegationDepth,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
}

// ColourRule is the verification policy for one colour.
type ColourRule struct {
	AutoRelease    bool `json:"autoRelease"`
	ReleaseRatePct int  `json:"releaseRatePct"`
}

// VerificationPolicy selects how a verification outcome settles the gate.
type VerificationPolicy struct {
	Mode  string     `json:"mode"` // "automatic" or "manual"
	Green ColourRule `json:"green"`
	Amber ColourRule `json:"amber"`
	Red   ColourRule `json:"red"`
}

// DefaultVerificationPolicy releases 100% on green and refunds on red.
func DefaultVerificationPolicy() VerificationPolicy {
	return VerificationPolicy{
		Mode:  "automatic",
		Green: ColourRule{AutoRelease: true, ReleaseRatePct: 100},
		Amber: ColourRule{AutoRelease: false, ReleaseRatePct: 50},
		Red:   ColourRule{AutoRelease: true, ReleaseRatePct: 0},
	}
}

// Rule returns the colour rule for a verification status.
func (p VerificationPolicy) Rule(colour string) (ColourRule, bool) {
	switch colour {
	case VerifyGreen:
		return p.Green, true
	case VerifyAmber:
		return p.Amber, true
	case VerifyRed:
		return p.Red, true
	}
	return ColourRule{}, false
}

// Gate is an in-flight payment commitment with locked escrow.
type Gate struct {
	GateID        string              `json:"gateId"`
	TenantID      string              `json:"tenantId"`
	RunID         string              `json:"runId"`
	PayerAgentID  string              `json:"payerAgentId"`
	PayeeAgentID  string              `json:"payeeAgentId"`
	AmountCents   int64               `json:"amountCents"`
	Currency      string              `json:"currency"`
	ToolID        string              `json:"toolId"`
	Status        string              `json:"status"`
	Policy        policy.WalletPolicy `json:"policy"`
	AgentPassport *AgentPassport      `json:"agentPassport,omitempty"`
	DecisionTrace []string            `json:"decisionTrace"`

	// AgentKeyID is the payer key the authorization was presented under,
	// carried into the receipt's spend-authorization binding.
	AgentKeyID string `json:"agentKeyId,omitempty"`

	// Settlement outcome, populated on verify.
	VerificationStatus string `json:"verificationStatus,omitempty"`
	ReleaseRatePct     int    `json:"releaseRatePct,omitempty"`
	ReleasedCents      int64  `json:"releasedCents"`
	ReleasedMilliCents int64  `json:"releasedMilliCents"`
	RefundedCents      int64  `json:"refundedCents"`
	ReceiptID          string `json:"receiptId,omitempty"`

	// EscrowSettled flips when the locked amount leaves escrow; a gate held
	// for review or disputed pre-settlement still carries its lock.
	EscrowSettled bool `json:"escrowSettled"`
	// HeldReleaseRatePct is the colour rule captured when verification holds
	// the gate for manual review.
	HeldReleaseRatePct int `json:"heldReleaseRatePct,omitempty"`
	// PriorStatus is the state to restore when a dispute closes unresolved.
	PriorStatus string `json:"priorStatus,omitempty"`

	// Request binding captured at verify time, consulted by reversals and
	// dispute closure.
	RequestSha256 string `json:"requestSha256,omitempty"`
	QuoteID       string `json:"quoteId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the gate reached a terminal settlement state.
func (g *Gate) Terminal() bool {
	switch g.Status {
	case StatusReleased, StatusPartiallyReleased, StatusRefunded, StatusVoided, StatusArbitrated:
		return true
	}
	return false
}

// CreateInput are the gate creation parameters.
type CreateInput struct {
	GateID        string
	RunID         string
	PayerAgentID  string
	PayeeAgentID  string
	AmountCents   int64
	Currency      string
	ToolID        string
	Policy        *policy.WalletPolicy
	AgentPassport *AgentPassport
}

// AuthorizeInput are the authorize-payment parameters.
type AuthorizeInput struct {
	GateID string
	// AgentKeyID identifies the payer key that signed the request.
	AgentKeyID string
	// IssuerDecisionToken is the signed issuer decision required when the
	// passport names a sponsor wallet.
	IssuerDecisionToken map[string]any
}

// VerifyInput are the verify parameters.
type VerifyInput struct {
	GateID             string
	VerificationStatus string
	Policy             VerificationPolicy
	VerificationMethod string
	EvidenceRefs       []string

	// Provider response binding (optional). The signature is ed25519 over
	// the SHA-256 of the raw response bytes, by a registered payee key.
	ProviderSignature string
	ProviderKeyID     string
	ProviderResponse  []byte

	// Provider quote binding (optional). The signature is ed25519 over the
	// canonical hash of the quote payload.
	ProviderQuotePayload   map[string]any
	QuoteSha256            string
	ProviderQuoteSignature string
	ProviderQuoteKeyID     string
}

// Release computation carries milli-cent precision: the intermediate is
// amount × pct × 10 milli-cents, floored to cents on the way out. Both are
// exposed so reconciliation can detect drift.
func ComputeRelease(amountCents int64, releaseRatePct int) (cents, milliCents int64) {
	milliCents = amountCents * int64(releaseRatePct) * 10
	return milliCents / 1000, milliCents
}
