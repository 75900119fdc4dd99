package settlement

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/core/pkg/agent"
	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/canonical"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/policy"
	"github.com/nooterra-labs/settld/core/pkg/wallet"
)

// Evidence ref prefixes recognized in verify and reversal requests.
const (
	EvidenceRequestPrefix  = "http:request_sha256:"
	EvidenceResponsePrefix = "http:response_sha256:"
)

// RunSubject is the event stream a gate's lifecycle is committed to.
func RunSubject(runID string) ledger.SubjectKey {
	return ledger.SubjectKey{Kind: "run", ID: runID}
}

// Config wires a Machine to its collaborators. Wallets, Log, Agents, and
// Signer are required; the rest default to fresh in-process instances.
type Config struct {
	Wallets  *wallet.Ledger
	Log      ledger.EventLog
	Agents   *agent.Registry
	Signer   envelope.Signer
	Guard    *policy.Guard
	Billing  *policy.BillingMeter
	Receipts *ReceiptStore
}

// Machine drives the gate state machine. All transitions commit an event to
// the run chain before any wallet movement; the chain-hash CAS on append is
// what serializes concurrent writers.
type Machine struct {
	mu         sync.RWMutex
	gates      map[string]*Gate    // tenant/gateId
	byRun      map[string][]string // tenant/runId → gateIds
	usedQuotes map[string]string   // tenant/quoteId → gateId
	daily      map[string]int64    // tenant/payer/day → authorized cents

	wallets  *wallet.Ledger
	log      ledger.EventLog
	agents   *agent.Registry
	signer   envelope.Signer
	guard    *policy.Guard
	billing  *policy.BillingMeter
	receipts *ReceiptStore
	clock    func() time.Time
}

// NewMachine builds a Machine from cfg.
func NewMachine(cfg Config) *Machine {
	if cfg.Billing == nil {
		cfg.Billing = policy.NewBillingMeter()
	}
	if cfg.Receipts == nil {
		cfg.Receipts = NewReceiptStore()
	}
	return &Machine{
		gates:      make(map[string]*Gate),
		byRun:      make(map[string][]string),
		usedQuotes: make(map[string]string),
		daily:      make(map[string]int64),
		wallets:    cfg.Wallets,
		log:        cfg.Log,
		agents:     cfg.Agents,
		signer:     cfg.Signer,
		guard:      cfg.Guard,
		billing:    cfg.Billing,
		receipts:   cfg.Receipts,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// Receipts exposes the receipt store for listing and export.
func (m *Machine) Receipts() *ReceiptStore { return m.receipts }

// Billing exposes the billing meter.
func (m *Machine) Billing() *policy.BillingMeter { return m.billing }

func gateKey(tenantID, gateID string) string { return tenantID + "/" + gateID }

// Get returns a snapshot of a gate.
func (m *Machine) Get(tenantID, gateID string) (*Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gates[gateKey(tenantID, gateID)]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no gate %s", gateID)
	}
	cp := *g
	cp.DecisionTrace = append([]string(nil), g.DecisionTrace...)
	return &cp, nil
}

// ListByRun returns snapshots of every gate on a run.
func (m *Machine) ListByRun(tenantID, runID string) []Gate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Gate
	for _, id := range m.byRun[tenantID+"/"+runID] {
		g := m.gates[gateKey(tenantID, id)]
		cp := *g
		cp.DecisionTrace = append([]string(nil), g.DecisionTrace...)
		out = append(out, cp)
	}
	return out
}

// CreateGate opens a gate in the created state and commits gate.created to
// the run chain.
func (m *Machine) CreateGate(ctx context.Context, tenantID string, in CreateInput, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	if in.AmountCents <= 0 {
		return nil, nil, apierror.New(apierror.CodeSchemaInvalid, "amountCents must be positive")
	}
	if len(in.Currency) < 3 {
		return nil, nil, apierror.New(apierror.CodeSchemaInvalid, "currency %q is not an ISO-4217 code", in.Currency)
	}
	if in.RunID == "" || in.PayerAgentID == "" || in.PayeeAgentID == "" {
		return nil, nil, apierror.New(apierror.CodeSchemaInvalid, "runId, payerAgentId, and payeeAgentId are required")
	}
	if in.PayerAgentID == in.PayeeAgentID {
		return nil, nil, apierror.New(apierror.CodeSchemaInvalid, "payer and payee must differ")
	}
	if _, err := m.agents.Get(tenantID, in.PayerAgentID); err != nil {
		return nil, nil, err
	}
	if _, err := m.agents.Get(tenantID, in.PayeeAgentID); err != nil {
		return nil, nil, err
	}

	gateID := in.GateID
	if gateID == "" {
		gateID = "gate_" + uuid.NewString()
	}
	pol := policy.DefaultWalletPolicy()
	if in.Policy != nil {
		pol = *in.Policy
	}

	m.mu.Lock()
	if _, exists := m.gates[gateKey(tenantID, gateID)]; exists {
		m.mu.Unlock()
		return nil, nil, apierror.New(apierror.CodeConflict, "gate %s already exists", gateID)
	}
	m.mu.Unlock()

	res, err := m.log.Append(ctx, tenantID, RunSubject(in.RunID), expectedPrev, "gate.created", map[string]any{
		"gateId":       gateID,
		"payerAgentId": in.PayerAgentID,
		"payeeAgentId": in.PayeeAgentID,
		"amountCents":  in.AmountCents,
		"currency":     in.Currency,
		"toolId":       in.ToolID,
	})
	if err != nil {
		return nil, nil, err
	}

	now := m.clock().UTC()
	g := &Gate{
		GateID:        gateID,
		TenantID:      tenantID,
		RunID:         in.RunID,
		PayerAgentID:  in.PayerAgentID,
		PayeeAgentID:  in.PayeeAgentID,
		AmountCents:   in.AmountCents,
		Currency:      in.Currency,
		ToolID:        in.ToolID,
		Status:        StatusCreated,
		Policy:        pol,
		AgentPassport: in.AgentPassport,
		DecisionTrace: []string{"gate:created"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.mu.Lock()
	m.gates[gateKey(tenantID, gateID)] = g
	runKey := tenantID + "/" + in.RunID
	m.byRun[runKey] = append(m.byRun[runKey], gateID)
	m.mu.Unlock()

	snap, _ := m.Get(tenantID, gateID)
	return snap, res, nil
}

func dayKey(tenantID, payerID string, now time.Time) string {
	return tenantID + "/" + payerID + "/" + now.UTC().Format("2006-01-02")
}

// AuthorizePayment moves a created gate into authorized, locking the gate
// amount into the payer's escrow. Policy, delegation lineage, and the
// sponsor-wallet issuer decision all gate the transition.
func (m *Machine) AuthorizePayment(ctx context.Context, tenantID string, in AuthorizeInput, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, in.GateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", in.GateID)
	}
	if g.Status != StatusCreated {
		return nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, authorize-payment requires created", g.GateID, g.Status)
	}

	now := m.clock().UTC()
	var trace []string

	if g.Policy.RequireAgentKeyMatch {
		if in.AgentKeyID == "" {
			return nil, nil, apierror.New(apierror.CodeSignatureInvalid, "wallet policy requires a payer agent key")
		}
		_, agentID, found := m.agents.ResolveKey(tenantID, in.AgentKeyID)
		if !found || agentID != g.PayerAgentID {
			return nil, nil, apierror.New(apierror.CodeSignatureInvalid,
				"key %s is not registered to payer %s", in.AgentKeyID, g.PayerAgentID)
		}
		trace = append(trace, "policy:agent_key_match")
	}

	if pp := g.AgentPassport; pp != nil {
		sa := pp.SpendAuthorization
		if pp.MaxDelegationDepth > 0 && sa.DelegationDepth > pp.MaxDelegationDepth {
			return nil, nil, apierror.New(apierror.CodeReversalActionNotAllowed,
				"delegation depth %d exceeds passport limit %d", sa.DelegationDepth, pp.MaxDelegationDepth)
		}
		if sa.BudgetCapCents > 0 && g.AmountCents > sa.BudgetCapCents {
			return nil, nil, apierror.New(apierror.CodeReversalActionNotAllowed,
				"amount %d¢ exceeds delegated budget cap %d¢", g.AmountCents, sa.BudgetCapCents)
		}
		if sa.DelegationRef != "" {
			trace = append(trace, "delegation:"+sa.DelegationRef)
		}
		if pp.SponsorWalletID != "" {
			if in.IssuerDecisionToken == nil {
				return nil, nil, apierror.New(apierror.CodeWalletIssuerDecisionRequired,
					"sponsor wallet %s requires an issuer decision", pp.SponsorWalletID)
			}
			if err := envelope.VerifySchema(in.IssuerDecisionToken, m.agents.KeyResolver(tenantID)); err != nil {
				return nil, nil, err
			}
			if gateID, _ := in.IssuerDecisionToken["gateId"].(string); gateID != g.GateID {
				return nil, nil, apierror.New(apierror.CodeWalletIssuerDecisionRequired,
					"issuer decision is not bound to gate %s", g.GateID)
			}
			if decision, _ := in.IssuerDecisionToken["decision"].(string); decision != "approve" {
				return nil, nil, apierror.New(apierror.CodeWalletIssuerDecisionRequired,
					"issuer decision is %q, not approve", decision)
			}
			trace = append(trace, "sponsor:issuer_approved")
		}
	}

	m.mu.RLock()
	authorizedToday := m.daily[dayKey(tenantID, g.PayerAgentID, now)]
	m.mu.RUnlock()

	if err := g.Policy.CheckAuthorization(policy.AuthorizationInput{
		PayerAgentID:    g.PayerAgentID,
		PayeeAgentID:    g.PayeeAgentID,
		AmountCents:     g.AmountCents,
		Currency:        g.Currency,
		ToolID:          g.ToolID,
		AgentKeyID:      in.AgentKeyID,
		DelegationDepth: delegationDepth(g.AgentPassport),
		AuthorizedToday: authorizedToday,
	}, m.guard); err != nil {
		return nil, nil, err
	}
	trace = append(trace, "policy:authorized")

	// Preflight the escrow so the chain never records an authorization the
	// wallet cannot back.
	w, err := m.wallets.Get(tenantID, g.PayerAgentID)
	if err != nil {
		return nil, nil, err
	}
	if w.Currency != g.Currency {
		return nil, nil, apierror.New(apierror.CodeWalletCurrencyMismatch,
			"payer wallet is %s, gate is %s", w.Currency, g.Currency)
	}
	if w.AvailableCents < g.AmountCents {
		return nil, nil, apierror.New(apierror.CodeInsufficientFunds,
			"available %d¢ is less than gate amount %d¢", w.AvailableCents, g.AmountCents)
	}

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.authorized", map[string]any{
		"gateId":      g.GateID,
		"amountCents": g.AmountCents,
		"currency":    g.Currency,
		"agentKeyId":  in.AgentKeyID,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := m.wallets.LockEscrow(tenantID, g.PayerAgentID, g.AmountCents, g.Currency, res.Event.ChainHash); err != nil {
		return nil, nil, apierror.New(apierror.CodeInternalError, "escrow lock failed after commit: %v", err)
	}

	m.mu.Lock()
	g.Status = StatusAuthorized
	g.AgentKeyID = in.AgentKeyID
	g.UpdatedAt = now
	g.DecisionTrace = append(g.DecisionTrace, trace...)
	m.daily[dayKey(tenantID, g.PayerAgentID, now)] += g.AmountCents
	m.mu.Unlock()

	snap, _ := m.Get(tenantID, g.GateID)
	return snap, res, nil
}

func delegationDepth(pp *AgentPassport) int {
	if pp == nil {
		return 0
	}
	return pp.SpendAuthorization.DelegationDepth
}

// ParseEvidence extracts the request and response SHA-256 bindings from
// evidence refs. Unrecognized refs pass through untouched.
func ParseEvidence(refs []string) (requestSha, responseSha string) {
	for _, ref := range refs {
		switch {
		case strings.HasPrefix(ref, EvidenceRequestPrefix):
			requestSha = strings.TrimPrefix(ref, EvidenceRequestPrefix)
		case strings.HasPrefix(ref, EvidenceResponsePrefix):
			responseSha = strings.TrimPrefix(ref, EvidenceResponsePrefix)
		}
	}
	return requestSha, responseSha
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), float64(int64(n)) == n
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func (m *Machine) verifyProviderBinding(tenantID string, g *Gate, in VerifyInput, responseSha string) (bool, []string, error) {
	if in.ProviderSignature == "" {
		return false, nil, nil
	}
	if len(in.ProviderResponse) == 0 {
		return false, nil, apierror.New(apierror.CodeProviderSignatureInvalid,
			"provider signature supplied without the response body")
	}
	respHash := crypto.SHA256Hex(in.ProviderResponse)
	if responseSha == "" || !crypto.ConstantTimeHexEqual(respHash, responseSha) {
		return false, nil, apierror.New(apierror.CodeProviderSignatureInvalid,
			"response hash is not bound in evidenceRefs").
			WithDetail("computed", respHash)
	}
	pem, agentID, found := m.agents.ResolveKey(tenantID, in.ProviderKeyID)
	if !found || agentID != g.PayeeAgentID {
		return false, nil, apierror.New(apierror.CodeProviderSignatureInvalid,
			"key %s is not registered to payee %s", in.ProviderKeyID, g.PayeeAgentID)
	}
	valid, err := crypto.VerifyHashHex(respHash, in.ProviderSignature, pem)
	if err != nil || !valid {
		return false, nil, apierror.New(apierror.CodeProviderSignatureInvalid,
			"provider signature does not verify over the response hash")
	}
	return true, []string{"binding:provider_signature_verified"}, nil
}

func (m *Machine) verifyQuoteBinding(tenantID string, g *Gate, in VerifyInput, requestSha string) (quoteID string, sigVerified bool, trace []string, err error) {
	if in.ProviderQuotePayload == nil {
		if g.Policy.RequireQuote {
			return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
				"wallet policy requires a provider quote")
		}
		return "", false, nil, nil
	}

	computed, err := canonical.Hash(in.ProviderQuotePayload)
	if err != nil {
		return "", false, nil, apierror.New(apierror.CodeSchemaInvalid, "quote payload is not canonicalizable: %v", err)
	}
	if in.QuoteSha256 == "" || !crypto.ConstantTimeHexEqual(computed, in.QuoteSha256) {
		return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
			"quoteSha256 does not match the canonical quote payload").
			WithDetail("computed", computed)
	}

	amount, ok := asInt64(in.ProviderQuotePayload["amountCents"])
	if !ok || amount != g.AmountCents {
		return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
			"quoted amount does not match gate amount %d¢", g.AmountCents)
	}
	if cur, _ := in.ProviderQuotePayload["currency"].(string); cur != g.Currency {
		return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
			"quoted currency does not match gate currency %s", g.Currency)
	}

	quoteID, _ = in.ProviderQuotePayload["quoteId"].(string)
	if quoteID == "" {
		return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch, "quote carries no quoteId")
	}
	m.mu.RLock()
	holder, consumed := m.usedQuotes[tenantID+"/"+quoteID]
	m.mu.RUnlock()
	if consumed && holder != g.GateID {
		return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
			"quote %s was already consumed by another gate", quoteID)
	}

	rb, _ := in.ProviderQuotePayload["requestBindingSha256"].(string)
	if g.Policy.RequireStrictRequestBinding {
		if rb == "" || requestSha == "" || !crypto.ConstantTimeHexEqual(rb, requestSha) {
			return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
				"quote requestBindingSha256 does not match the request evidence")
		}
	} else if rb != "" && requestSha != "" && !crypto.ConstantTimeHexEqual(rb, requestSha) {
		return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
			"quote requestBindingSha256 does not match the request evidence")
	}

	if in.ProviderQuoteSignature == "" {
		if g.Policy.RequireQuote {
			return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
				"wallet policy requires a provider-signed quote")
		}
	} else {
		pem, agentID, found := m.agents.ResolveKey(tenantID, in.ProviderQuoteKeyID)
		if !found || agentID != g.PayeeAgentID {
			return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
				"quote signing key %s is not registered to payee %s", in.ProviderQuoteKeyID, g.PayeeAgentID)
		}
		valid, err := crypto.VerifyHashHex(computed, in.ProviderQuoteSignature, pem)
		if err != nil || !valid {
			return "", false, nil, apierror.New(apierror.CodeQuoteBindingMismatch,
				"provider quote signature does not verify")
		}
		sigVerified = true
		trace = append(trace, "binding:quote_signature_verified")
	}
	trace = append(trace, "binding:quote_verified")
	return quoteID, sigVerified, trace, nil
}

// Verify settles an authorized gate according to the verification colour and
// policy: auto-release rules move escrow and emit a signed receipt; manual
// rules hold the gate for review.
func (m *Machine) Verify(ctx context.Context, tenantID string, in VerifyInput, expectedPrev string) (*Gate, map[string]any, *ledger.AppendResult, error) {
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, in.GateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", in.GateID)
	}
	if g.Status != StatusAuthorized {
		return nil, nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, verify requires authorized", g.GateID, g.Status)
	}
	rule, ok := in.Policy.Rule(in.VerificationStatus)
	if !ok {
		return nil, nil, nil, apierror.New(apierror.CodeSchemaInvalid,
			"unknown verification status %q", in.VerificationStatus)
	}

	requestSha, responseSha := ParseEvidence(in.EvidenceRefs)
	var trace []string

	providerVerified, bindTrace, err := m.verifyProviderBinding(tenantID, g, in, responseSha)
	if err != nil {
		return nil, nil, nil, err
	}
	trace = append(trace, bindTrace...)

	quoteID, quoteVerified, quoteTrace, err := m.verifyQuoteBinding(tenantID, g, in, requestSha)
	if err != nil {
		return nil, nil, nil, err
	}
	trace = append(trace, quoteTrace...)

	now := m.clock().UTC()

	// Manual review holds the escrow and the colour rule for a later verdict.
	if in.Policy.Mode == "manual" || !rule.AutoRelease {
		res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.verification_held", map[string]any{
			"gateId":             g.GateID,
			"verificationStatus": in.VerificationStatus,
			"releaseRatePct":     rule.ReleaseRatePct,
			"evidenceRefs":       toAnySlice(in.EvidenceRefs),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		m.mu.Lock()
		g.Status = StatusUnderReview
		g.VerificationStatus = in.VerificationStatus
		g.HeldReleaseRatePct = rule.ReleaseRatePct
		g.RequestSha256 = requestSha
		g.QuoteID = quoteID
		g.UpdatedAt = now
		g.DecisionTrace = append(g.DecisionTrace, append(trace, "verify:held_for_review")...)
		if quoteID != "" {
			m.usedQuotes[tenantID+"/"+quoteID] = g.GateID
		}
		m.mu.Unlock()
		snap, _ := m.Get(tenantID, g.GateID)
		return snap, nil, res, nil
	}

	releaseCents, milliCents := ComputeRelease(g.AmountCents, rule.ReleaseRatePct)
	refundCents := g.AmountCents - releaseCents

	// Billing gates the transition fail-closed: a hard-limited plan blocks
	// before anything is committed.
	if err := m.billing.RecordVerifiedRun(tenantID, releaseCents); err != nil {
		return nil, nil, nil, err
	}

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.verified", map[string]any{
		"gateId":             g.GateID,
		"verificationStatus": in.VerificationStatus,
		"releaseRatePct":     rule.ReleaseRatePct,
		"releasedCents":      releaseCents,
		"releasedMilliCents": milliCents,
		"refundedCents":      refundCents,
		"evidenceRefs":       toAnySlice(in.EvidenceRefs),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := m.wallets.ReleaseEscrow(tenantID, g.PayerAgentID, g.PayeeAgentID, releaseCents, refundCents, res.Event.ChainHash); err != nil {
		return nil, nil, nil, apierror.New(apierror.CodeInternalError, "escrow release failed after commit: %v", err)
	}

	status := StatusPartiallyReleased
	switch {
	case releaseCents == g.AmountCents:
		status = StatusReleased
	case releaseCents == 0:
		status = StatusRefunded
	}

	verification := map[string]any{
		"status":             in.VerificationStatus,
		"method":             in.VerificationMethod,
		"releaseRatePct":     rule.ReleaseRatePct,
		"releasedCents":      releaseCents,
		"releasedMilliCents": milliCents,
		"refundedCents":      refundCents,
		"evidenceRefs":       toAnySlice(in.EvidenceRefs),
	}
	bindings := map[string]any{
		"spendAuthorization": spendAuthorizationBinding(g),
		"providerSig": map[string]any{
			"verified":       providerVerified,
			"keyId":          in.ProviderKeyID,
			"responseSha256": responseSha,
		},
		"providerQuoteSig": map[string]any{
			"verified":    quoteVerified,
			"keyId":       in.ProviderQuoteKeyID,
			"quoteId":     quoteID,
			"quoteSha256": in.QuoteSha256,
		},
		"requestSha256": requestSha,
	}
	decisions := append(append([]string(nil), g.DecisionTrace...), trace...)
	receipt, receiptID, err := m.issueReceipt(tenantID, g, "", status, res.Event.ChainHash, now, verification, bindings, decisions)
	if err != nil {
		return nil, nil, nil, err
	}

	m.mu.Lock()
	g.Status = status
	g.VerificationStatus = in.VerificationStatus
	g.ReleaseRatePct = rule.ReleaseRatePct
	g.ReleasedCents = releaseCents
	g.ReleasedMilliCents = milliCents
	g.RefundedCents = refundCents
	g.ReceiptID = receiptID
	g.RequestSha256 = requestSha
	g.QuoteID = quoteID
	g.EscrowSettled = true
	g.UpdatedAt = now
	g.DecisionTrace = append(g.DecisionTrace, append(trace, "verify:"+status)...)
	if quoteID != "" {
		m.usedQuotes[tenantID+"/"+quoteID] = g.GateID
	}
	m.mu.Unlock()

	snap, _ := m.Get(tenantID, g.GateID)
	return snap, receipt, res, nil
}

// spendAuthorizationBinding is the delegation lineage the gate was paid
// under, bound into every receipt.
func spendAuthorizationBinding(g *Gate) map[string]any {
	b := map[string]any{"agentKeyId": g.AgentKeyID}
	if pp := g.AgentPassport; pp != nil {
		sa := pp.SpendAuthorization
		b["delegationRef"] = sa.DelegationRef
		b["effectiveDelegationRef"] = sa.EffectiveDelegationRef
		b["rootDelegationRef"] = sa.RootDelegationRef
		b["delegationDepth"] = sa.DelegationDepth
		b["delegationChainLength"] = sa.DelegationChainLength
	}
	return b
}

// issueReceipt seals an X402ReceiptRecord for a gate outcome and stores it.
// An empty receiptID mints a fresh one; passing the gate's existing ID
// replaces the stored record under the new status.
func (m *Machine) issueReceipt(tenantID string, g *Gate, receiptID, status, chainHash string, issuedAt time.Time, verification, bindings map[string]any, decisions []string) (map[string]any, string, error) {
	if receiptID == "" {
		receiptID = "rcpt_" + uuid.NewString()
	}
	core := map[string]any{
		"schemaVersion":       ReceiptSchemaVersion,
		"receiptId":           receiptID,
		"gateId":              g.GateID,
		"runId":               g.RunID,
		"payerAgentId":        g.PayerAgentID,
		"payeeAgentId":        g.PayeeAgentID,
		"amountCents":         g.AmountCents,
		"currency":            g.Currency,
		"toolId":              g.ToolID,
		"status":              status,
		"bindings":            bindings,
		"verificationContext": verification,
		"decisionRecord":      toAnySlice(decisions),
		"chainHash":           chainHash,
		"issuedAt":            issuedAt.Format(time.RFC3339Nano),
	}
	receipt, err := envelope.SealSchema(core, m.signer)
	if err != nil {
		return nil, "", err
	}
	m.receipts.Put(&ReceiptRecord{
		ReceiptID:    receiptID,
		TenantID:     tenantID,
		GateID:       g.GateID,
		RunID:        g.RunID,
		PayerAgentID: g.PayerAgentID,
		PayeeAgentID: g.PayeeAgentID,
		ToolID:       g.ToolID,
		Status:       status,
		IssuedAt:     issuedAt,
		Envelope:     receipt,
	})
	return receipt, receiptID, nil
}

// reissueReceipt re-seals a gate's receipt after a post-settlement
// transition changed its outcome. Bindings and the original issuedAt are
// preserved; the settlement numbers, status, and chain pointer are
// rewritten from the gate.
func (m *Machine) reissueReceipt(tenantID string, g *Gate, status, chainHash string) (map[string]any, error) {
	rec, err := m.receipts.Get(tenantID, g.ReceiptID)
	if err != nil {
		return nil, err
	}
	prior, _ := rec.Envelope["verificationContext"].(map[string]any)
	verification := make(map[string]any, len(prior)+3)
	for k, v := range prior {
		verification[k] = v
	}
	verification["releaseRatePct"] = g.ReleaseRatePct
	verification["releasedCents"] = g.ReleasedCents
	verification["releasedMilliCents"] = g.ReleasedMilliCents
	verification["refundedCents"] = g.RefundedCents
	bindings, _ := rec.Envelope["bindings"].(map[string]any)
	receipt, _, err := m.issueReceipt(tenantID, g, rec.ReceiptID, status, chainHash, rec.IssuedAt, verification, bindings, g.DecisionTrace)
	return receipt, err
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
