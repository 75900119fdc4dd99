// Package reversal processes signed X402ReversalCommand.v1 envelopes against
// settled or in-flight gates. Commands are idempotent by commandId: replaying
// the same payload returns the original outcome, mutating the payload under a
// known commandId is rejected.
package reversal

import (
	"context"
	"sync"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/agent"
	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
)

// CommandSchemaVersion tags accepted reversal commands.
const CommandSchemaVersion = "X402ReversalCommand.v1"

// Reversal actions.
const (
	ActionVoidAuthorization = "void_authorization"
	ActionRequestRefund     = "request_refund"
	ActionResolveRefund     = "resolve_refund"
)

// eventTypeByAction names the reversal-stream event each action commits.
var eventTypeByAction = map[string]string{
	ActionVoidAuthorization: "authorization_voided",
	ActionRequestRefund:     "refund_requested",
	ActionResolveRefund:     "refund_resolved",
}

// Result is the recorded outcome of a processed command.
type Result struct {
	CommandID   string `json:"commandId"`
	Action      string `json:"action"`
	GateID      string `json:"gateId"`
	GateStatus  string `json:"gateStatus"`
	PayloadHash string `json:"payloadHash"`
	ChainHash   string `json:"chainHash"`
	Replayed    bool   `json:"replayed"`
}

// ReversalSubject is the per-gate chained stream reversal outcomes commit to,
// separate from the run chain.
func ReversalSubject(gateID string) ledger.SubjectKey {
	return ledger.SubjectKey{Kind: "reversal", ID: gateID}
}

// Processor validates and applies reversal commands.
type Processor struct {
	mu      sync.Mutex
	seen    map[string]string  // tenant/commandId → payloadHash
	results map[string]*Result // tenant/commandId → outcome

	machine *settlement.Machine
	agents  *agent.Registry
	log     ledger.EventLog
	clock   func() time.Time
}

// NewProcessor wires a processor to the gate machine, agent registry, and
// event log.
func NewProcessor(machine *settlement.Machine, agents *agent.Registry, log ledger.EventLog) *Processor {
	return &Processor{
		seen:    make(map[string]string),
		results: make(map[string]*Result),
		machine: machine,
		agents:  agents,
		log:     log,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// Stream returns the chained reversal history of a gate.
func (p *Processor) Stream(ctx context.Context, tenantID, gateID string) ([]ledger.Event, error) {
	events, err := p.log.List(ctx, tenantID, ReversalSubject(gateID))
	if err == ledger.ErrSubjectNotFound {
		return nil, nil
	}
	return events, err
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Process validates cmd end to end and applies its effect to the target gate.
// expectedPrev is the caller's view of the run chain tail.
func (p *Processor) Process(ctx context.Context, tenantID string, cmd map[string]any, expectedPrev string) (*Result, error) {
	if str(cmd, "schemaVersion") != CommandSchemaVersion {
		return nil, apierror.New(apierror.CodeSchemaInvalid,
			"expected schemaVersion %s", CommandSchemaVersion)
	}
	commandID := str(cmd, "commandId")
	if commandID == "" {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "commandId is required")
	}
	payloadHash := str(cmd, "payloadHash")

	// Replay and mutation detection before any verification work: a known
	// commandId either replays byte-identically or is rejected.
	cmdKey := tenantID + "/" + commandID
	p.mu.Lock()
	if prior, known := p.seen[cmdKey]; known {
		if crypto.ConstantTimeHexEqual(prior, payloadHash) {
			res := *p.results[cmdKey]
			res.Replayed = true
			p.mu.Unlock()
			return &res, nil
		}
		p.mu.Unlock()
		return nil, apierror.New(apierror.CodeReversalPayloadHashMismatch,
			"commandId %s was already processed with a different payload", commandID).
			WithDetail("priorPayloadHash", prior)
	}
	p.mu.Unlock()

	// Hash and ed25519 signature over the canonical core, by a key
	// registered within the tenant.
	if err := envelope.VerifySchema(cmd, p.agents.KeyResolver(tenantID)); err != nil {
		return nil, err
	}
	sig, _ := cmd["signature"].(map[string]any)
	signerKeyID := str(sig, "keyId")
	_, signerAgentID, _ := p.agents.ResolveKey(tenantID, signerKeyID)

	if expStr := str(cmd, "exp"); expStr != "" {
		exp, err := time.Parse(time.RFC3339, expStr)
		if err != nil {
			return nil, apierror.New(apierror.CodeSchemaInvalid, "exp is not RFC 3339")
		}
		if p.clock().After(exp) {
			return nil, apierror.New(apierror.CodeSchemaInvalid,
				"reversal command expired at %s", expStr)
		}
	}

	action := str(cmd, "action")
	target, _ := cmd["target"].(map[string]any)
	gateID := str(target, "gateId")
	if gateID == "" {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "target.gateId is required")
	}
	gate, err := p.machine.Get(tenantID, gateID)
	if err != nil {
		return nil, err
	}

	// Target binding: every identifier the command names must be the one the
	// gate actually carries.
	if wantReceiptID := str(target, "receiptId"); wantReceiptID != "" && wantReceiptID != gate.ReceiptID {
		return nil, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
			"target receiptId does not match gate %s", gateID)
	}
	if wantQuoteID := str(target, "quoteId"); wantQuoteID != "" && wantQuoteID != gate.QuoteID {
		return nil, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
			"target quoteId does not match gate %s", gateID)
	}
	if wantReqSha := str(target, "requestSha256"); wantReqSha != "" {
		if !crypto.ConstantTimeHexEqual(wantReqSha, gate.RequestSha256) {
			return nil, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
				"target requestSha256 does not match the verified request")
		}
	}
	if wantReceiptHash := str(target, "receiptHash"); wantReceiptHash != "" {
		if gate.ReceiptID == "" {
			return nil, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
				"gate %s has issued no receipt", gateID)
		}
		rec, err := p.machine.Receipts().Get(tenantID, gate.ReceiptID)
		if err != nil {
			return nil, err
		}
		actual := str(rec.Envelope, "receiptHash")
		if !crypto.ConstantTimeHexEqual(wantReceiptHash, actual) {
			return nil, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
				"target receiptHash does not match gate %s's receipt", gateID)
		}
	}

	// Actor binding: payer-side actions are signed by the payer, refund
	// resolution by the payee.
	switch action {
	case ActionVoidAuthorization, ActionRequestRefund:
		if signerAgentID != gate.PayerAgentID {
			return nil, apierror.New(apierror.CodeSignatureInvalid,
				"%s must be signed by payer %s", action, gate.PayerAgentID)
		}
	case ActionResolveRefund:
		if signerAgentID != gate.PayeeAgentID {
			return nil, apierror.New(apierror.CodeSignatureInvalid,
				"%s must be signed by payee %s", action, gate.PayeeAgentID)
		}
	default:
		return nil, apierror.New(apierror.CodeSchemaInvalid, "unknown reversal action %q", action)
	}

	if err := gate.Policy.AllowsReversalAction(action); err != nil {
		return nil, err
	}

	// Refund-path commands must re-present the request binding the gate was
	// verified under.
	if action == ActionRequestRefund || action == ActionResolveRefund {
		if gate.RequestSha256 != "" {
			evidence := toStrings(cmd["bindingEvidence"])
			reqSha, _ := settlement.ParseEvidence(evidence)
			if reqSha == "" {
				return nil, apierror.New(apierror.CodeReversalBindingEvidenceRequired,
					"refund commands must carry the request_sha256 binding evidence")
			}
			if !crypto.ConstantTimeHexEqual(reqSha, gate.RequestSha256) {
				return nil, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
					"binding evidence does not match the verified request")
			}
		}
	}

	var refundCents int64
	if action == ActionResolveRefund {
		refundCents, err = p.checkProviderDecision(tenantID, gate, cmd)
		if err != nil {
			return nil, err
		}
	}

	var updated *settlement.Gate
	var appendRes *ledger.AppendResult
	reason := str(cmd, "reason")
	switch action {
	case ActionVoidAuthorization:
		updated, appendRes, err = p.machine.VoidAuthorization(ctx, tenantID, gateID, reason, expectedPrev)
	case ActionRequestRefund:
		updated, appendRes, err = p.machine.MarkRefundPending(ctx, tenantID, gateID, reason, expectedPrev)
	case ActionResolveRefund:
		updated, appendRes, err = p.machine.ResolveRefund(ctx, tenantID, gateID, refundCents, expectedPrev)
	}
	if err != nil {
		return nil, err
	}

	// Commit the outcome to the gate's own reversal chain.
	revTail, err := p.log.LastChainHash(ctx, tenantID, ReversalSubject(gateID))
	if err != nil {
		return nil, err
	}
	_, err = p.log.Append(ctx, tenantID, ReversalSubject(gateID), revTail, eventTypeByAction[action], map[string]any{
		"commandId":   commandID,
		"action":      action,
		"gateId":      gateID,
		"payloadHash": payloadHash,
		"gateStatus":  updated.Status,
		"chainHash":   appendRes.Event.ChainHash,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		CommandID:   commandID,
		Action:      action,
		GateID:      gateID,
		GateStatus:  updated.Status,
		PayloadHash: payloadHash,
		ChainHash:   appendRes.Event.ChainHash,
	}
	p.mu.Lock()
	p.seen[cmdKey] = payloadHash
	p.results[cmdKey] = res
	p.mu.Unlock()

	cp := *res
	return &cp, nil
}

// checkProviderDecision validates the payee-signed decision artifact a
// resolve_refund must carry, returning the approved refund amount.
func (p *Processor) checkProviderDecision(tenantID string, gate *settlement.Gate, cmd map[string]any) (int64, error) {
	artifact, _ := cmd["providerDecisionArtifact"].(map[string]any)
	if artifact == nil {
		return 0, apierror.New(apierror.CodeReversalBindingEvidenceRequired,
			"resolve_refund requires a provider decision artifact")
	}
	if err := envelope.VerifySchema(artifact, p.agents.KeyResolver(tenantID)); err != nil {
		return 0, err
	}
	sig, _ := artifact["signature"].(map[string]any)
	_, signerAgentID, _ := p.agents.ResolveKey(tenantID, str(sig, "keyId"))
	if signerAgentID != gate.PayeeAgentID {
		return 0, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
			"provider decision must be signed by payee %s", gate.PayeeAgentID)
	}
	if str(artifact, "gateId") != gate.GateID {
		return 0, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
			"provider decision is not bound to gate %s", gate.GateID)
	}
	if d := str(artifact, "decision"); d != "accepted" {
		return 0, apierror.New(apierror.CodeReversalBindingEvidenceMismatch,
			"provider decision is %q, not accepted", d)
	}
	refundCents, ok := asInt64(artifact["refundCents"])
	if !ok || refundCents <= 0 {
		return 0, apierror.New(apierror.CodeSchemaInvalid,
			"provider decision refundCents must be a positive integer")
	}
	return refundCents, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), float64(int64(n)) == n
	}
	return 0, false
}
