package engine

import (
	"context"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

type agentRegisterRequest struct {
	AgentID      string   `json:"agentId"`
	DisplayName  string   `json:"displayName"`
	Owner        string   `json:"owner"`
	Capabilities []string `json:"capabilities"`
	PublicKeyPem string   `json:"publicKeyPem"`
}

func (e *Engine) handleAgentRegister(ctx context.Context, rq *request) (*response, error) {
	var req agentRegisterRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	ag, err := e.agents.Register(rq.tenantID, req.AgentID, req.DisplayName, req.Owner, req.Capabilities)
	if err != nil {
		return nil, err
	}
	var keyID string
	if req.PublicKeyPem != "" {
		keyID, err = e.agents.AddPublicKey(rq.tenantID, req.AgentID, req.PublicKeyPem)
		if err != nil {
			return nil, err
		}
	}
	return created(map[string]any{"agent": ag, "keyId": keyID}), nil
}

type agentKeyRequest struct {
	PublicKeyPem string `json:"publicKeyPem"`
}

func (e *Engine) handleAgentAddKey(ctx context.Context, rq *request) (*response, error) {
	var req agentKeyRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	keyID, err := e.agents.AddPublicKey(rq.tenantID, rq.httpReq.PathValue("agentId"), req.PublicKeyPem)
	if err != nil {
		return nil, err
	}
	return created(map[string]any{"keyId": keyID}), nil
}

type walletOpenRequest struct {
	AgentID     string `json:"agentId"`
	Currency    string `json:"currency"`
	CreditCents int64  `json:"creditCents"`
}

func (e *Engine) handleWalletOpen(ctx context.Context, rq *request) (*response, error) {
	var req walletOpenRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	w, err := e.wallets.Open(rq.tenantID, req.AgentID, req.Currency)
	if err != nil {
		return nil, err
	}
	if req.CreditCents > 0 {
		if err := e.wallets.Credit(rq.tenantID, req.AgentID, req.CreditCents, "external:deposit"); err != nil {
			return nil, err
		}
		w, err = e.wallets.Get(rq.tenantID, req.AgentID)
		if err != nil {
			return nil, err
		}
	}
	return created(map[string]any{"wallet": w}), nil
}

func (e *Engine) handleWalletGet(ctx context.Context, rq *request) (*response, error) {
	w, err := e.wallets.Get(rq.tenantID, rq.httpReq.PathValue("agentId"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"wallet": w}), nil
}

func (e *Engine) handleWalletJournal(ctx context.Context, rq *request) (*response, error) {
	agentID := rq.httpReq.PathValue("agentId")
	var entries []any
	for _, entry := range e.wallets.Journal(rq.tenantID) {
		for _, d := range entry.Deltas {
			if d.AgentID == agentID {
				entries = append(entries, entry)
				break
			}
		}
	}
	return ok(map[string]any{"agentId": agentID, "journal": entries}), nil
}

func (e *Engine) handleJobProof(ctx context.Context, rq *request) (*response, error) {
	proof, err := e.artifacts.BuildJobProof(ctx, rq.tenantID, rq.httpReq.PathValue("runId"))
	if err != nil {
		return nil, err
	}
	return ok(proof), nil
}

func (e *Engine) handleMonthProof(ctx context.Context, rq *request) (*response, error) {
	proof, err := e.artifacts.BuildMonthProof(rq.tenantID, rq.httpReq.PathValue("month"))
	if err != nil {
		return nil, err
	}
	return ok(proof), nil
}

func (e *Engine) handleFinancePack(ctx context.Context, rq *request) (*response, error) {
	pack, err := e.artifacts.BuildFinancePack(rq.tenantID, rq.httpReq.PathValue("month"))
	if err != nil {
		return nil, err
	}
	return ok(pack), nil
}

type anchorRequest struct {
	CoordinatorID string   `json:"coordinatorId"`
	PublicKeysPem []string `json:"publicKeysPem"`
}

func (e *Engine) handleAnchorRegister(ctx context.Context, rq *request) (*response, error) {
	var req anchorRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	anchor, err := e.trust.Register(rq.tenantID, req.CoordinatorID, req.PublicKeysPem)
	if err != nil {
		return nil, err
	}
	return created(map[string]any{"anchor": anchor}), nil
}

func (e *Engine) handleAnchorRotate(ctx context.Context, rq *request) (*response, error) {
	var req anchorRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	anchor, err := e.trust.Rotate(rq.tenantID, req.CoordinatorID, req.PublicKeysPem)
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"anchor": anchor}), nil
}

type anchorRevokeRequest struct {
	CoordinatorID string `json:"coordinatorId"`
}

func (e *Engine) handleAnchorRevoke(ctx context.Context, rq *request) (*response, error) {
	var req anchorRevokeRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	if err := e.trust.Revoke(rq.tenantID, req.CoordinatorID); err != nil {
		return nil, err
	}
	return ok(map[string]any{"coordinatorId": req.CoordinatorID, "revoked": true}), nil
}

func (e *Engine) handleAnchorList(ctx context.Context, rq *request) (*response, error) {
	return ok(map[string]any{"anchors": e.trust.Snapshot(rq.tenantID)}), nil
}

// handleFederationInvoke admits a peer coordinator's signed invoke, executes
// the named operation locally, and answers with a signed result bound to the
// invoke envelope.
func (e *Engine) handleFederationInvoke(ctx context.Context, rq *request) (*response, error) {
	if err := e.fed.VerifyInvoke(rq.tenantID, rq.body); err != nil {
		return nil, err
	}
	operation, _ := rq.body["operation"].(string)
	payload, _ := rq.body["payload"].(map[string]any)

	var (
		status     = "ok"
		resultBody map[string]any
	)
	switch operation {
	case "ping":
		resultBody = map[string]any{"pong": true}
	case "gate.status":
		gateID, _ := payload["gateId"].(string)
		gate, err := e.machine.Get(rq.tenantID, gateID)
		if err != nil {
			return nil, err
		}
		resultBody = map[string]any{
			"gateId":        gate.GateID,
			"status":        gate.Status,
			"releasedCents": gate.ReleasedCents,
			"refundedCents": gate.RefundedCents,
		}
	case "receipt.lookup":
		receiptID, _ := payload["receiptId"].(string)
		rec, err := e.machine.Receipts().Get(rq.tenantID, receiptID)
		if err != nil {
			return nil, err
		}
		resultBody = map[string]any{"receipt": rec.Envelope}
	default:
		return nil, apierror.New(apierror.CodeSchemaInvalid,
			"federation operation %q is not supported", operation)
	}

	result, err := e.fed.BuildResult(rq.tenantID, rq.body, status, resultBody)
	if err != nil {
		return nil, err
	}
	return ok(result), nil
}

type federationResultRequest struct {
	Invoke map[string]any `json:"invoke"`
	Result map[string]any `json:"result"`
}

func (e *Engine) handleFederationResult(ctx context.Context, rq *request) (*response, error) {
	var req federationResultRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	if err := e.fed.VerifyResult(rq.tenantID, req.Result, req.Invoke); err != nil {
		return nil, err
	}
	return ok(map[string]any{"verified": true}), nil
}

type federationForwardRequest struct {
	TargetID       string         `json:"targetId"`
	Operation      string         `json:"operation"`
	Payload        map[string]any `json:"payload"`
	SealTranscript bool           `json:"sealTranscript"`
}

// handleFederationForward relays an operation to a peer coordinator and
// returns the verified result with the session's attempt record. The 502 on
// exhaustion surfaces through the error path.
func (e *Engine) handleFederationForward(ctx context.Context, rq *request) (*response, error) {
	if e.forwarder == nil {
		return nil, apierror.New(apierror.CodeFederationUpstreamUnreachable,
			"no forward transport is configured")
	}
	var req federationForwardRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	session, err := e.forwarder.Forward(ctx, rq.tenantID, req.TargetID, req.Operation, req.Payload)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"session": session, "result": session.Result}
	if req.SealTranscript {
		transcript, err := session.Transcript(e.artifacts.Signer())
		if err != nil {
			return nil, err
		}
		body["transcript"] = transcript
	}
	return ok(body), nil
}
