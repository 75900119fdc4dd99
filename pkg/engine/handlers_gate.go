package engine

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/canonical"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/policy"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
)

type gateCreateRequest struct {
	GateID        string                    `json:"gateId"`
	RunID         string                    `json:"runId"`
	PayerAgentID  string                    `json:"payerAgentId"`
	PayeeAgentID  string                    `json:"payeeAgentId"`
	AmountCents   int64                     `json:"amountCents"`
	Currency      string                    `json:"currency"`
	ToolID        string                    `json:"toolId"`
	Policy        *policy.WalletPolicy      `json:"policy"`
	AgentPassport *settlement.AgentPassport `json:"agentPassport"`
}

type gateResponse struct {
	Gate          *settlement.Gate `json:"gate"`
	Event         *ledger.Event    `json:"event,omitempty"`
	LastChainHash string           `json:"lastChainHash,omitempty"`
}

func (e *Engine) handleGateCreate(ctx context.Context, rq *request) (*response, error) {
	var req gateCreateRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(req.RunID))
	if err != nil {
		return nil, err
	}
	gate, res, err := e.machine.CreateGate(ctx, rq.tenantID, settlement.CreateInput{
		GateID:        req.GateID,
		RunID:         req.RunID,
		PayerAgentID:  req.PayerAgentID,
		PayeeAgentID:  req.PayeeAgentID,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		ToolID:        req.ToolID,
		Policy:        req.Policy,
		AgentPassport: req.AgentPassport,
	}, prev)
	if err != nil {
		return nil, err
	}
	resp := created(gateResponse{Gate: gate, Event: res.Event, LastChainHash: res.LastChainHash})
	resp.chainHash = res.LastChainHash
	return resp, nil
}

type gateAuthorizeRequest struct {
	GateID              string         `json:"gateId"`
	AgentKeyID          string         `json:"agentKeyId"`
	IssuerDecisionToken map[string]any `json:"issuerDecisionToken"`
}

func (e *Engine) handleGateAuthorize(ctx context.Context, rq *request) (*response, error) {
	var req gateAuthorizeRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	gate, err := e.machine.Get(rq.tenantID, req.GateID)
	if err != nil {
		return nil, err
	}
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(gate.RunID))
	if err != nil {
		return nil, err
	}
	gate, res, err := e.machine.AuthorizePayment(ctx, rq.tenantID, settlement.AuthorizeInput{
		GateID:              req.GateID,
		AgentKeyID:          req.AgentKeyID,
		IssuerDecisionToken: req.IssuerDecisionToken,
	}, prev)
	if err != nil {
		return nil, err
	}
	resp := ok(gateResponse{Gate: gate, Event: res.Event, LastChainHash: res.LastChainHash})
	resp.chainHash = res.LastChainHash
	return resp, nil
}

type gateVerifyRequest struct {
	GateID                 string                         `json:"gateId"`
	VerificationStatus     string                         `json:"verificationStatus"`
	VerificationMethod     string                         `json:"verificationMethod"`
	VerificationPolicy     *settlement.VerificationPolicy `json:"verificationPolicy"`
	EvidenceRefs           []string                       `json:"evidenceRefs"`
	ProviderSignature      string                         `json:"providerSignature"`
	ProviderKeyID          string                         `json:"providerKeyId"`
	ProviderResponseBase64 string                         `json:"providerResponseBase64"`
	ProviderQuote          map[string]any                 `json:"providerQuote"`
	QuoteSha256            string                         `json:"quoteSha256"`
	ProviderQuoteSignature string                         `json:"providerQuoteSignature"`
	ProviderQuoteKeyID     string                         `json:"providerQuoteKeyId"`
}

type verifyResponse struct {
	Gate          *settlement.Gate `json:"gate"`
	Receipt       map[string]any   `json:"receipt,omitempty"`
	Event         *ledger.Event    `json:"event,omitempty"`
	LastChainHash string           `json:"lastChainHash,omitempty"`
}

func (e *Engine) handleGateVerify(ctx context.Context, rq *request) (*response, error) {
	var req gateVerifyRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	gate, err := e.machine.Get(rq.tenantID, req.GateID)
	if err != nil {
		return nil, err
	}
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(gate.RunID))
	if err != nil {
		return nil, err
	}

	var providerResponse []byte
	if req.ProviderResponseBase64 != "" {
		providerResponse, err = base64.StdEncoding.DecodeString(req.ProviderResponseBase64)
		if err != nil {
			return nil, apierror.New(apierror.CodeSchemaInvalid, "providerResponseBase64 is not valid base64")
		}
	}
	pol := settlement.DefaultVerificationPolicy()
	if req.VerificationPolicy != nil {
		pol = *req.VerificationPolicy
	}

	gate, receipt, res, err := e.machine.Verify(ctx, rq.tenantID, settlement.VerifyInput{
		GateID:                 req.GateID,
		VerificationStatus:     req.VerificationStatus,
		Policy:                 pol,
		VerificationMethod:     req.VerificationMethod,
		EvidenceRefs:           req.EvidenceRefs,
		ProviderSignature:      req.ProviderSignature,
		ProviderKeyID:          req.ProviderKeyID,
		ProviderResponse:       providerResponse,
		ProviderQuotePayload:   req.ProviderQuote,
		QuoteSha256:            req.QuoteSha256,
		ProviderQuoteSignature: req.ProviderQuoteSignature,
		ProviderQuoteKeyID:     req.ProviderQuoteKeyID,
	}, prev)
	if err != nil {
		return nil, err
	}
	resp := ok(verifyResponse{Gate: gate, Receipt: receipt, Event: res.Event, LastChainHash: res.LastChainHash})
	resp.chainHash = res.LastChainHash
	return resp, nil
}

func (e *Engine) handleReversal(ctx context.Context, rq *request) (*response, error) {
	target, _ := rq.body["target"].(map[string]any)
	gateID, _ := target["gateId"].(string)
	gate, err := e.machine.Get(rq.tenantID, gateID)
	if err != nil {
		return nil, err
	}
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(gate.RunID))
	if err != nil {
		return nil, err
	}
	result, err := e.reversals.Process(ctx, rq.tenantID, rq.body, prev)
	if err != nil {
		return nil, err
	}
	resp := ok(result)
	resp.chainHash = result.ChainHash
	return resp, nil
}

func (e *Engine) handleGateGet(ctx context.Context, rq *request) (*response, error) {
	gate, err := e.machine.Get(rq.tenantID, rq.httpReq.PathValue("gateId"))
	if err != nil {
		return nil, err
	}
	return ok(gateResponse{Gate: gate}), nil
}

func (e *Engine) handleReversalStream(ctx context.Context, rq *request) (*response, error) {
	events, err := e.reversals.Stream(ctx, rq.tenantID, rq.httpReq.PathValue("gateId"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{
		"gateId": rq.httpReq.PathValue("gateId"),
		"events": events,
		"intact": ledger.VerifyChain(events) == -1,
	}), nil
}

func (e *Engine) handleRunGates(ctx context.Context, rq *request) (*response, error) {
	gates := e.machine.ListByRun(rq.tenantID, rq.httpReq.PathValue("runId"))
	return ok(map[string]any{"gates": gates}), nil
}

func receiptFilterFromQuery(rq *request) (settlement.ReceiptFilter, error) {
	q := rq.httpReq.URL.Query()
	f := settlement.ReceiptFilter{
		RunID:        q.Get("runId"),
		GateID:       q.Get("gateId"),
		PayerAgentID: q.Get("payerAgentId"),
		PayeeAgentID: q.Get("payeeAgentId"),
		ToolID:       q.Get("toolId"),
		Status:       q.Get("status"),
	}
	for _, bound := range []struct {
		param string
		dst   *time.Time
	}{
		{"issuedAfter", &f.IssuedAfter},
		{"issuedBefore", &f.IssuedBefore},
	} {
		if v := q.Get(bound.param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, apierror.New(apierror.CodeSchemaInvalid, "%s must be RFC 3339", bound.param)
			}
			*bound.dst = t
		}
	}
	return f, nil
}

func (e *Engine) handleReceiptsList(ctx context.Context, rq *request) (*response, error) {
	filter, err := receiptFilterFromQuery(rq)
	if err != nil {
		return nil, err
	}
	q := rq.httpReq.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, apierror.New(apierror.CodeSchemaInvalid, "limit must be a non-negative integer")
		}
	}
	page, next, err := e.machine.Receipts().List(rq.tenantID, filter, q.Get("cursor"), limit)
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"receipts": page, "nextCursor": next}), nil
}

func (e *Engine) handleReceiptGet(ctx context.Context, rq *request) (*response, error) {
	rec, err := e.machine.Receipts().Get(rq.tenantID, rq.httpReq.PathValue("receiptId"))
	if err != nil {
		return nil, err
	}
	return ok(rec), nil
}

// exportReceipts streams NDJSON outside the JSON boundary: one sealed receipt
// envelope per line. Idempotency does not apply to reads.
func (e *Engine) exportReceipts(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.FromRequest(r)
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	release, err := e.guard.Acquire(r.Context(), tenantID)
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	defer release()
	if err := e.ops.Verify(r.Header.Get(tenant.HeaderOpsToken), tenantID, tenant.ScopeFinanceRead); err != nil {
		apierror.Write(w, r, err)
		return
	}
	filter, err := receiptFilterFromQuery(&request{tenantID: tenantID, httpReq: r})
	if err != nil {
		apierror.Write(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := &ndjsonWriter{w: w}
	if err := e.machine.Receipts().ExportNDJSON(tenantID, filter, enc.write); err != nil && !enc.started {
		apierror.Write(w, r, err)
	}
}

// ndjsonWriter serializes one envelope per line in canonical form, so a
// consumer can recompute receipt hashes from the exported bytes. Once the
// first line is on the wire the status is committed and errors can only
// truncate the stream.
type ndjsonWriter struct {
	w       http.ResponseWriter
	started bool
}

func (n *ndjsonWriter) write(env map[string]any) error {
	line, err := canonical.Encode(env)
	if err != nil {
		return err
	}
	n.started = true
	_, err = n.w.Write(append(line, '\n'))
	return err
}
