package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/agent"
	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/arbitration"
	"github.com/nooterra-labs/settld/core/pkg/artifact"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/federation"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/reversal"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
	"github.com/nooterra-labs/settld/core/pkg/wallet"
)

const testTenant = "tn_acme"

type fixture struct {
	engine *Engine
	mux    *http.ServeMux
	ops    *tenant.OpsAuth

	payerSigner *envelope.KeypairSigner
	payeeSigner *envelope.KeypairSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	agents := agent.NewRegistry()
	for _, id := range []string{"ag_payer", "ag_payee"} {
		_, err := agents.Register(testTenant, id, "", "", nil)
		require.NoError(t, err)
	}
	payerKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	payeeKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	_, err = agents.AddPublicKey(testTenant, "ag_payer", payerKey.PublicPEM)
	require.NoError(t, err)
	_, err = agents.AddPublicKey(testTenant, "ag_payee", payeeKey.PublicPEM)
	require.NoError(t, err)
	payerSigner, err := envelope.NewKeypairSigner(payerKey)
	require.NoError(t, err)
	payeeSigner, err := envelope.NewKeypairSigner(payeeKey)
	require.NoError(t, err)

	wallets := wallet.NewLedger()
	_, err = wallets.Open(testTenant, "ag_payer", "USD")
	require.NoError(t, err)
	_, err = wallets.Open(testTenant, "ag_payee", "USD")
	require.NoError(t, err)
	require.NoError(t, wallets.Credit(testTenant, "ag_payer", 5000, ""))

	kernelKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	kernelSigner, err := envelope.NewKeypairSigner(kernelKey)
	require.NoError(t, err)

	log := ledger.NewMemoryEventLog()
	machine := settlement.NewMachine(settlement.Config{
		Wallets: wallets,
		Log:     log,
		Agents:  agents,
		Signer:  kernelSigner,
	})
	trust := federation.NewTrustRegistry()
	// The local coordinator anchors itself so peers can verify its results.
	_, err = trust.Register(testTenant, "coord_local", []string{kernelKey.PublicPEM})
	require.NoError(t, err)
	ops := tenant.NewOpsAuth([]byte("test-secret"), "settld")

	e, err := New(Config{
		Machine:     machine,
		Reversals:   reversal.NewProcessor(machine, agents, log),
		Court:       arbitration.NewCourt(machine, agents, log, machine.Billing()),
		Artifacts:   artifact.NewBuilder(log, machine, wallets, kernelSigner),
		Federation:  federation.NewExchange(trust, kernelSigner, "coord_local"),
		Trust:       trust,
		Agents:      agents,
		Wallets:     wallets,
		Log:         log,
		Idempotency: ledger.NewMemoryIdempotencyStore(),
		Guard:       tenant.NewGuard(nil),
		Ops:         ops,
	})
	require.NoError(t, err)

	return &fixture{
		engine:      e,
		mux:         e.Router(),
		ops:         ops,
		payerSigner: payerSigner,
		payeeSigner: payeeSigner,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set(tenant.HeaderTenantID, testTenant)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	code, _ := body["code"].(string)
	return code
}

// settleGate drives gate_1 through create, authorize, verify green over HTTP.
func (f *fixture) settleGate(t *testing.T) {
	t.Helper()
	w := f.do(t, "POST", "/x402/gate/create", map[string]any{
		"gateId": "gate_1", "runId": "run_1",
		"payerAgentId": "ag_payer", "payeeAgentId": "ag_payee",
		"amountCents": 500, "currency": "USD", "toolId": "tool_search",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, "POST", "/x402/gate/authorize-payment", map[string]any{"gateId": "gate_1"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, "POST", "/x402/gate/verify", map[string]any{
		"gateId":             "gate_1",
		"verificationStatus": "green",
		"evidenceRefs":       []string{settlement.EvidenceRequestPrefix + crypto.SHA256HexString("req")},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEngine_GateLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.settleGate(t)

	w := f.do(t, "GET", "/x402/gate/gate_1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	gate := body["gate"].(map[string]any)
	assert.Equal(t, settlement.StatusReleased, gate["status"])
	assert.EqualValues(t, 500, gate["releasedCents"])

	// The run chain is exposed and intact under the audit scope.
	token, err := f.ops.Mint(testTenant, []string{tenant.ScopeAuditRead}, time.Hour)
	require.NoError(t, err)
	w = f.do(t, "GET", "/runs/run_1/events", nil, map[string]string{tenant.HeaderOpsToken: token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	audit := decode(t, w)
	assert.Equal(t, true, audit["intact"])
	assert.Len(t, audit["events"], 3)
}

func TestEngine_TenantHeaderRequired(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest("GET", "/x402/gate/gate_1", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierror.CodeTenantRequired, errCode(t, w))
}

func TestEngine_SchemaValidationRejectsBadBody(t *testing.T) {
	f := newFixture(t)
	// amountCents missing, currency too short.
	w := f.do(t, "POST", "/x402/gate/create", map[string]any{
		"runId": "run_1", "payerAgentId": "ag_payer", "payeeAgentId": "ag_payee",
		"currency": "US",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierror.CodeSchemaInvalid, errCode(t, w))

	w = f.do(t, "POST", "/x402/gate/create", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEngine_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{
		"gateId": "gate_1", "runId": "run_1",
		"payerAgentId": "ag_payer", "payeeAgentId": "ag_payee",
		"amountCents": 500, "currency": "USD",
	}
	headers := map[string]string{tenant.HeaderIdempotencyKey: "idem-1"}

	w1 := f.do(t, "POST", "/x402/gate/create", body, headers)
	require.Equal(t, http.StatusCreated, w1.Code, w1.Body.String())
	assert.Equal(t, protocolVersion, w1.Header().Get(tenant.HeaderProtocol))

	// Byte-identical replay serves the stored response without re-running.
	w2 := f.do(t, "POST", "/x402/gate/create", body, headers)
	require.Equal(t, http.StatusCreated, w2.Code)
	assert.Equal(t, "true", w2.Header().Get(HeaderIdempotentReplay))
	assert.JSONEq(t, w1.Body.String(), w2.Body.String())

	// Same key with a different body is a conflict.
	body["amountCents"] = 600
	w3 := f.do(t, "POST", "/x402/gate/create", body, headers)
	require.Equal(t, http.StatusConflict, w3.Code)
	assert.Equal(t, apierror.CodeIdempotencyBodyMismatch, errCode(t, w3))
}

func TestEngine_StaleExpectedPrevConflicts(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/x402/gate/create", map[string]any{
		"gateId": "gate_1", "runId": "run_1",
		"payerAgentId": "ag_payer", "payeeAgentId": "ag_payee",
		"amountCents": 500, "currency": "USD",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Authorize against a stale tail.
	w = f.do(t, "POST", "/x402/gate/authorize-payment", map[string]any{"gateId": "gate_1"},
		map[string]string{tenant.HeaderExpectedPrevHash: ledger.GenesisHash})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apierror.CodeChainHashCASMismatch, errCode(t, w))

	// Without the header the boundary resolves the current tail.
	w = f.do(t, "POST", "/x402/gate/authorize-payment", map[string]any{"gateId": "gate_1"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEngine_ReceiptsRequireFinanceScope(t *testing.T) {
	f := newFixture(t)
	f.settleGate(t)

	w := f.do(t, "GET", "/x402/receipts", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apierror.CodeOpsTokenRequired, errCode(t, w))

	wrong, err := f.ops.Mint(testTenant, []string{tenant.ScopeOpsRead}, time.Hour)
	require.NoError(t, err)
	w = f.do(t, "GET", "/x402/receipts", nil, map[string]string{tenant.HeaderOpsToken: wrong})
	require.Equal(t, http.StatusForbidden, w.Code)

	token, err := f.ops.Mint(testTenant, []string{tenant.ScopeFinanceRead}, time.Hour)
	require.NoError(t, err)
	w = f.do(t, "GET", "/x402/receipts?runId=run_1", nil, map[string]string{tenant.HeaderOpsToken: token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Len(t, body["receipts"], 1)
}

func TestEngine_ReceiptExportStreamsNDJSON(t *testing.T) {
	f := newFixture(t)
	f.settleGate(t)

	token, err := f.ops.Mint(testTenant, []string{tenant.ScopeFinanceRead}, time.Hour)
	require.NoError(t, err)
	w := f.do(t, "GET", "/x402/receipts/export", nil, map[string]string{tenant.HeaderOpsToken: token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 1)
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &env))
	assert.Equal(t, settlement.ReceiptSchemaVersion, env["schemaVersion"])
}

func TestEngine_ReversalOverHTTP(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/x402/gate/create", map[string]any{
		"gateId": "gate_1", "runId": "run_1",
		"payerAgentId": "ag_payer", "payeeAgentId": "ag_payee",
		"amountCents": 500, "currency": "USD",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, "POST", "/x402/gate/authorize-payment", map[string]any{"gateId": "gate_1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	cmd, err := envelope.SealSchema(map[string]any{
		"schemaVersion": reversal.CommandSchemaVersion,
		"commandId":     "cmd_1",
		"action":        reversal.ActionVoidAuthorization,
		"target":        map[string]any{"gateId": "gate_1"},
		"reason":        "payer cancelled",
	}, f.payerSigner)
	require.NoError(t, err)

	w = f.do(t, "POST", "/x402/gate/reversal", cmd, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, settlement.StatusVoided, body["gateStatus"])

	// The reversal stream is queryable per gate.
	w = f.do(t, "GET", "/x402/gate/gate_1/reversals", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stream := decode(t, w)
	assert.Equal(t, true, stream["intact"])
	assert.Len(t, stream["events"], 1)
}

func TestEngine_DisputeAndVerdictOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.settleGate(t)
	evidence := []string{settlement.EvidenceRequestPrefix + crypto.SHA256HexString("req")}

	w := f.do(t, "POST", "/runs/run_1/dispute/open", map[string]any{
		"disputeId": "dsp_1", "gateId": "gate_1", "openedBy": "ag_payer",
		"reason":          "output did not match the quote",
		"disputeType":     "quality",
		"disputePriority": "high",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	dispute := decode(t, w)["dispute"].(map[string]any)
	assert.Equal(t, arbitration.DisputeOpen, dispute["status"])

	w = f.do(t, "POST", "/runs/run_1/arbitration/open", map[string]any{
		"caseId": "case_1", "disputeId": "dsp_1",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	opened := decode(t, w)["case"].(map[string]any)
	assert.Equal(t, arbitration.CaseUnderReview, opened["status"])

	// The verdict must come from an agent with the arbitrate capability and
	// bind the full settlement context.
	arbiterKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	_, err = f.engine.agents.Register(testTenant, "ag_arbiter", "", "", []string{arbitration.CapabilityArbitrate})
	require.NoError(t, err)
	_, err = f.engine.agents.AddPublicKey(testTenant, "ag_arbiter", arbiterKey.PublicPEM)
	require.NoError(t, err)
	arbiterSigner, err := envelope.NewKeypairSigner(arbiterKey)
	require.NoError(t, err)

	verdict, err := envelope.SealSchema(map[string]any{
		"schemaVersion":  arbitration.VerdictSchemaVersion,
		"verdictId":      "vrd_1",
		"caseId":         "case_1",
		"tenantId":       testTenant,
		"runId":          "run_1",
		"settlementId":   "gate_1",
		"disputeId":      "dsp_1",
		"arbiterAgentId": "ag_arbiter",
		"outcome":        arbitration.OutcomeAccepted,
		"releaseRatePct": 40,
		"rationale":      "partial delivery",
		"evidenceRefs":   evidence,
		"issuedAt":       "2026-03-01T00:00:00Z",
		"appealRef":      map[string]any{},
	}, arbiterSigner)
	require.NoError(t, err)

	w = f.do(t, "POST", "/runs/run_1/arbitration/verdict", map[string]any{
		"caseId": "case_1", "verdict": verdict,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, "GET", "/x402/gate/gate_1", nil, nil)
	gate := decode(t, w)["gate"].(map[string]any)
	assert.Equal(t, settlement.StatusArbitrated, gate["status"])
	assert.EqualValues(t, 200, gate["releasedCents"])

	// No appeal until the case closes.
	w = f.do(t, "GET", "/cases/case_1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)["case"].(map[string]any)
	act := view["actionability"].(map[string]any)
	assert.Equal(t, false, act["canOpenAppeal"])
	assert.Equal(t, true, act["canClose"])

	w = f.do(t, "POST", "/runs/run_1/arbitration/close", map[string]any{"caseId": "case_1"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view = decode(t, w)["case"].(map[string]any)
	assert.Equal(t, arbitration.CaseClosed, view["status"])
	assert.Equal(t, true, view["actionability"].(map[string]any)["canOpenAppeal"])

	w = f.do(t, "POST", "/runs/run_1/arbitration/appeal", map[string]any{
		"parentCaseId": "case_1", "caseId": "case_2", "openedBy": "ag_payee",
		"reason": "verdict undervalues delivery", "evidenceRefs": evidence,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	appeal := decode(t, w)["case"].(map[string]any)
	assert.Equal(t, arbitration.CaseUnderReview, appeal["status"])
	assert.Equal(t, "case_1", appeal["appealChain"].(map[string]any)["parentCaseId"])
	assert.Equal(t, false, appeal["actionability"].(map[string]any)["canOpenAppeal"])

	// The parent's chain materializes the child and admits no second appeal.
	w = f.do(t, "GET", "/cases/case_1", nil, nil)
	view = decode(t, w)["case"].(map[string]any)
	assert.Equal(t, []any{"case_2"}, view["appealChain"].(map[string]any)["childCaseIds"])
	assert.Equal(t, false, view["actionability"].(map[string]any)["canOpenAppeal"])

	w = f.do(t, "GET", "/cases/case_2/lineage", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["lineage"], 2)

	w = f.do(t, "GET", "/disputes/dsp_1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	dispute = decode(t, w)["dispute"].(map[string]any)
	assert.Equal(t, []any{"case_1", "case_2"}, dispute["caseIds"])
}

func TestEngine_FederationInvokeOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.settleGate(t)

	// A peer coordinator anchored in this tenant invokes gate.status.
	peerKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	peerSigner, err := envelope.NewKeypairSigner(peerKey)
	require.NoError(t, err)
	_, err = f.engine.trust.Register(testTenant, "coord_peer", []string{peerKey.PublicPEM})
	require.NoError(t, err)

	peer := federation.NewExchange(f.engine.trust, peerSigner, "coord_peer")
	invoke, err := peer.BuildInvoke(testTenant, "coord_local", "gate.status", map[string]any{"gateId": "gate_1"})
	require.NoError(t, err)

	w := f.do(t, "POST", "/v1/federation/invoke", invoke, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode(t, w)
	assert.Equal(t, federation.ResultSchemaVersion, result["schemaVersion"])
	payload := result["payload"].(map[string]any)
	assert.Equal(t, settlement.StatusReleased, payload["status"])

	// The signed result round-trips through the verification endpoint.
	w = f.do(t, "POST", "/v1/federation/result", map[string]any{
		"invoke": invoke, "result": result,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// An unanchored coordinator is rejected.
	strangerKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	strangerSigner, err := envelope.NewKeypairSigner(strangerKey)
	require.NoError(t, err)
	stranger := federation.NewExchange(f.engine.trust, strangerSigner, "coord_stranger")
	badInvoke, err := stranger.BuildInvoke(testTenant, "coord_local", "ping", nil)
	require.NoError(t, err)
	w = f.do(t, "POST", "/v1/federation/invoke", badInvoke, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apierror.CodeFederationUntrustedCoordinator, errCode(t, w))
}

func TestEngine_FederationForwardOverHTTP(t *testing.T) {
	f := newFixture(t)

	// Upstream peer anchored in this tenant: it verifies our invokes and we
	// verify its results.
	upstreamKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	upstreamSigner, err := envelope.NewKeypairSigner(upstreamKey)
	require.NoError(t, err)
	_, err = f.engine.trust.Register(testTenant, "coord_remote", []string{upstreamKey.PublicPEM})
	require.NoError(t, err)
	upstream := federation.NewExchange(f.engine.trust, upstreamSigner, "coord_remote")

	calls := 0
	transport := federation.TransportFunc(func(ctx context.Context, tenantID, target string, invoke map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("connect: connection refused")
		}
		if err := upstream.VerifyInvoke(tenantID, invoke); err != nil {
			return nil, err
		}
		return upstream.BuildResult(tenantID, invoke, "ok", map[string]any{"pong": true})
	})
	f.engine.forwarder = federation.NewForwarder(f.engine.fed, transport,
		federation.BackoffPolicy{BaseMs: 1, MaxAttempts: 3})

	token, err := f.ops.Mint(testTenant, []string{tenant.ScopeFinanceWrite}, time.Hour)
	require.NoError(t, err)
	headers := map[string]string{tenant.HeaderOpsToken: token}

	w := f.do(t, "POST", "/v1/federation/forward", map[string]any{
		"targetId": "coord_remote", "operation": "ping", "sealTranscript": true,
	}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	result := body["result"].(map[string]any)
	assert.Equal(t, "ok", result["status"])
	session := body["session"].(map[string]any)
	require.Len(t, session["attempts"], 2)
	transcript := body["transcript"].(map[string]any)
	assert.NotEmpty(t, transcript["transcriptHash"])
	require.Len(t, transcript["events"], 2)

	// With the upstream gone the retry schedule exhausts into a 502.
	down := federation.TransportFunc(func(ctx context.Context, tenantID, target string, invoke map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("dial tcp: i/o timeout")
	})
	f.engine.forwarder = federation.NewForwarder(f.engine.fed, down,
		federation.BackoffPolicy{BaseMs: 1, MaxAttempts: 2})
	w = f.do(t, "POST", "/v1/federation/forward", map[string]any{
		"targetId": "coord_remote", "operation": "ping",
	}, headers)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, apierror.CodeFederationUpstreamUnreachable, errCode(t, w))
}

func TestEngine_AdminProvisioning(t *testing.T) {
	f := newFixture(t)

	key, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	w := f.do(t, "POST", "/v1/agents", map[string]any{
		"agentId": "ag_new", "displayName": "New Agent",
		"capabilities": []string{"invoke"},
		"publicKeyPem": key.PublicPEM,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["keyId"])

	w = f.do(t, "POST", "/v1/wallets", map[string]any{
		"agentId": "ag_new", "currency": "USD", "creditCents": 1200,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wal := decode(t, w)["wallet"].(map[string]any)
	assert.EqualValues(t, 1200, wal["availableCents"])

	w = f.do(t, "GET", "/v1/wallets/ag_new", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestEngine_JobProofOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.settleGate(t)

	token, err := f.ops.Mint(testTenant, []string{tenant.ScopeFinanceRead}, time.Hour)
	require.NoError(t, err)
	w := f.do(t, "GET", "/artifacts/job-proof/run_1", nil, map[string]string{tenant.HeaderOpsToken: token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	proof := decode(t, w)
	assert.Equal(t, artifact.JobProofSchemaVersion, proof["schemaVersion"])
	assert.EqualValues(t, 3, proof["eventCount"])
}

func TestEngine_ConcurrencyLimitReturns503(t *testing.T) {
	f := newFixture(t)
	f.engine.guard.SetPolicy(testTenant, tenant.LimitPolicy{MaxConcurrent: 1})

	release, err := f.engine.guard.Acquire(httptest.NewRequest("GET", "/", nil).Context(), testTenant)
	require.NoError(t, err)
	defer release()

	w := f.do(t, "GET", "/x402/gate/gate_1", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, apierror.CodeTenantConcurrencyLimit, errCode(t, w))
}

func TestEngine_HealthEndpoint(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestEngine_NewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "machine"), fmt.Sprint(err))
}
