// Package engine is the kernel's request boundary: it wires the gate machine,
// reversal processor, arbitration court, artifact builder, and federation
// exchange behind one HTTP surface with tenant isolation, rate limiting,
// operator scopes, JSON schema validation, and request idempotency.
package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nooterra-labs/settld/core/pkg/agent"
	"github.com/nooterra-labs/settld/core/pkg/arbitration"
	"github.com/nooterra-labs/settld/core/pkg/artifact"
	"github.com/nooterra-labs/settld/core/pkg/federation"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/observability"
	"github.com/nooterra-labs/settld/core/pkg/reversal"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
	"github.com/nooterra-labs/settld/core/pkg/wallet"
)

// Config wires an Engine to its collaborators. All of Machine, Reversals,
// Court, Artifacts, Log, Idempotency, Guard, and Ops are required;
// observability defaults to a disabled provider.
type Config struct {
	Machine     *settlement.Machine
	Reversals   *reversal.Processor
	Court       *arbitration.Court
	Artifacts   *artifact.Builder
	Federation  *federation.Exchange
	Trust       *federation.TrustRegistry
	Forwarder   *federation.Forwarder
	Agents      *agent.Registry
	Wallets     *wallet.Ledger
	Log         ledger.EventLog
	Idempotency ledger.IdempotencyStore
	Guard       *tenant.Guard
	Ops         *tenant.OpsAuth
	Obs         *observability.Provider
}

// Engine serves the kernel API.
type Engine struct {
	machine   *settlement.Machine
	reversals *reversal.Processor
	court     *arbitration.Court
	artifacts *artifact.Builder
	fed       *federation.Exchange
	trust     *federation.TrustRegistry
	forwarder *federation.Forwarder
	agents    *agent.Registry
	wallets   *wallet.Ledger
	log       ledger.EventLog
	idem      ledger.IdempotencyStore
	guard     *tenant.Guard
	ops       *tenant.OpsAuth
	obs       *observability.Provider

	schemas *schemaSet
}

// New validates cfg and compiles the request schemas.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Machine == nil:
		return nil, fmt.Errorf("engine: machine is required")
	case cfg.Reversals == nil:
		return nil, fmt.Errorf("engine: reversal processor is required")
	case cfg.Court == nil:
		return nil, fmt.Errorf("engine: court is required")
	case cfg.Artifacts == nil:
		return nil, fmt.Errorf("engine: artifact builder is required")
	case cfg.Log == nil:
		return nil, fmt.Errorf("engine: event log is required")
	case cfg.Idempotency == nil:
		return nil, fmt.Errorf("engine: idempotency store is required")
	case cfg.Guard == nil:
		return nil, fmt.Errorf("engine: tenant guard is required")
	case cfg.Ops == nil:
		return nil, fmt.Errorf("engine: ops auth is required")
	}
	if cfg.Obs == nil {
		var err error
		cfg.Obs, err = observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Engine{
		machine:   cfg.Machine,
		reversals: cfg.Reversals,
		court:     cfg.Court,
		artifacts: cfg.Artifacts,
		fed:       cfg.Federation,
		trust:     cfg.Trust,
		forwarder: cfg.Forwarder,
		agents:    cfg.Agents,
		wallets:   cfg.Wallets,
		log:       cfg.Log,
		idem:      cfg.Idempotency,
		guard:     cfg.Guard,
		ops:       cfg.Ops,
		obs:       cfg.Obs,
		schemas:   schemas,
	}, nil
}

// Router lays out the kernel's HTTP surface.
func (e *Engine) Router() *http.ServeMux {
	mux := http.NewServeMux()

	// Gate lifecycle.
	mux.HandleFunc("POST /x402/gate/create",
		e.handle("x402.gate.create", "", e.schemas.gateCreate, e.handleGateCreate))
	mux.HandleFunc("POST /x402/gate/authorize-payment",
		e.handle("x402.gate.authorize_payment", "", e.schemas.gateAuthorize, e.handleGateAuthorize))
	mux.HandleFunc("POST /x402/gate/verify",
		e.handle("x402.gate.verify", "", e.schemas.gateVerify, e.handleGateVerify))
	mux.HandleFunc("POST /x402/gate/reversal",
		e.handle("x402.gate.reversal", "", e.schemas.reversalCommand, e.handleReversal))
	mux.HandleFunc("GET /x402/gate/{gateId}",
		e.handle("x402.gate.get", "", nil, e.handleGateGet))
	mux.HandleFunc("GET /x402/gate/{gateId}/reversals",
		e.handle("x402.gate.reversals", "", nil, e.handleReversalStream))

	// Receipts.
	mux.HandleFunc("GET /x402/receipts",
		e.handle("x402.receipts.list", tenant.ScopeFinanceRead, nil, e.handleReceiptsList))
	mux.HandleFunc("GET /x402/receipts/export",
		e.exportReceipts) // streams NDJSON, bypasses the JSON boundary
	mux.HandleFunc("GET /x402/receipts/{receiptId}",
		e.handle("x402.receipts.get", tenant.ScopeFinanceRead, nil, e.handleReceiptGet))

	// Disputes and arbitration.
	mux.HandleFunc("POST /runs/{runId}/dispute/open",
		e.handle("dispute.open", "", e.schemas.disputeOpen, e.handleDisputeOpen))
	mux.HandleFunc("POST /runs/{runId}/dispute/close",
		e.handle("dispute.close", "", e.schemas.disputeClose, e.handleDisputeClose))
	mux.HandleFunc("POST /runs/{runId}/arbitration/open",
		e.handle("arbitration.open", "", e.schemas.arbitrationOpen, e.handleArbitrationOpen))
	mux.HandleFunc("POST /runs/{runId}/arbitration/verdict",
		e.handle("arbitration.verdict", "", e.schemas.verdict, e.handleVerdict))
	mux.HandleFunc("POST /runs/{runId}/arbitration/close",
		e.handle("arbitration.close", "", e.schemas.arbitrationClose, e.handleArbitrationClose))
	mux.HandleFunc("POST /runs/{runId}/arbitration/appeal",
		e.handle("arbitration.appeal", "", e.schemas.appeal, e.handleAppeal))
	mux.HandleFunc("GET /disputes/{disputeId}",
		e.handle("dispute.get", "", nil, e.handleDisputeGet))
	mux.HandleFunc("GET /cases/{caseId}",
		e.handle("arbitration.case.get", "", nil, e.handleCaseGet))
	mux.HandleFunc("GET /cases/{caseId}/lineage",
		e.handle("arbitration.case.lineage", "", nil, e.handleCaseLineage))

	// Audit and artifacts.
	mux.HandleFunc("GET /runs/{runId}/events",
		e.handle("audit.run_events", tenant.ScopeAuditRead, nil, e.handleRunEvents))
	mux.HandleFunc("GET /runs/{runId}/gates",
		e.handle("x402.run.gates", "", nil, e.handleRunGates))
	mux.HandleFunc("GET /artifacts/job-proof/{runId}",
		e.handle("artifact.job_proof", tenant.ScopeFinanceRead, nil, e.handleJobProof))
	mux.HandleFunc("GET /artifacts/month-proof/{month}",
		e.handle("artifact.month_proof", tenant.ScopeFinanceRead, nil, e.handleMonthProof))
	mux.HandleFunc("GET /artifacts/finance-pack/{month}",
		e.handle("artifact.finance_pack", tenant.ScopeFinanceRead, nil, e.handleFinancePack))

	// Agent and wallet administration.
	mux.HandleFunc("POST /v1/agents",
		e.handle("agent.register", "", e.schemas.agentRegister, e.handleAgentRegister))
	mux.HandleFunc("POST /v1/agents/{agentId}/keys",
		e.handle("agent.add_key", "", e.schemas.agentKey, e.handleAgentAddKey))
	mux.HandleFunc("POST /v1/wallets",
		e.handle("wallet.open", "", e.schemas.walletOpen, e.handleWalletOpen))
	mux.HandleFunc("GET /v1/wallets/{agentId}",
		e.handle("wallet.get", "", nil, e.handleWalletGet))
	mux.HandleFunc("GET /v1/wallets/{agentId}/journal",
		e.handle("wallet.journal", tenant.ScopeFinanceRead, nil, e.handleWalletJournal))

	// Federation.
	mux.HandleFunc("POST /v1/federation/anchors",
		e.handle("federation.anchor.register", tenant.ScopeFinanceWrite, e.schemas.anchor, e.handleAnchorRegister))
	mux.HandleFunc("POST /v1/federation/anchors/rotate",
		e.handle("federation.anchor.rotate", tenant.ScopeFinanceWrite, e.schemas.anchor, e.handleAnchorRotate))
	mux.HandleFunc("POST /v1/federation/anchors/revoke",
		e.handle("federation.anchor.revoke", tenant.ScopeFinanceWrite, e.schemas.anchorRevoke, e.handleAnchorRevoke))
	mux.HandleFunc("GET /v1/federation/anchors",
		e.handle("federation.anchor.list", tenant.ScopeOpsRead, nil, e.handleAnchorList))
	mux.HandleFunc("POST /v1/federation/invoke",
		e.handle("federation.invoke", "", e.schemas.fedInvoke, e.handleFederationInvoke))
	mux.HandleFunc("POST /v1/federation/result",
		e.handle("federation.result", "", e.schemas.fedResult, e.handleFederationResult))
	mux.HandleFunc("POST /v1/federation/forward",
		e.handle("federation.forward", tenant.ScopeFinanceWrite, e.schemas.fedForward, e.handleFederationForward))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}
