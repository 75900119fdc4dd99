// Package artifact builds the kernel's exportable artifacts: job and month
// proofs over settled runs, finance packs for reconciliation, and the
// conformance report/certificate pair. Every artifact is a sealed canonical
// envelope verifiable offline.
package artifact

import (
	"context"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
	"github.com/nooterra-labs/settld/core/pkg/wallet"
)

// Artifact schema tags.
const (
	JobProofSchemaVersion    = "JobProof.v1"
	MonthProofSchemaVersion  = "MonthProof.v1"
	FinancePackSchemaVersion = "FinancePack.v1"
)

// Builder assembles proofs from the run chains, receipts, and the wallet
// journal, sealing them with the kernel signing key.
type Builder struct {
	log     ledger.EventLog
	machine *settlement.Machine
	wallets *wallet.Ledger
	signer  envelope.Signer
	clock   func() time.Time
}

// NewBuilder wires a proof builder.
func NewBuilder(log ledger.EventLog, machine *settlement.Machine, wallets *wallet.Ledger, signer envelope.Signer) *Builder {
	return &Builder{
		log:     log,
		machine: machine,
		wallets: wallets,
		signer:  signer,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Signer exposes the builder's sealing key for callers that seal artifacts
// of their own, like federation session transcripts.
func (b *Builder) Signer() envelope.Signer { return b.signer }

// BuildJobProof seals the full settlement evidence of one run: the verified
// event chain tail, per-gate outcomes, and the hashes of every receipt the
// run issued. The chain is re-verified before sealing.
func (b *Builder) BuildJobProof(ctx context.Context, tenantID, runID string) (map[string]any, error) {
	events, err := b.log.List(ctx, tenantID, settlement.RunSubject(runID))
	if err != nil {
		if err == ledger.ErrSubjectNotFound {
			return nil, apierror.New(apierror.CodeNotFound, "no run %s", runID)
		}
		return nil, err
	}
	if broken := ledger.VerifyChain(events); broken >= 0 {
		return nil, apierror.New(apierror.CodeInternalError,
			"run %s chain is broken at index %d", runID, broken)
	}

	gates := b.machine.ListByRun(tenantID, runID)
	var totalReleased, totalRefunded int64
	gateSummaries := make([]any, 0, len(gates))
	receiptHashes := make([]any, 0, len(gates))
	for _, g := range gates {
		totalReleased += g.ReleasedCents
		totalRefunded += g.RefundedCents
		gateSummaries = append(gateSummaries, map[string]any{
			"gateId":        g.GateID,
			"status":        g.Status,
			"amountCents":   g.AmountCents,
			"releasedCents": g.ReleasedCents,
			"refundedCents": g.RefundedCents,
			"currency":      g.Currency,
		})
		if g.ReceiptID != "" {
			rec, err := b.machine.Receipts().Get(tenantID, g.ReceiptID)
			if err != nil {
				return nil, err
			}
			if h, _ := rec.Envelope["receiptHash"].(string); h != "" {
				receiptHashes = append(receiptHashes, h)
			}
		}
	}

	chainTail := ledger.GenesisHash
	if len(events) > 0 {
		chainTail = events[len(events)-1].ChainHash
	}
	core := map[string]any{
		"schemaVersion":      JobProofSchemaVersion,
		"runId":              runID,
		"eventCount":         len(events),
		"chainTail":          chainTail,
		"gates":              gateSummaries,
		"receiptHashes":      receiptHashes,
		"totalReleasedCents": totalReleased,
		"totalRefundedCents": totalRefunded,
		"builtAt":            b.clock().UTC().Format(time.RFC3339Nano),
	}
	return envelope.SealSchema(core, b.signer)
}

// BuildMonthProof aggregates a tenant's receipts for a calendar month into a
// single sealed proof. month is "2006-01".
func (b *Builder) BuildMonthProof(tenantID, month string) (map[string]any, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "month must be YYYY-MM")
	}
	end := start.AddDate(0, 1, 0)

	records, _, err := b.machine.Receipts().List(tenantID, settlement.ReceiptFilter{
		IssuedAfter:  start.Add(-time.Nanosecond),
		IssuedBefore: end,
	}, "", 1<<30)
	if err != nil {
		return nil, err
	}

	var totalReleased int64
	runs := map[string]bool{}
	receiptHashes := make([]any, 0, len(records))
	for _, rec := range records {
		runs[rec.RunID] = true
		if h, _ := rec.Envelope["receiptHash"].(string); h != "" {
			receiptHashes = append(receiptHashes, h)
		}
		if v, ok := rec.Envelope["verificationContext"].(map[string]any); ok {
			if c, ok := toCents(v["releasedCents"]); ok {
				totalReleased += c
			}
		}
	}

	core := map[string]any{
		"schemaVersion":      MonthProofSchemaVersion,
		"month":              month,
		"receiptCount":       len(records),
		"runCount":           len(runs),
		"receiptHashes":      receiptHashes,
		"totalReleasedCents": totalReleased,
		"builtAt":            b.clock().UTC().Format(time.RFC3339Nano),
	}
	return envelope.SealSchema(core, b.signer)
}

// BuildFinancePack bundles a month proof with the wallet journal entries it
// reconciles against. Intended for finance_read exports.
func (b *Builder) BuildFinancePack(tenantID, month string) (map[string]any, error) {
	monthProof, err := b.BuildMonthProof(tenantID, month)
	if err != nil {
		return nil, err
	}

	start, _ := time.Parse("2006-01", month)
	end := start.AddDate(0, 1, 0)
	var entries []any
	for _, e := range b.wallets.Journal(tenantID) {
		if e.AppliedAt.Before(start) || !e.AppliedAt.Before(end) {
			continue
		}
		deltas := make([]any, 0, len(e.Deltas))
		for _, d := range e.Deltas {
			deltas = append(deltas, map[string]any{
				"agentId": d.AgentID,
				"field":   d.Field,
				"cents":   d.Cents,
			})
		}
		entries = append(entries, map[string]any{
			"entryId":   e.EntryID,
			"op":        e.Op,
			"chainHash": e.ChainHash,
			"appliedAt": e.AppliedAt.UTC().Format(time.RFC3339Nano),
			"deltas":    deltas,
		})
	}

	core := map[string]any{
		"schemaVersion":  FinancePackSchemaVersion,
		"month":          month,
		"monthProofHash": monthProof["proofHash"],
		"monthProof":     monthProof,
		"journal":        entries,
		"builtAt":        b.clock().UTC().Format(time.RFC3339Nano),
	}
	return envelope.SealSchema(core, b.signer)
}

func toCents(v any) (int64, bool) {
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
