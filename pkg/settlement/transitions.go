package settlement

import (
	"context"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
)

// VoidAuthorization unwinds a gate that has not yet settled. Voiding an
// authorized gate returns the full escrow to the payer and issues a receipt
// recording the funds as refunded; voiding a created gate just terminates
// it, since no money ever moved.
func (m *Machine) VoidAuthorization(ctx context.Context, tenantID, gateID, reason, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, gateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", gateID)
	}
	if g.Status != StatusCreated && g.Status != StatusAuthorized {
		return nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, void_authorization requires created or authorized", gateID, g.Status)
	}
	escrowed := g.Status == StatusAuthorized

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.voided", map[string]any{
		"gateId": gateID,
		"reason": reason,
	})
	if err != nil {
		return nil, nil, err
	}
	if escrowed {
		if err := m.wallets.VoidEscrow(tenantID, g.PayerAgentID, g.AmountCents, res.Event.ChainHash); err != nil {
			return nil, nil, apierror.New(apierror.CodeInternalError, "escrow void failed after commit: %v", err)
		}
	}

	now := m.clock().UTC()
	m.mu.Lock()
	g.Status = StatusVoided
	if escrowed {
		g.RefundedCents = g.AmountCents
	}
	g.EscrowSettled = true
	g.UpdatedAt = now
	g.DecisionTrace = append(g.DecisionTrace, "reversal:void_authorization")
	m.mu.Unlock()

	if escrowed {
		verification := map[string]any{
			"method":             "reversal",
			"releaseRatePct":     0,
			"releasedCents":      int64(0),
			"releasedMilliCents": int64(0),
			"refundedCents":      g.AmountCents,
			"evidenceRefs":       []any{},
		}
		_, receiptID, err := m.issueReceipt(tenantID, g, "", StatusRefunded, res.Event.ChainHash, now, verification, unverifiedBindings(g), g.DecisionTrace)
		if err != nil {
			return nil, nil, apierror.New(apierror.CodeInternalError, "receipt issue failed after commit: %v", err)
		}
		m.mu.Lock()
		g.ReceiptID = receiptID
		m.mu.Unlock()
	}

	snap, _ := m.Get(tenantID, gateID)
	return snap, res, nil
}

// unverifiedBindings is the binding block for receipts issued outside the
// verify path, where no provider or quote signature was checked.
func unverifiedBindings(g *Gate) map[string]any {
	return map[string]any{
		"spendAuthorization": spendAuthorizationBinding(g),
		"providerSig":        map[string]any{"verified": false, "keyId": "", "responseSha256": ""},
		"providerQuoteSig":   map[string]any{"verified": false, "keyId": "", "quoteId": "", "quoteSha256": ""},
		"requestSha256":      g.RequestSha256,
	}
}

// MarkRefundPending records a refund request against a settled gate. No
// funds move until the payee resolves it.
func (m *Machine) MarkRefundPending(ctx context.Context, tenantID, gateID, reason, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, gateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", gateID)
	}
	if g.Status != StatusReleased && g.Status != StatusPartiallyReleased {
		return nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, request_refund requires a released gate", gateID, g.Status)
	}

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.refund_requested", map[string]any{
		"gateId": gateID,
		"reason": reason,
	})
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	g.PriorStatus = g.Status
	g.Status = StatusRefundPending
	g.UpdatedAt = m.clock().UTC()
	g.DecisionTrace = append(g.DecisionTrace, "reversal:request_refund")
	m.mu.Unlock()

	snap, _ := m.Get(tenantID, gateID)
	return snap, res, nil
}

// ResolveRefund settles a pending refund: refundCents move from the payee's
// available pool back to the payer. The amount may not exceed what the gate
// released.
func (m *Machine) ResolveRefund(ctx context.Context, tenantID, gateID string, refundCents int64, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, gateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", gateID)
	}
	if g.Status != StatusRefundPending {
		return nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, resolve_refund requires refund_pending", gateID, g.Status)
	}
	if refundCents <= 0 || refundCents > g.ReleasedCents {
		return nil, nil, apierror.New(apierror.CodeSchemaInvalid,
			"refund %d¢ must be positive and at most the released %d¢", refundCents, g.ReleasedCents)
	}

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.refund_resolved", map[string]any{
		"gateId":      gateID,
		"refundCents": refundCents,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := m.wallets.Transfer(tenantID, g.PayeeAgentID, g.PayerAgentID, refundCents, res.Event.ChainHash); err != nil {
		return nil, nil, apierror.New(apierror.CodeInternalError, "refund transfer failed after commit: %v", err)
	}

	m.mu.Lock()
	g.Status = StatusRefunded
	g.ReleasedCents -= refundCents
	g.ReleasedMilliCents = g.ReleasedCents * 1000
	g.RefundedCents += refundCents
	g.PriorStatus = ""
	g.UpdatedAt = m.clock().UTC()
	g.DecisionTrace = append(g.DecisionTrace, "reversal:resolve_refund")
	m.mu.Unlock()

	if _, err := m.reissueReceipt(tenantID, g, StatusRefunded, res.Event.ChainHash); err != nil {
		return nil, nil, apierror.New(apierror.CodeInternalError, "receipt reissue failed after commit: %v", err)
	}

	snap, _ := m.Get(tenantID, gateID)
	return snap, res, nil
}

// MarkDisputed freezes a gate under an open dispute.
func (m *Machine) MarkDisputed(ctx context.Context, tenantID, gateID, disputeID, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, gateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", gateID)
	}
	// An arbitrated gate stays disputable so an appeal can reopen it.
	switch g.Status {
	case StatusAuthorized, StatusUnderReview, StatusReleased, StatusPartiallyReleased, StatusRefundPending, StatusArbitrated:
	default:
		return nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s and cannot be disputed", gateID, g.Status)
	}

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.disputed", map[string]any{
		"gateId":    gateID,
		"disputeId": disputeID,
	})
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	g.PriorStatus = g.Status
	g.Status = StatusDisputed
	g.UpdatedAt = m.clock().UTC()
	g.DecisionTrace = append(g.DecisionTrace, "dispute:opened:"+disputeID)
	m.mu.Unlock()

	snap, _ := m.Get(tenantID, gateID)
	return snap, res, nil
}

// CloseDispute restores a disputed gate to its pre-dispute state when the
// dispute closes without a verdict having settled it.
func (m *Machine) CloseDispute(ctx context.Context, tenantID, gateID, disputeID, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, gateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", gateID)
	}
	if g.Status != StatusDisputed {
		return nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, dispute close requires disputed", gateID, g.Status)
	}

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.dispute_closed", map[string]any{
		"gateId":    gateID,
		"disputeId": disputeID,
	})
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	if g.PriorStatus != "" {
		g.Status = g.PriorStatus
	} else {
		g.Status = StatusAuthorized
	}
	g.PriorStatus = ""
	g.UpdatedAt = m.clock().UTC()
	g.DecisionTrace = append(g.DecisionTrace, "dispute:closed:"+disputeID)
	m.mu.Unlock()

	snap, _ := m.Get(tenantID, gateID)
	return snap, res, nil
}

// ApplyVerdict settles a held or disputed gate per an arbitration verdict's
// release rate. A gate whose escrow is still locked settles directly from
// escrow; a gate disputed after settlement is corrected by transferring the
// difference between what was released and what the verdict orders.
func (m *Machine) ApplyVerdict(ctx context.Context, tenantID, gateID string, releaseRatePct int, verdictHash, expectedPrev string) (*Gate, *ledger.AppendResult, error) {
	if releaseRatePct < 0 || releaseRatePct > 100 {
		return nil, nil, apierror.New(apierror.CodeSchemaInvalid, "releaseRatePct must be in [0,100]")
	}
	m.mu.RLock()
	g, ok := m.gates[gateKey(tenantID, gateID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apierror.New(apierror.CodeNotFound, "no gate %s", gateID)
	}
	if g.Status != StatusDisputed && g.Status != StatusUnderReview {
		return nil, nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, a verdict requires disputed or under_review", gateID, g.Status)
	}

	targetCents, milliCents := ComputeRelease(g.AmountCents, releaseRatePct)

	res, err := m.log.Append(ctx, tenantID, RunSubject(g.RunID), expectedPrev, "gate.verdict_applied", map[string]any{
		"gateId":             gateID,
		"releaseRatePct":     releaseRatePct,
		"releasedCents":      targetCents,
		"releasedMilliCents": milliCents,
		"verdictHash":        verdictHash,
	})
	if err != nil {
		return nil, nil, err
	}

	now := m.clock().UTC()
	if !g.EscrowSettled {
		refund := g.AmountCents - targetCents
		if err := m.wallets.ReleaseEscrow(tenantID, g.PayerAgentID, g.PayeeAgentID, targetCents, refund, res.Event.ChainHash); err != nil {
			return nil, nil, apierror.New(apierror.CodeInternalError, "verdict settlement failed after commit: %v", err)
		}
		m.mu.Lock()
		g.ReleasedCents = targetCents
		g.ReleasedMilliCents = milliCents
		g.RefundedCents = refund
		g.EscrowSettled = true
		m.mu.Unlock()
	} else if delta := g.ReleasedCents - targetCents; delta != 0 {
		from, to := g.PayeeAgentID, g.PayerAgentID
		amount := delta
		if delta < 0 {
			from, to = g.PayerAgentID, g.PayeeAgentID
			amount = -delta
		}
		if err := m.wallets.Transfer(tenantID, from, to, amount, res.Event.ChainHash); err != nil {
			return nil, nil, apierror.New(apierror.CodeInternalError, "verdict correction failed after commit: %v", err)
		}
		m.mu.Lock()
		g.RefundedCents += g.ReleasedCents - targetCents
		g.ReleasedCents = targetCents
		g.ReleasedMilliCents = milliCents
		m.mu.Unlock()
	}

	m.mu.Lock()
	g.Status = StatusArbitrated
	g.ReleaseRatePct = releaseRatePct
	g.PriorStatus = ""
	g.UpdatedAt = now
	g.DecisionTrace = append(g.DecisionTrace, "arbitration:verdict_applied")
	m.mu.Unlock()

	// The verdict supersedes whatever disposition the receipt recorded, so
	// the gate's receipt is re-sealed (or first sealed, for a gate that
	// never auto-released) under the arbitrated outcome.
	if g.ReceiptID != "" {
		if _, err := m.reissueReceipt(tenantID, g, StatusArbitrated, res.Event.ChainHash); err != nil {
			return nil, nil, apierror.New(apierror.CodeInternalError, "receipt reissue failed after commit: %v", err)
		}
	} else {
		verification := map[string]any{
			"status":             g.VerificationStatus,
			"method":             "arbitration",
			"releaseRatePct":     releaseRatePct,
			"releasedCents":      g.ReleasedCents,
			"releasedMilliCents": g.ReleasedMilliCents,
			"refundedCents":      g.RefundedCents,
			"evidenceRefs":       []any{},
		}
		_, receiptID, err := m.issueReceipt(tenantID, g, "", StatusArbitrated, res.Event.ChainHash, now, verification, unverifiedBindings(g), g.DecisionTrace)
		if err != nil {
			return nil, nil, apierror.New(apierror.CodeInternalError, "receipt issue failed after commit: %v", err)
		}
		m.mu.Lock()
		g.ReceiptID = receiptID
		m.mu.Unlock()
	}

	snap, _ := m.Get(tenantID, gateID)
	return snap, res, nil
}
