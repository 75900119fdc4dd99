package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
)

func TestTransitions_VoidAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	g, res, err := f.machine.VoidAuthorization(ctx, testTenant, "gate_1", "payer cancelled", prev)
	require.NoError(t, err)
	assert.Equal(t, StatusVoided, g.Status)
	assert.Equal(t, int64(500), g.RefundedCents)
	assert.True(t, g.Terminal())

	payer, _ := f.wallets.Get(testTenant, "ag_payer")
	assert.Equal(t, int64(5000), payer.AvailableCents)
	assert.Equal(t, int64(0), payer.EscrowLockedCents)

	// The unwound escrow is evidenced by a refunded receipt.
	require.NotEmpty(t, g.ReceiptID)
	rec, err := f.machine.Receipts().Get(testTenant, g.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, rec.Status)
	assert.Equal(t, StatusRefunded, rec.Envelope["status"])
	vc := rec.Envelope["verificationContext"].(map[string]any)
	assert.Equal(t, int64(500), vc["refundedCents"])
	assert.Equal(t, "reversal", vc["method"])

	// Terminal: a second void is rejected.
	_, _, err = f.machine.VoidAuthorization(ctx, testTenant, "gate_1", "again", res.Event.ChainHash)
	assert.Equal(t, apierror.CodeConflict, apierror.CodeOf(err))
}

func TestTransitions_VoidCreatedGateMovesNoFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, res, err := f.machine.CreateGate(ctx, testTenant, CreateInput{
		GateID:       "gate_1",
		RunID:        "run_1",
		PayerAgentID: "ag_payer",
		PayeeAgentID: "ag_payee",
		AmountCents:  700,
		Currency:     "USD",
		ToolID:       "tool_search",
	}, ledger.GenesisHash)
	require.NoError(t, err)

	g, _, err = f.machine.VoidAuthorization(ctx, testTenant, "gate_1", "never authorized", res.Event.ChainHash)
	require.NoError(t, err)
	assert.Equal(t, StatusVoided, g.Status)
	assert.Equal(t, int64(0), g.RefundedCents)
	assert.Empty(t, g.ReceiptID)

	payer, _ := f.wallets.Get(testTenant, "ag_payer")
	assert.Equal(t, int64(5000), payer.AvailableCents)
	assert.Equal(t, int64(0), payer.EscrowLockedCents)
}

func TestTransitions_VoidRejectsHeldGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	g, _, res, err := f.machine.Verify(ctx, testTenant, VerifyInput{
		GateID:             "gate_1",
		VerificationStatus: VerifyAmber,
		Policy:             DefaultVerificationPolicy(),
	}, prev)
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, g.Status)

	// Once verification has started the gate is past the void window.
	_, _, err = f.machine.VoidAuthorization(ctx, testTenant, "gate_1", "too late", res.Event.ChainHash)
	assert.Equal(t, apierror.CodeConflict, apierror.CodeOf(err))
}

func TestTransitions_RefundFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	g, _, res, err := f.machine.Verify(ctx, testTenant, VerifyInput{
		GateID:             "gate_1",
		VerificationStatus: VerifyGreen,
		Policy:             DefaultVerificationPolicy(),
	}, prev)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, g.Status)

	// request_refund on a released gate marks it pending; no funds move.
	g, res2, err := f.machine.MarkRefundPending(ctx, testTenant, "gate_1", "duplicate charge", res.Event.ChainHash)
	require.NoError(t, err)
	assert.Equal(t, StatusRefundPending, g.Status)
	payee, _ := f.wallets.Get(testTenant, "ag_payee")
	assert.Equal(t, int64(500), payee.AvailableCents)

	// Refund above what was released is rejected.
	_, _, err = f.machine.ResolveRefund(ctx, testTenant, "gate_1", 600, res2.Event.ChainHash)
	assert.Equal(t, apierror.CodeSchemaInvalid, apierror.CodeOf(err))

	g, _, err = f.machine.ResolveRefund(ctx, testTenant, "gate_1", 500, res2.Event.ChainHash)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, g.Status)

	payer, _ := f.wallets.Get(testTenant, "ag_payer")
	assert.Equal(t, int64(5000), payer.AvailableCents)
	payee, _ = f.wallets.Get(testTenant, "ag_payee")
	assert.Equal(t, int64(0), payee.AvailableCents)

	// The original receipt is reissued under the refunded outcome.
	rec, err := f.machine.Receipts().Get(testTenant, g.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, rec.Status)
	vc := rec.Envelope["verificationContext"].(map[string]any)
	assert.Equal(t, int64(0), vc["releasedCents"])
	assert.Equal(t, int64(500), vc["refundedCents"])
	assert.Equal(t, "green", vc["status"])
}

func TestTransitions_RefundRequiresReleasedGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	_, _, err := f.machine.MarkRefundPending(ctx, testTenant, "gate_1", "too early", prev)
	assert.Equal(t, apierror.CodeConflict, apierror.CodeOf(err))
}

func TestTransitions_DisputeCloseRestoresPriorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	g, _, res, err := f.machine.Verify(ctx, testTenant, VerifyInput{
		GateID:             "gate_1",
		VerificationStatus: VerifyGreen,
		Policy:             DefaultVerificationPolicy(),
	}, prev)
	require.NoError(t, err)

	g, res2, err := f.machine.MarkDisputed(ctx, testTenant, "gate_1", "dsp_1", res.Event.ChainHash)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, g.Status)

	g, _, err = f.machine.CloseDispute(ctx, testTenant, "gate_1", "dsp_1", res2.Event.ChainHash)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, g.Status)
}

func TestTransitions_VerdictOnHeldGateSettlesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	// Amber under the default policy holds for review.
	g, _, res, err := f.machine.Verify(ctx, testTenant, VerifyInput{
		GateID:             "gate_1",
		VerificationStatus: VerifyAmber,
		Policy:             DefaultVerificationPolicy(),
	}, prev)
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, g.Status)

	g, _, err = f.machine.ApplyVerdict(ctx, testTenant, "gate_1", 60, "vh_abc", res.Event.ChainHash)
	require.NoError(t, err)
	assert.Equal(t, StatusArbitrated, g.Status)
	assert.Equal(t, 60, g.ReleaseRatePct)
	assert.Equal(t, int64(300), g.ReleasedCents)
	assert.Equal(t, int64(200), g.RefundedCents)

	payee, _ := f.wallets.Get(testTenant, "ag_payee")
	assert.Equal(t, int64(300), payee.AvailableCents)
	payer, _ := f.wallets.Get(testTenant, "ag_payer")
	assert.Equal(t, int64(4700), payer.AvailableCents)
	assert.Equal(t, int64(0), payer.EscrowLockedCents)

	// A held gate had no receipt; the verdict issues the first one.
	require.NotEmpty(t, g.ReceiptID)
	rec, err := f.machine.Receipts().Get(testTenant, g.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, StatusArbitrated, rec.Status)
	vc := rec.Envelope["verificationContext"].(map[string]any)
	assert.Equal(t, "arbitration", vc["method"])
	assert.Equal(t, int64(300), vc["releasedCents"])
}

func TestTransitions_VerdictOnSettledGateClawsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	_, _, res, err := f.machine.Verify(ctx, testTenant, VerifyInput{
		GateID:             "gate_1",
		VerificationStatus: VerifyGreen,
		Policy:             DefaultVerificationPolicy(),
	}, prev)
	require.NoError(t, err)

	_, res2, err := f.machine.MarkDisputed(ctx, testTenant, "gate_1", "dsp_1", res.Event.ChainHash)
	require.NoError(t, err)

	// Verdict orders 40%: the payee returns the 60% difference.
	g, _, err := f.machine.ApplyVerdict(ctx, testTenant, "gate_1", 40, "vh_abc", res2.Event.ChainHash)
	require.NoError(t, err)
	assert.Equal(t, StatusArbitrated, g.Status)
	assert.Equal(t, int64(200), g.ReleasedCents)

	payee, _ := f.wallets.Get(testTenant, "ag_payee")
	assert.Equal(t, int64(200), payee.AvailableCents)
	payer, _ := f.wallets.Get(testTenant, "ag_payer")
	assert.Equal(t, int64(4800), payer.AvailableCents)

	// The release receipt is reissued under the corrected numbers.
	rec, err := f.machine.Receipts().Get(testTenant, g.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, StatusArbitrated, rec.Status)
	vc := rec.Envelope["verificationContext"].(map[string]any)
	assert.Equal(t, int64(200), vc["releasedCents"])
	assert.Equal(t, 40, vc["releaseRatePct"])
}

func TestTransitions_VerdictRejectsBadRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, prev := f.createAndAuthorize(t, 500)

	_, _, err := f.machine.ApplyVerdict(ctx, testTenant, "gate_1", 101, "vh", prev)
	assert.Equal(t, apierror.CodeSchemaInvalid, apierror.CodeOf(err))
}
