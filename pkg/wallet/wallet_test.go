package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

func newFunded(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger()
	_, err := l.Open("t1", "agt_P", "USD")
	require.NoError(t, err)
	_, err = l.Open("t1", "agt_E", "USD")
	require.NoError(t, err)
	require.NoError(t, l.Credit("t1", "agt_P", 5000, ""))
	return l
}

func TestEscrowLifecycle_FullRelease(t *testing.T) {
	l := newFunded(t)

	require.NoError(t, l.LockEscrow("t1", "agt_P", 500, "USD", "ch1"))
	payer, _ := l.Get("t1", "agt_P")
	assert.Equal(t, int64(4500), payer.AvailableCents)
	assert.Equal(t, int64(500), payer.EscrowLockedCents)

	require.NoError(t, l.ReleaseEscrow("t1", "agt_P", "agt_E", 500, 0, "ch2"))
	payer, _ = l.Get("t1", "agt_P")
	payee, _ := l.Get("t1", "agt_E")
	assert.Equal(t, int64(4500), payer.AvailableCents)
	assert.Equal(t, int64(0), payer.EscrowLockedCents)
	assert.Equal(t, int64(500), payee.AvailableCents)
}

func TestEscrowLifecycle_PartialRelease(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.LockEscrow("t1", "agt_P", 1000, "USD", ""))
	require.NoError(t, l.ReleaseEscrow("t1", "agt_P", "agt_E", 300, 700, ""))

	payer, _ := l.Get("t1", "agt_P")
	payee, _ := l.Get("t1", "agt_E")
	assert.Equal(t, int64(4700), payer.AvailableCents)
	assert.Equal(t, int64(300), payee.AvailableCents)
	assert.Equal(t, int64(0), payer.EscrowLockedCents)
}

func TestVoidEscrow_RestoresPayer(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.LockEscrow("t1", "agt_P", 700, "USD", ""))
	require.NoError(t, l.VoidEscrow("t1", "agt_P", 700, ""))

	payer, _ := l.Get("t1", "agt_P")
	assert.Equal(t, int64(5000), payer.AvailableCents)
	assert.Equal(t, int64(0), payer.EscrowLockedCents)
}

func TestLockEscrow_InsufficientFunds(t *testing.T) {
	l := newFunded(t)
	err := l.LockEscrow("t1", "agt_P", 9999, "USD", "")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeInsufficientFunds, apierror.CodeOf(err))
}

func TestLockEscrow_CurrencyMismatch(t *testing.T) {
	l := newFunded(t)
	err := l.LockEscrow("t1", "agt_P", 100, "EUR", "")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeWalletCurrencyMismatch, apierror.CodeOf(err))
}

func TestReleaseEscrow_Underflow(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.LockEscrow("t1", "agt_P", 100, "USD", ""))
	err := l.ReleaseEscrow("t1", "agt_P", "agt_E", 200, 0, "")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeEscrowUnderflow, apierror.CodeOf(err))
}

func TestJournal_BindsChainHash(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.LockEscrow("t1", "agt_P", 500, "USD", "chainhash-abc"))

	entries := l.Journal("t1")
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "lock_escrow", last.Op)
	assert.Equal(t, "chainhash-abc", last.ChainHash)

	// Escrow movement itself conserves value.
	var sum int64
	for _, d := range last.Deltas {
		sum += d.Cents
	}
	assert.Equal(t, int64(0), sum)
}

func TestTransfer_MovesSettledFunds(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.LockEscrow("t1", "agt_P", 700, "USD", ""))
	require.NoError(t, l.ReleaseEscrow("t1", "agt_P", "agt_E", 700, 0, ""))

	// Refund resolution returns the released funds.
	require.NoError(t, l.Transfer("t1", "agt_E", "agt_P", 700, ""))
	payer, _ := l.Get("t1", "agt_P")
	payee, _ := l.Get("t1", "agt_E")
	assert.Equal(t, int64(5000), payer.AvailableCents)
	assert.Equal(t, int64(0), payee.AvailableCents)
}

func TestOpen_Idempotent(t *testing.T) {
	l := NewLedger()
	_, err := l.Open("t1", "a", "USD")
	require.NoError(t, err)
	_, err = l.Open("t1", "a", "USD")
	require.NoError(t, err)
	_, err = l.Open("t1", "a", "EUR")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeWalletCurrencyMismatch, apierror.CodeOf(err))
}
