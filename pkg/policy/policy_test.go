package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

func TestWalletPolicy_ReversalActions(t *testing.T) {
	p := WalletPolicy{AllowedReversalActions: []string{"void_authorization"}}
	require.NoError(t, p.AllowsReversalAction("void_authorization"))

	err := p.AllowsReversalAction("resolve_refund")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeReversalActionNotAllowed, apierror.CodeOf(err))
}

func TestWalletPolicy_AmountCaps(t *testing.T) {
	p := WalletPolicy{MaxAmountCents: 1000, MaxDailyAuthorizationCents: 1500}

	require.NoError(t, p.CheckAuthorization(AuthorizationInput{AmountCents: 1000}, nil))

	err := p.CheckAuthorization(AuthorizationInput{AmountCents: 1001}, nil)
	assert.Error(t, err)

	err = p.CheckAuthorization(AuthorizationInput{AmountCents: 600, AuthorizedToday: 1000}, nil)
	assert.Error(t, err)
}

func TestWalletPolicy_AllowLists(t *testing.T) {
	p := WalletPolicy{
		AllowedCurrencies: []string{"USD"},
		AllowedToolIDs:    []string{"tool_search"},
	}
	ok := AuthorizationInput{AmountCents: 1, Currency: "USD", ToolID: "tool_search"}
	require.NoError(t, p.CheckAuthorization(ok, nil))

	bad := ok
	bad.Currency = "EUR"
	err := p.CheckAuthorization(bad, nil)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeWalletCurrencyMismatch, apierror.CodeOf(err))

	bad = ok
	bad.ToolID = "tool_other"
	assert.Error(t, p.CheckAuthorization(bad, nil))
}

func TestWalletPolicy_CELGuard(t *testing.T) {
	guard, err := NewGuard()
	require.NoError(t, err)

	p := WalletPolicy{GuardExpression: `authorization.amountCents < 500 && authorization.currency == "USD"`}

	require.NoError(t, p.CheckAuthorization(AuthorizationInput{AmountCents: 100, Currency: "USD"}, guard))

	err = p.CheckAuthorization(AuthorizationInput{AmountCents: 900, Currency: "USD"}, guard)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeReversalActionNotAllowed, apierror.CodeOf(err))
}

func TestBillingMeter_HardLimit(t *testing.T) {
	m := NewBillingMeter()
	m.SetPlan("t1", BillingPlan{HardLimitEnforced: true, MaxVerifiedRuns: 2})

	require.NoError(t, m.RecordVerifiedRun("t1", 100))
	require.NoError(t, m.RecordVerifiedRun("t1", 100))

	err := m.RecordVerifiedRun("t1", 100)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeBillingPlanLimitExceeded, apierror.CodeOf(err))

	u := m.Usage("t1")
	assert.Equal(t, int64(2), u.VerifiedRuns)
	assert.Equal(t, int64(200), u.SettledVolumeCents)
}

func TestBillingMeter_OverageMilliCents(t *testing.T) {
	m := NewBillingMeter()
	// Soft limit: overage accrues at 2.5¢ per run past the first.
	m.SetPlan("t1", BillingPlan{MaxVerifiedRuns: 1, OverageMilliCentsPerRun: 2500})

	require.NoError(t, m.RecordVerifiedRun("t1", 0))
	require.NoError(t, m.RecordVerifiedRun("t1", 0))
	require.NoError(t, m.RecordVerifiedRun("t1", 0))

	u := m.Usage("t1")
	assert.Equal(t, int64(5000), u.OverageMilliCents)
	assert.Equal(t, int64(5), u.OverageCents())
}

func TestBillingMeter_ArbitrationCases(t *testing.T) {
	m := NewBillingMeter()
	m.SetPlan("t1", BillingPlan{HardLimitEnforced: true, MaxArbitrationCases: 1})
	require.NoError(t, m.RecordArbitrationCase("t1"))
	assert.Error(t, m.RecordArbitrationCase("t1"))
}
