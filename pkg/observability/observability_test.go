package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Disabled(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// A disabled provider still yields usable spans and finish funcs.
	opCtx, finish := p.StartOperation(ctx, OperationInfo{
		TenantID:  "tn_acme",
		Operation: "x402.gate.create",
		Subject:   "run:run_1",
	})
	assert.NotNil(t, opCtx)
	finish("a1b2", nil)

	_, finish = p.StartOperation(ctx, OperationInfo{TenantID: "tn_acme", Operation: "x402.gate.verify"})
	finish("", errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "settld-core", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.InDelta(t, 1.0, cfg.SampleRate, 1e-9)
}
