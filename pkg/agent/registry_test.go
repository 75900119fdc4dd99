package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/crypto"
)

func TestRegistry_RegisterAndResolveKey(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("t1", "agt_P", "Payer", "owner@t1", []string{"payments:send"})
	require.NoError(t, err)

	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	keyID, err := r.AddPublicKey("t1", "agt_P", kp.PublicPEM)
	require.NoError(t, err)
	assert.Len(t, keyID, 16)

	pem, agentID, ok := r.ResolveKey("t1", keyID)
	require.True(t, ok)
	assert.Equal(t, kp.PublicPEM, pem)
	assert.Equal(t, "agt_P", agentID)

	// Keys never leak across tenants.
	_, _, ok = r.ResolveKey("t2", keyID)
	assert.False(t, ok)
}

func TestRegistry_DuplicateRegisterFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("t1", "agt_P", "", "", nil)
	require.NoError(t, err)
	_, err = r.Register("t1", "agt_P", "", "", nil)
	assert.Error(t, err)
}

func TestAgent_Capabilities(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register("t1", "agt_A", "", "", []string{"arbitrate"})
	require.NoError(t, err)
	assert.True(t, a.HasCapability("arbitrate"))
	assert.False(t, a.HasCapability("payments:send"))
}
