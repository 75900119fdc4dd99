package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/canonical"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
)

func newSigner(t *testing.T) (*KeypairSigner, KeyResolver) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	signer, err := NewKeypairSigner(kp)
	require.NoError(t, err)
	resolve := func(keyID string) (string, bool) {
		if keyID == signer.KeyID() {
			return kp.PublicPEM, true
		}
		return "", false
	}
	return signer, resolve
}

func TestSealVerify_RoundTrip(t *testing.T) {
	signer, resolve := newSigner(t)

	core := map[string]any{
		"schemaVersion": "X402ReceiptRecord.v1",
		"receiptId":     "rcp_1",
		"amountCents":   500,
	}
	env, err := SealSchema(core, signer)
	require.NoError(t, err)

	assert.NotEmpty(t, env["receiptHash"])
	require.NoError(t, VerifySchema(env, resolve))
}

func TestVerify_DetectsCoreMutation(t *testing.T) {
	signer, resolve := newSigner(t)

	env, err := Seal(map[string]any{"runId": "r1", "status": "completed"}, "reportHash", signer)
	require.NoError(t, err)

	env["status"] = "failed"
	err = Verify(env, "reportHash", resolve)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeSignaturePayloadHashMismatch, apierror.CodeOf(err))
}

func TestVerify_DetectsForgedSignature(t *testing.T) {
	signer, resolve := newSigner(t)
	other, _ := newSigner(t)

	env, err := Seal(map[string]any{"runId": "r1"}, "reportHash", signer)
	require.NoError(t, err)

	// Re-sign the correct hash with a different key but keep the victim keyId.
	hash := env["reportHash"].(string)
	forged, err := other.SignHash(hash)
	require.NoError(t, err)
	env["signature"].(map[string]any)["signatureBase64"] = forged

	err = Verify(env, "reportHash", resolve)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeSignatureInvalid, apierror.CodeOf(err))
}

func TestSeal_RejectsPreHashedCore(t *testing.T) {
	signer, _ := newSigner(t)
	_, err := Seal(map[string]any{"a": 1, "reportHash": "x"}, "reportHash", signer)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeSchemaInvalid, apierror.CodeOf(err))
}

func TestHashFieldFor(t *testing.T) {
	assert.Equal(t, "verdictHash", HashFieldFor("ArbitrationVerdict.v1"))
	assert.Equal(t, "payloadHash", HashFieldFor("X402ReversalCommand.v1"))
	assert.Equal(t, "artifactHash", HashFieldFor("SomethingElse.v9"))
}

func TestNestedCoreHashCoversOnlyTheCore(t *testing.T) {
	signer, resolve := newSigner(t)

	env, err := SealSchema(map[string]any{
		"schemaVersion": "ConformanceRunReport.v1",
		"generatedAt":   "2026-03-01T12:00:00Z",
		"reportCore": map[string]any{
			"pack":    map[string]any{"suite": "x402-core"},
			"summary": map[string]any{"total": 1, "passed": 1, "failed": 0},
		},
	}, signer)
	require.NoError(t, err)

	// The hash is computable from the nested core alone.
	direct, err := canonical.Hash(env["reportCore"])
	require.NoError(t, err)
	assert.Equal(t, direct, env["reportHash"])

	// Metadata outside the core is not covered by the hash.
	env["generatedAt"] = "2027-01-01T00:00:00Z"
	require.NoError(t, VerifySchema(env, resolve))

	// Mutation inside the core is.
	env["reportCore"].(map[string]any)["summary"].(map[string]any)["failed"] = 1
	err = VerifySchema(env, resolve)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeSignaturePayloadHashMismatch, apierror.CodeOf(err))
}

func TestNestedCoreSchemaRequiresCoreObject(t *testing.T) {
	signer, _ := newSigner(t)
	_, err := SealSchema(map[string]any{
		"schemaVersion": "ConformanceCertBundle.v1",
	}, signer)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeSchemaInvalid, apierror.CodeOf(err))
}

func TestSeal_Unsigned(t *testing.T) {
	env, err := Seal(map[string]any{"a": 1}, "artifactHash", nil)
	require.NoError(t, err)
	_, hasSig := env["signature"]
	assert.False(t, hasSig)
	require.NoError(t, Verify(env, "artifactHash", nil))
}
