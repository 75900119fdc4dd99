package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/artifact"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
)

func TestRun_Dispatch(t *testing.T) {
	var out, errOut bytes.Buffer

	assert.Equal(t, 2, Run([]string{"settld", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command")

	out.Reset()
	assert.Equal(t, 0, Run([]string{"settld", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "conform")

	out.Reset()
	assert.Equal(t, 0, Run([]string{"settld", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), engineVersion)
}

func TestRun_DefaultsToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	called := 0
	startServer = func(args []string, stdout, stderr io.Writer) int {
		called++
		return 0
	}
	var buf bytes.Buffer
	assert.Equal(t, 0, Run([]string{"settld"}, &buf, &buf))
	assert.Equal(t, 0, Run([]string{"settld", "serve"}, &buf, &buf))
	assert.Equal(t, 0, Run([]string{"settld", "-config=x.yaml"}, &buf, &buf))
	assert.Equal(t, 3, called)
}

func sealedCert(t *testing.T) (cert map[string]any, kp *crypto.Keypair) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	signer, err := envelope.NewKeypairSigner(kp)
	require.NoError(t, err)
	builder := artifact.NewBuilder(nil, nil, nil, signer)
	report, err := builder.BuildRunReport(artifact.RunReportInput{
		Suite:         "x402-core",
		EngineVersion: engineVersion,
		PackVersion:   "1.0.0",
		Results: []artifact.CaseResult{
			{CaseID: "CHK-001", Status: "pass", InvariantIDs: []string{"chain_linkage"}},
		},
	})
	require.NoError(t, err)
	cert, err = builder.BuildCertBundle(report)
	require.NoError(t, err)
	return cert, kp
}

func TestVerify_CertBundleRoundTrip(t *testing.T) {
	cert, kp := sealedCert(t)
	dir := t.TempDir()

	certPath := filepath.Join(dir, "cert.json")
	raw, err := json.Marshal(cert)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, raw, 0o644))
	keyPath := filepath.Join(dir, "kernel.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte(kp.PublicPEM), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"settld", "verify", "-in", certPath, "-key", keyPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), `"verified":true`)
	assert.Contains(t, out.String(), artifact.CertSchemaVersion)
}

func TestVerify_TamperedArtifactFails(t *testing.T) {
	cert, kp := sealedCert(t)
	reportCore := cert["certCore"].(map[string]any)["reportCore"].(map[string]any)
	reportCore["summary"].(map[string]any)["grade"] = "conformant-forged"
	dir := t.TempDir()

	certPath := filepath.Join(dir, "cert.json")
	raw, err := json.Marshal(cert)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, raw, 0o644))
	keyPath := filepath.Join(dir, "kernel.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte(kp.PublicPEM), 0o644))

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, Run([]string{"settld", "verify", "-in", certPath, "-key", keyPath}, &out, &errOut))
	assert.Contains(t, errOut.String(), "verification failed")
}

func TestVerify_WrongKeyFails(t *testing.T) {
	cert, _ := sealedCert(t)
	other, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	dir := t.TempDir()

	certPath := filepath.Join(dir, "cert.json")
	raw, err := json.Marshal(cert)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, raw, 0o644))
	keyPath := filepath.Join(dir, "other.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte(other.PublicPEM), 0o644))

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, Run([]string{"settld", "verify", "-in", certPath, "-key", keyPath}, &out, &errOut))
}

func TestVerify_UsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"settld", "verify"}, &out, &errOut))
	assert.Equal(t, 2, Run([]string{"settld", "verify", "-in", "/no/such/file", "-key", "/no/such/key"}, &out, &errOut))
}

func TestKeygen_WritesLoadableKeypair(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "kernel")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"settld", "keygen", "-out", prefix}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "keyId:")

	privPEM, err := os.ReadFile(prefix + ".key")
	require.NoError(t, err)
	kp, err := keypairFromPrivatePEM(privPEM)
	require.NoError(t, err)

	pubPEM, err := os.ReadFile(prefix + ".pub")
	require.NoError(t, err)
	assert.Equal(t, string(pubPEM), kp.PublicPEM)

	keyID, err := crypto.KeyIDFromPublicPEM(kp.PublicPEM)
	require.NoError(t, err)
	assert.Contains(t, out.String(), keyID)
}

func TestToken_MintsVerifiableToken(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"settld", "token",
		"-tenant", "tnt_1",
		"-secret", "shh",
		"-scopes", "finance_read,audit_read"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	token := strings.TrimSpace(out.String())
	auth := tenant.NewOpsAuth([]byte("shh"), "settld")
	assert.NoError(t, auth.Verify(token, "tnt_1", tenant.ScopeAuditRead))
	assert.Error(t, auth.Verify(token, "tnt_other", tenant.ScopeAuditRead))
}

func TestToken_RequiresSecret(t *testing.T) {
	t.Setenv("SETTLD_OPS_TOKEN_SECRET", "")
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"settld", "token", "-tenant", "tnt_1"}, &out, &errOut))
}
