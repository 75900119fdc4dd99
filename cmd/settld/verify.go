package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nooterra-labs/settld/core/pkg/artifact"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
)

// runVerify checks a sealed artifact offline: the canonical core hash must
// match the envelope's hash field and the signature must verify under the
// given public key. Conformance cert bundles additionally cross-validate
// their embedded report.
//
// Exit codes:
//
//	0 = artifact verifies
//	1 = artifact does not verify
//	2 = usage or I/O error
func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		inPath  string
		keyPath string
	)
	cmd.StringVar(&inPath, "in", "", "Sealed artifact JSON file, or - for stdin (REQUIRED)")
	cmd.StringVar(&keyPath, "key", "", "Signer public key PEM file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if inPath == "" || keyPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -in and -key are required")
		return 2
	}

	var (
		raw []byte
		err error
	)
	if inPath == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(inPath)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: artifact is not valid JSON: %v\n", err)
		return 2
	}

	pubPEM, err := os.ReadFile(keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	keyID, err := crypto.KeyIDFromPublicPEM(string(pubPEM))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	resolve := func(id string) (string, bool) {
		return string(pubPEM), id == keyID
	}

	schemaVersion, _ := env["schemaVersion"].(string)
	if schemaVersion == artifact.CertSchemaVersion {
		err = artifact.VerifyCertBundle(env, resolve)
	} else {
		err = envelope.VerifySchema(env, resolve)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}

	out, _ := json.Marshal(map[string]any{
		"verified":      true,
		"schemaVersion": schemaVersion,
		"keyId":         keyID,
	})
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
