package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/artifact"
	"github.com/nooterra-labs/settld/core/pkg/canonical"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
)

// packManifest is the on-disk conformance pack: a suite of input vectors run
// through an external verification adapter.
type packManifest struct {
	Suite            string       `yaml:"suite"`
	PackVersion      string       `yaml:"packVersion"`
	EngineConstraint string       `yaml:"engineConstraint"`
	Vectors          []packVector `yaml:"vectors"`
}

type packVector struct {
	ID           string         `yaml:"id"`
	Description  string         `yaml:"description"`
	InvariantIDs []string       `yaml:"invariantIds"`
	Args         []string       `yaml:"args"`
	Input        map[string]any `yaml:"input"`
	Expect       packExpect     `yaml:"expect"`
}

// packExpect pins the adapter's stdout for a vector. Output compares as
// canonical JSON; OutputSha256 compares the exact bytes. A vector with
// neither passes on any successful deterministic run.
type packExpect struct {
	Output       map[string]any `yaml:"output"`
	OutputSha256 string         `yaml:"outputSha256"`
}

// runConform executes a conformance pack against an adapter binary and seals
// the outcome as a ConformanceRunReport.v1 plus ConformanceCertBundle.v1.
//
// Exit codes:
//
//	0 = suite is conformant
//	1 = suite ran but at least one check failed
//	2 = usage or runtime error
func runConform(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("conform", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		packPath    string
		adapterPath string
		keyPath     string
		outPath     string
		timeout     time.Duration
	)
	cmd.StringVar(&packPath, "pack", "", "Conformance pack manifest, YAML (REQUIRED)")
	cmd.StringVar(&adapterPath, "adapter", "", "Verification adapter binary (REQUIRED)")
	cmd.StringVar(&keyPath, "key", "", "Ed25519 private key PEM for sealing (default: ephemeral)")
	cmd.StringVar(&outPath, "out", "", "Write the cert bundle to this file instead of stdout")
	cmd.DurationVar(&timeout, "timeout", artifact.DefaultAdapterTimeout, "Per-run adapter timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if packPath == "" || adapterPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -pack and -adapter are required")
		return 2
	}

	data, err := os.ReadFile(packPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var pack packManifest
	if err := yaml.Unmarshal(data, &pack); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: pack %s does not parse: %v\n", packPath, err)
		return 2
	}
	if pack.Suite == "" || len(pack.Vectors) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: pack %s names no suite or vectors\n", packPath)
		return 2
	}
	if err := artifact.CheckEngineConstraint(engineVersion, pack.EngineConstraint); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	kp, err := conformKeypair(keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	signer, err := envelope.NewKeypairSigner(kp)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	harness := &artifact.Harness{Timeout: timeout, OutputCap: artifact.MaxAdapterOutputBytes}
	results := make([]artifact.CaseResult, 0, len(pack.Vectors))
	failed := false
	for _, v := range pack.Vectors {
		res := runVector(context.Background(), harness, adapterPath, v)
		if res.Status == "fail" {
			failed = true
		}
		results = append(results, res)
		_, _ = fmt.Fprintf(stderr, "%-6s %s\n", res.Status, v.ID)
	}

	builder := artifact.NewBuilder(nil, nil, nil, signer)
	report, err := builder.BuildRunReport(artifact.RunReportInput{
		Suite:         pack.Suite,
		EngineVersion: engineVersion,
		PackVersion:   pack.PackVersion,
		Results:       results,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cert, err := builder.BuildCertBundle(report)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, append(out, '\n'), 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		_, _ = fmt.Fprintln(stdout, string(out))
	}

	if failed {
		return 1
	}
	return 0
}

// runVector feeds the vector's canonical JSON input to the adapter twice and
// checks the pinned expectation. Any adapter failure, including
// nondeterminism between the two runs, fails the case with an enumerated
// diagnostic.
func runVector(ctx context.Context, h *artifact.Harness, bin string, v packVector) artifact.CaseResult {
	stdin, err := canonical.Encode(v.Input)
	if err != nil {
		return failCase(v, diagCode(err), "input does not canonicalize: %v", err)
	}
	out, err := h.RunDeterministic(ctx, bin, v.Args, stdin)
	if err != nil {
		return failCase(v, diagCode(err), "%v", err)
	}
	if v.Expect.OutputSha256 != "" && crypto.SHA256Hex(out) != v.Expect.OutputSha256 {
		return failCase(v, "OUTPUT_MISMATCH", "stdout sha256 %s does not match pinned %s",
			crypto.SHA256Hex(out), v.Expect.OutputSha256)
	}
	if v.Expect.Output != nil {
		var got any
		if err := json.Unmarshal(out, &got); err != nil {
			return failCase(v, "OUTPUT_MISMATCH", "stdout is not valid JSON: %v", err)
		}
		wantHash, err := canonical.Hash(v.Expect.Output)
		if err != nil {
			return failCase(v, diagCode(err), "expected output does not canonicalize: %v", err)
		}
		gotHash, err := canonical.Hash(got)
		if err != nil {
			return failCase(v, diagCode(err), "stdout does not canonicalize: %v", err)
		}
		if gotHash != wantHash {
			return failCase(v, "OUTPUT_MISMATCH", "canonical output hash %s does not match pinned %s", gotHash, wantHash)
		}
	}
	return artifact.CaseResult{CaseID: v.ID, Status: "pass", InvariantIDs: v.InvariantIDs}
}

// diagCode maps a failure to its stable diagnostic code.
func diagCode(err error) string {
	var ce *canonical.Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return apierror.CodeOf(err)
}

func failCase(v packVector, code, format string, args ...any) artifact.CaseResult {
	return artifact.CaseResult{
		CaseID:       v.ID,
		Status:       "fail",
		InvariantIDs: v.InvariantIDs,
		Diagnostics:  []string{code + ": " + fmt.Sprintf(format, args...)},
	}
}

func conformKeypair(keyPath string) (*crypto.Keypair, error) {
	if keyPath == "" {
		return crypto.GenerateKeypair()
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return keypairFromPrivatePEM(data)
}
