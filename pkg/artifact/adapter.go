package artifact

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// Adapter harness limits.
const (
	DefaultAdapterTimeout = 60 * time.Second
	MaxAdapterOutputBytes = 2 << 20 // 2 MiB on stdout and stderr each
)

var errOutputCapExceeded = errors.New("artifact: adapter output cap exceeded")

// cappedBuffer fails the write that would push it past the cap, which aborts
// the subprocess copy loop and surfaces through cmd.Wait.
type cappedBuffer struct {
	buf bytes.Buffer
	cap int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > b.cap {
		return 0, errOutputCapExceeded
	}
	return b.buf.Write(p)
}

// Harness runs external verification adapters as subprocesses under a hard
// timeout and output cap.
type Harness struct {
	Timeout   time.Duration
	OutputCap int
}

// NewHarness returns a harness with the default limits.
func NewHarness() *Harness {
	return &Harness{Timeout: DefaultAdapterTimeout, OutputCap: MaxAdapterOutputBytes}
}

// RunOnce executes the adapter once, feeding stdin and returning stdout.
// Exceeding the timeout kills the process and reports ADAPTER_TIMEOUT; any
// other failure to execute or non-zero exit reports ADAPTER_EXEC_FAILED.
func (h *Harness) RunOnce(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	outCap := h.OutputCap
	if outCap <= 0 {
		outCap = MaxAdapterOutputBytes
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{cap: outCap}
	stderr := &cappedBuffer{cap: outCap}
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, apierror.New(apierror.CodeAdapterTimeout,
			"adapter %s exceeded the %s timeout", bin, timeout)
	}
	if err != nil {
		if errors.Is(err, errOutputCapExceeded) {
			return nil, apierror.New(apierror.CodeAdapterExecFailed,
				"adapter %s produced more than %d bytes", bin, outCap)
		}
		return nil, apierror.New(apierror.CodeAdapterExecFailed,
			"adapter %s failed: %v: %s", bin, err, stderr.buf.String())
	}
	return stdout.buf.Bytes(), nil
}

// RunDeterministic runs the adapter twice on the same input and requires
// byte-identical stdout. Verification adapters must be pure functions of
// their input; drift between runs fails the check.
func (h *Harness) RunDeterministic(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, error) {
	first, err := h.RunOnce(ctx, bin, args, stdin)
	if err != nil {
		return nil, err
	}
	second, err := h.RunOnce(ctx, bin, args, stdin)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(first, second) {
		return nil, apierror.New(apierror.CodeAdapterExecFailed,
			"adapter %s is nondeterministic: runs disagree", bin)
	}
	return first, nil
}

// CheckEngineConstraint enforces a conformance pack's engine version range
// (a semver constraint like ">= 1.2, < 2") against the running kernel.
func CheckEngineConstraint(engineVersion, constraint string) error {
	if constraint == "" {
		return nil
	}
	v, err := semver.NewVersion(engineVersion)
	if err != nil {
		return apierror.New(apierror.CodeSchemaInvalid, "engine version %q is not semver", engineVersion)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return apierror.New(apierror.CodeSchemaInvalid, "pack engine constraint %q is invalid", constraint)
	}
	if !c.Check(v) {
		return apierror.New(apierror.CodeSchemaInvalid,
			"pack requires engine %s, running %s", constraint, engineVersion)
	}
	return nil
}
