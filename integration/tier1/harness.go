//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/vendorroll/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the vendorroll binary and runs it against a scratch
// workspace of local git repositories
type Harness struct {
	t          *testing.T
	workDir    string
	binary     string
	keepOnFail bool
}

// NewHarness creates a new test harness rooted in a fresh temp directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	workDir, err := os.MkdirTemp("", "vendorroll-tier1-")
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}

	return &Harness{
		t:          t,
		workDir:    workDir,
		binary:     filepath.Join(workDir, "bin", "vendorroll"),
		keepOnFail: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
}

// BuildBinary compiles cmd/vendorroll into the work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s", h.binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/vendorroll")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Path returns an absolute path inside the work directory
func (h *Harness) Path(parts ...string) string {
	return filepath.Join(append([]string{h.workDir}, parts...)...)
}

// Cleanup removes the work directory
func (h *Harness) Cleanup() {
	h.t.Helper()

	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping %s", h.workDir)
		return
	}
	if err := os.RemoveAll(h.workDir); err != nil {
		h.t.Logf("Warning: failed to remove work dir: %v", err)
	}
}

// Run executes the vendorroll binary
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir
	// color output is disabled when NO_COLOR is set
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes vendorroll and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// FileExists checks if a regular file exists in the work directory
func (h *Harness) FileExists(parts ...string) bool {
	info, err := os.Stat(h.Path(parts...))
	return err == nil && info.Mode().IsRegular()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
