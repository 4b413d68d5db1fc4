//go:build integration

package tier1

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/schaermu/vendorroll/internal/testutil"
)

const (
	stagingRef = "refs/wip/tier1/autoroll-libxslt"
	vendorDir  = "third_party/libxslt"
)

const autogenScript = `#!/bin/sh
set -e
case "$1" in
root) echo "configure" > configure ;;
linux)
	mkdir -p libxslt
	printf '#define HAVE_CLOCK_GETTIME 1\n' > config.h
	echo "/* xsltconfig */" > libxslt/xsltconfig.h
	;;
*) echo "autogen: unknown mode $1" >&2; exit 1 ;;
esac
`

const configureScript = `#!/bin/sh
printf '#define WIN32_CONFIG 1\n' > ../config.h
`

func TestTier1Roll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	defer h.Cleanup()

	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	setupRepos(t, h)
	writeConfig(t, h, "config.yaml", "../autogen.sh linux")
	writeConfig(t, h, "broken.yaml", "../autogen.sh broken")

	t.Run("A_DryRunChangesNothing", func(t *testing.T) {
		testDryRun(t, h, ctx)
	})

	t.Run("B_LinuxPhase", func(t *testing.T) {
		testLinuxPhase(t, h, ctx)
	})

	t.Run("C_StatusAfterLinux", func(t *testing.T) {
		testStatus(t, h, ctx)
	})

	t.Run("D_WindowsPhase", func(t *testing.T) {
		testWindowsPhase(t, h, ctx)
	})

	t.Run("E_FailedRollThenRecover", func(t *testing.T) {
		testFailedRollThenRecover(t, h, ctx)
	})
}

// setupRepos creates the upstream library, the downstream origin with two
// clones and a bare staging remote
func setupRepos(t *testing.T, h *Harness) {
	t.Helper()

	origin := h.Path("libxslt-origin")
	testutil.Git(t, "", "init", "-q", "-b", "master", origin)
	testutil.SetGitUser(t, origin)
	testutil.WriteFile(t, h.Path("libxslt-origin", ".gitignore"), "Makefile\n", 0644)
	testutil.WriteFile(t, h.Path("libxslt-origin", "autogen.sh"), autogenScript, 0755)
	testutil.WriteFile(t, h.Path("libxslt-origin", "libxslt", "security.c"), "GetFileAttributes(p);\n", 0644)
	testutil.WriteFile(t, h.Path("libxslt-origin", "win32", "configure.sh"), configureScript, 0755)
	testutil.Git(t, origin, "add", "-A")
	testutil.Git(t, origin, "commit", "-q", "-m", "upstream")
	testutil.Git(t, "", "clone", "-q", origin, h.Path("libxslt"))

	testutil.Git(t, "", "init", "-q", "--bare", "-b", "master", h.Path("chromium.git"))
	linux := h.Path("linux")
	testutil.Git(t, "", "clone", "-q", h.Path("chromium.git"), linux)
	testutil.SetGitUser(t, linux)
	testutil.Git(t, linux, "symbolic-ref", "HEAD", "refs/heads/master")
	for name, content := range map[string]string{
		"OWNERS":          "owner@example.org\n",
		"README.chromium": "Name: libxslt\nVersion: 0000000000000000000000000000000000000000\n",
		"BUILD.gn":        "# build\n",
		"old.c":           "old\n",
	} {
		testutil.WriteFile(t, h.Path("linux", vendorDir, name), content, 0644)
	}
	testutil.Git(t, linux, "add", "-A")
	testutil.Git(t, linux, "commit", "-q", "-m", "initial")
	testutil.Git(t, linux, "push", "-q", "origin", "master")

	windows := h.Path("windows")
	testutil.Git(t, "", "clone", "-q", h.Path("chromium.git"), windows)
	testutil.SetGitUser(t, windows)

	testutil.Git(t, "", "init", "-q", "--bare", h.Path("wip.git"))
	testutil.Git(t, linux, "remote", "add", "wip", h.Path("wip.git"))
	testutil.Git(t, windows, "remote", "add", "wip", h.Path("wip.git"))
}

// writeConfig writes a vendorroll config file using linuxGenerate as the
// Linux configuration command
func writeConfig(t *testing.T, h *Harness, name, linuxGenerate string) {
	t.Helper()

	config := fmt.Sprintf(`upstream:
  path: %s
downstream:
  linux_path: %s
  windows_path: %s
staging:
  ref: %s
paths:
  state_dir: %s
roll:
  linux:
    root_generate: ["./autogen.sh root"]
    generate: %q
  windows:
    generate: "./configure.sh"
`, h.Path("libxslt"), h.Path("linux"), h.Path("windows"), stagingRef, h.Path("state"), linuxGenerate)

	testutil.WriteFile(t, h.Path(name), config, 0644)
}

func testDryRun(t *testing.T, h *Harness, ctx context.Context) {
	head := testutil.Git(t, h.Path("linux"), "rev-parse", "HEAD")

	stdout, _ := h.MustRun(ctx, "roll", "linux", "--dry-run", "--config", h.Path("config.yaml"))
	if !strings.Contains(stdout, "would run") {
		t.Errorf("expected step plan in output:\n%s", stdout)
	}

	if got := testutil.Git(t, h.Path("linux"), "rev-parse", "HEAD"); got != head {
		t.Errorf("dry run moved HEAD from %s to %s", head, got)
	}
	if !h.FileExists("linux", vendorDir, "old.c") {
		t.Error("dry run touched the vendored directory")
	}
	if h.FileExists("state", "linux.json") {
		t.Error("dry run wrote a state record")
	}
}

func testLinuxPhase(t *testing.T, h *Harness, ctx context.Context) {
	stdout, stderr := h.MustRun(ctx, "roll", "linux", "--config", h.Path("config.yaml"))
	t.Logf("stdout: %s", stdout)
	t.Logf("stderr: %s", stderr)

	upstream := testutil.Git(t, h.Path("libxslt-origin"), "rev-parse", "HEAD")
	linux := h.Path("linux")

	if got := testutil.Git(t, linux, "log", "-n", "1", "--pretty=format:%s"); got != upstream+" linux" {
		t.Errorf("unexpected commit subject %q", got)
	}
	readme := testutil.ReadFile(t, h.Path("linux", vendorDir, "README.chromium"))
	if !strings.Contains(readme, "Version: "+upstream+"\n") {
		t.Errorf("README.chromium not stamped:\n%s", readme)
	}
	if h.FileExists("linux", vendorDir, ".gitignore") {
		t.Error(".gitignore survived the roll")
	}
	if h.FileExists("linux", vendorDir, "old.c") {
		t.Error("old vendored file survived the roll")
	}
	if !h.FileExists("linux", vendorDir, "libxslt", "xsltconfig.h") {
		t.Error("shared header not moved to the vendored root")
	}
	if got := testutil.ReadFile(t, h.Path("linux", vendorDir, "linux", "config.h")); strings.Contains(got, "HAVE_CLOCK_GETTIME") {
		t.Errorf("linux config.h still defines HAVE_CLOCK_GETTIME:\n%s", got)
	}
	if got := testutil.Git(t, h.Path("wip.git"), "rev-parse", stagingRef); got != testutil.Git(t, linux, "rev-parse", "HEAD") {
		t.Errorf("staging ref at %s, want linux HEAD", got)
	}
	if !strings.Contains(stdout, "vendorroll roll windows") {
		t.Errorf("expected hand-off hint in output:\n%s", stdout)
	}
}

func testStatus(t *testing.T, h *Harness, ctx context.Context) {
	stdout, _ := h.MustRun(ctx, "status", "--config", h.Path("config.yaml"))

	for _, want := range []string{"linux:", "pushed-to-staging", "windows:", "never run"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("status output missing %q:\n%s", want, stdout)
		}
	}
}

func testWindowsPhase(t *testing.T, h *Harness, ctx context.Context) {
	stdout, stderr := h.MustRun(ctx, "roll", "windows", "--config", h.Path("config.yaml"))
	t.Logf("stdout: %s", stdout)
	t.Logf("stderr: %s", stderr)

	windows := h.Path("windows")

	if !h.FileExists("windows", vendorDir, "win32", "config.h") {
		t.Error("win32/config.h missing")
	}
	if h.FileExists("windows", vendorDir, "config.h") {
		t.Error("config.h left at the vendored root")
	}
	if got := testutil.Git(t, windows, "log", "-n", "1", "--pretty=format:%s"); got != "Windows" {
		t.Errorf("unexpected commit subject %q", got)
	}
	if got := testutil.Git(t, h.Path("wip.git"), "rev-parse", stagingRef); got != testutil.Git(t, windows, "rev-parse", "HEAD") {
		t.Errorf("staging ref at %s, want windows HEAD", got)
	}
}

func testFailedRollThenRecover(t *testing.T, h *Harness, ctx context.Context) {
	linux := h.Path("linux")
	testutil.Git(t, linux, "reset", "-q", "--hard", "origin/master")

	_, stderr, exitCode, err := h.Run(ctx, "roll", "linux", "--config", h.Path("broken.yaml"))
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode == 0 {
		t.Fatal("roll with a broken generator succeeded")
	}
	if !strings.Contains(stderr, "vendorroll recover linux") {
		t.Errorf("expected recovery hint on stderr:\n%s", stderr)
	}

	h.MustRun(ctx, "recover", "linux", "--config", h.Path("broken.yaml"))

	if got := testutil.Git(t, linux, "status", "--porcelain"); got != "" {
		t.Errorf("tree not clean after recover:\n%s", got)
	}
	if got, want := testutil.Git(t, linux, "rev-parse", "HEAD"), testutil.Git(t, linux, "rev-parse", "origin/master"); got != want {
		t.Errorf("HEAD at %s, want %s", got, want)
	}
	if !h.FileExists("linux", vendorDir, "old.c") {
		t.Error("recover did not restore the vendored directory")
	}
}
