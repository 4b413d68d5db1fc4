package git

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// initRepo creates a local repo on the given branch.
func initRepo(t *testing.T, dir, branch string) {
	t.Helper()
	cmds := [][]string{
		{"git", "init", "-q", "-b", branch, dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

// commitFile creates or overwrites a file and commits it.
func commitFile(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	path := filepath.Join(repoDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"git", "-C", repoDir, "add", name},
		{"git", "-C", repoDir, "commit", "-q", "-m", msg},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).Output()
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	return strings.TrimSpace(string(out))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(got)
}

func TestLatestCommit(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	initRepo(t, repo, "master")
	commitFile(t, repo, "a.txt", "one\n", "first")

	client := NewShellClient("")
	commit, err := client.LatestCommit(ctx, repo, "master")
	if err != nil {
		t.Fatalf("LatestCommit: %v", err)
	}
	if want := gitOutput(t, repo, "rev-parse", "HEAD"); commit != want {
		t.Errorf("LatestCommit = %s, want %s", commit, want)
	}
	if len(commit) != 40 {
		t.Errorf("expected full 40 character hash, got %q", commit)
	}

	if _, err := client.LatestCommit(ctx, repo, "no-such-branch"); err == nil {
		t.Error("expected error for unknown ref")
	}
}

func TestRemoteUpdate_TracksNewCommits(t *testing.T) {
	ctx := context.Background()

	upstream := t.TempDir()
	initRepo(t, upstream, "master")
	commitFile(t, upstream, "a.txt", "v1\n", "first")

	clone := filepath.Join(t.TempDir(), "clone")
	if out, err := exec.Command("git", "clone", "-q", upstream, clone).CombinedOutput(); err != nil {
		t.Fatalf("clone: %v: %s", err, out)
	}

	commitFile(t, upstream, "a.txt", "v2\n", "second")

	client := NewShellClient("git")
	if err := client.RemoteUpdate(ctx, clone, "origin"); err != nil {
		t.Fatalf("RemoteUpdate: %v", err)
	}
	got, err := client.LatestCommit(ctx, clone, "origin/master")
	if err != nil {
		t.Fatal(err)
	}
	if want := gitOutput(t, upstream, "rev-parse", "HEAD"); got != want {
		t.Errorf("origin/master = %s, want %s", got, want)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	initRepo(t, repo, "master")
	commitFile(t, repo, ".gitignore", "*.o\n", "ignore")
	commitFile(t, repo, "libxslt/security.c", "GetFileAttributes(x);\n", "src")
	commitFile(t, repo, "OWNERS", "upstream-owner\n", "owners")

	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "OWNERS"), []byte("downstream-owner\n"), 0644); err != nil {
		t.Fatal(err)
	}

	client := NewShellClient("")
	head := gitOutput(t, repo, "rev-parse", "HEAD")
	res, err := Export(ctx, client, repo, head, dest, func(name string) bool { return name == "OWNERS" })
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if res.Commit != head {
		t.Errorf("archive commit = %q, want %q", res.Commit, head)
	}
	if res.Files != 2 {
		t.Errorf("files written = %d, want 2", res.Files)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "OWNERS" {
		t.Errorf("skipped = %v, want [OWNERS]", res.Skipped)
	}
	if got := readFile(t, filepath.Join(dest, "OWNERS")); got != "downstream-owner\n" {
		t.Errorf("OWNERS overwritten: %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "libxslt", "security.c")); got != "GetFileAttributes(x);\n" {
		t.Errorf("security.c = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Error("export must not carry history")
	}
}

func TestExport_UnknownRef(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo, "master")
	commitFile(t, repo, "a.txt", "a\n", "first")

	_, err := Export(context.Background(), NewShellClient(""), repo, "missing", t.TempDir(), nil)
	if err == nil {
		t.Fatal("expected error for unknown ref")
	}
}

func TestExtractTar_RejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil", "a/../../evil", "/etc/evil"} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: 1, Typeflag: tar.TypeReg}); err != nil {
				t.Fatal(err)
			}
			if _, err := tw.Write([]byte("x")); err != nil {
				t.Fatal(err)
			}
			if err := tw.Close(); err != nil {
				t.Fatal(err)
			}

			if _, err := ExtractTar(&buf, t.TempDir(), nil); err == nil {
				t.Fatalf("expected error for entry %q", name)
			}
		})
	}
}

func TestRemoveTreeAndRestore(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	initRepo(t, repo, "master")
	commitFile(t, repo, "third_party/lib/OWNERS", "me\n", "owners")
	commitFile(t, repo, "third_party/lib/src.c", "int x;\n", "src")

	client := NewShellClient("")
	if err := client.RemoveTree(ctx, repo, "third_party/lib"); err != nil {
		t.Fatalf("RemoveTree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "third_party", "lib", "src.c")); !os.IsNotExist(err) {
		t.Fatal("src.c still present after RemoveTree")
	}

	if err := client.ResetPaths(ctx, repo, "third_party/lib/OWNERS"); err != nil {
		t.Fatalf("ResetPaths: %v", err)
	}
	if err := client.CheckoutPaths(ctx, repo, "third_party/lib/OWNERS"); err != nil {
		t.Fatalf("CheckoutPaths: %v", err)
	}
	if got := readFile(t, filepath.Join(repo, "third_party", "lib", "OWNERS")); got != "me\n" {
		t.Errorf("OWNERS = %q, want restored content", got)
	}

	blob, err := client.HashObject(ctx, repo, "third_party/lib/OWNERS")
	if err != nil {
		t.Fatal(err)
	}
	committed, err := client.RevParse(ctx, repo, "HEAD:third_party/lib/OWNERS")
	if err != nil {
		t.Fatal(err)
	}
	if blob != committed {
		t.Errorf("restored blob %s != committed blob %s", blob, committed)
	}
}

func TestCommitPushFetchReset(t *testing.T) {
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "remote.git")
	if out, err := exec.Command("git", "init", "-q", "--bare", remote).CombinedOutput(); err != nil {
		t.Fatalf("%v: %s", err, out)
	}

	linux := t.TempDir()
	initRepo(t, linux, "master")
	commitFile(t, linux, "README", "base\n", "base")
	if out, err := exec.Command("git", "-C", linux, "remote", "add", "wip", remote).CombinedOutput(); err != nil {
		t.Fatalf("%v: %s", err, out)
	}

	client := NewShellClient("")
	if err := os.WriteFile(filepath.Join(linux, "README"), []byte("rolled\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := client.AddAll(ctx, linux, "."); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	if err := client.Commit(ctx, linux, "abc linux"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := client.Push(ctx, linux, "wip", "HEAD:refs/wip/test/roll", true); err != nil {
		t.Fatalf("Push: %v", err)
	}

	windows := t.TempDir()
	initRepo(t, windows, "master")
	commitFile(t, windows, "local.txt", "diverged\n", "local work")
	if out, err := exec.Command("git", "-C", windows, "remote", "add", "wip", remote).CombinedOutput(); err != nil {
		t.Fatalf("%v: %s", err, out)
	}

	if err := client.Fetch(ctx, windows, "wip", "refs/wip/test/roll"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := client.ResetHard(ctx, windows, "FETCH_HEAD"); err != nil {
		t.Fatalf("ResetHard: %v", err)
	}

	subject, err := client.HeadSubject(ctx, windows)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "abc linux" {
		t.Errorf("HeadSubject = %q, want %q", subject, "abc linux")
	}
	if got := readFile(t, filepath.Join(windows, "README")); got != "rolled\n" {
		t.Errorf("README = %q", got)
	}
	if _, err := os.Stat(filepath.Join(windows, "local.txt")); !os.IsNotExist(err) {
		t.Error("local divergence survived reset")
	}

	// A non-force push of a descendant succeeds
	if err := os.WriteFile(filepath.Join(windows, "win.txt"), []byte("w\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := client.AddAll(ctx, windows, "."); err != nil {
		t.Fatal(err)
	}
	if err := client.Commit(ctx, windows, "Windows"); err != nil {
		t.Fatal(err)
	}
	if err := client.Push(ctx, windows, "wip", "HEAD:refs/wip/test/roll", false); err != nil {
		t.Fatalf("non-force push: %v", err)
	}
}

func TestClean(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	initRepo(t, repo, "master")
	commitFile(t, repo, "vendor/kept.c", "k\n", "kept")

	untracked := filepath.Join(repo, "vendor", "linux", "config.h")
	if err := os.MkdirAll(filepath.Dir(untracked), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(untracked, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := NewShellClient("").Clean(ctx, repo, "vendor"); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "vendor", "linux")); !os.IsNotExist(err) {
		t.Error("untracked directory survived clean")
	}
	if _, err := os.Stat(filepath.Join(repo, "vendor", "kept.c")); err != nil {
		t.Errorf("tracked file removed: %v", err)
	}
}

func TestRun_ErrorCarriesOutput(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo, "master")

	err := NewShellClient("").ResetHard(context.Background(), repo, "no-such-ref")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no-such-ref") {
		t.Errorf("error %q does not carry git output", err)
	}
}
