package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Client provides the git operations a roll needs. Every method acts on the
// working tree rooted at repo.
type Client interface {
	// RemoveTree removes path from the index and the working tree
	RemoveTree(ctx context.Context, repo, path string) error
	// ResetPaths resets index entries for paths to HEAD
	ResetPaths(ctx context.Context, repo string, paths ...string) error
	// CheckoutPaths restores paths in the working tree from the index
	CheckoutPaths(ctx context.Context, repo string, paths ...string) error
	// RemoteUpdate fetches all branches of a remote
	RemoteUpdate(ctx context.Context, repo, remote string) error
	// LatestCommit returns the full hash of the commit ref points at
	LatestCommit(ctx context.Context, repo, ref string) (string, error)
	// Archive writes a tar archive of the tree at ref to w
	Archive(ctx context.Context, repo, ref string, w io.Writer) error
	// AddAll stages every change under path, including deletions
	AddAll(ctx context.Context, repo, path string) error
	// Commit records the index with the given message
	Commit(ctx context.Context, repo, message string) error
	// Push pushes refspec to remote, optionally forcing
	Push(ctx context.Context, repo, remote, refspec string, force bool) error
	// Fetch fetches a single ref from remote into FETCH_HEAD
	Fetch(ctx context.Context, repo, remote, ref string) error
	// ResetHard resets index and working tree to ref
	ResetHard(ctx context.Context, repo, ref string) error
	// Clean removes untracked files and directories under path
	Clean(ctx context.Context, repo, path string) error
	// HeadSubject returns the subject line of HEAD
	HeadSubject(ctx context.Context, repo string) (string, error)
	// HashObject returns the blob id git would assign to the file at path
	HashObject(ctx context.Context, repo, path string) (string, error)
	// RevParse resolves a revision expression such as HEAD:path
	RevParse(ctx context.Context, repo, rev string) (string, error)
}

// ShellClient implements Client by shelling out to the git command.
// On Windows git may be a batch file; exec resolves it through PATHEXT.
type ShellClient struct {
	binary string
}

// NewShellClient creates a new git client that runs the given binary
func NewShellClient(binary string) *ShellClient {
	if binary == "" {
		binary = "git"
	}
	return &ShellClient{binary: binary}
}

// RemoveTree runs git rm -r -f on path
func (c *ShellClient) RemoveTree(ctx context.Context, repo, path string) error {
	if err := c.run(ctx, repo, "rm", "-r", "-f", "-q", "--ignore-unmatch", "--", path); err != nil {
		return fmt.Errorf("git rm failed: %w", err)
	}
	return nil
}

// ResetPaths unstages paths
func (c *ShellClient) ResetPaths(ctx context.Context, repo string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"reset", "-q", "--"}, paths...)
	if err := c.run(ctx, repo, args...); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

// CheckoutPaths restores paths from the index
func (c *ShellClient) CheckoutPaths(ctx context.Context, repo string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"checkout", "--"}, paths...)
	if err := c.run(ctx, repo, args...); err != nil {
		return fmt.Errorf("git checkout failed: %w", err)
	}
	return nil
}

// RemoteUpdate runs git remote update for one remote
func (c *ShellClient) RemoteUpdate(ctx context.Context, repo, remote string) error {
	if err := c.run(ctx, repo, "remote", "update", remote); err != nil {
		return fmt.Errorf("git remote update failed: %w", err)
	}
	return nil
}

// LatestCommit returns the hash of the newest commit on ref
func (c *ShellClient) LatestCommit(ctx context.Context, repo, ref string) (string, error) {
	out, err := c.output(ctx, repo, "log", "-n", "1", "--pretty=format:%H", ref, "--")
	if err != nil {
		return "", fmt.Errorf("git log failed: %w", err)
	}
	commit := strings.TrimSpace(out)
	if commit == "" {
		return "", fmt.Errorf("git log returned no commit for %s", ref)
	}
	return commit, nil
}

// Archive streams git archive --format=tar for ref into w
func (c *ShellClient) Archive(ctx context.Context, repo, ref string, w io.Writer) error {
	var stderr bytes.Buffer
	cmd := c.command(ctx, repo, "archive", "--format=tar", ref)
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git archive failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// AddAll stages additions, modifications and deletions under path
func (c *ShellClient) AddAll(ctx context.Context, repo, path string) error {
	if err := c.run(ctx, repo, "add", "-A", "--", path); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// Commit creates a commit with message
func (c *ShellClient) Commit(ctx context.Context, repo, message string) error {
	if err := c.run(ctx, repo, "commit", "-q", "-m", message); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// Push pushes refspec to remote
func (c *ShellClient) Push(ctx context.Context, repo, remote, refspec string, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, remote, refspec)
	if err := c.run(ctx, repo, args...); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// Fetch fetches ref from remote
func (c *ShellClient) Fetch(ctx context.Context, repo, remote, ref string) error {
	if err := c.run(ctx, repo, "fetch", remote, ref); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// ResetHard discards local changes and moves HEAD to ref
func (c *ShellClient) ResetHard(ctx context.Context, repo, ref string) error {
	if err := c.run(ctx, repo, "reset", "-q", "--hard", ref); err != nil {
		return fmt.Errorf("git reset --hard failed: %w", err)
	}
	return nil
}

// Clean deletes untracked files and directories under path
func (c *ShellClient) Clean(ctx context.Context, repo, path string) error {
	if err := c.run(ctx, repo, "clean", "-f", "-d", "-q", "--", path); err != nil {
		return fmt.Errorf("git clean failed: %w", err)
	}
	return nil
}

// HeadSubject returns the first line of HEAD's commit message
func (c *ShellClient) HeadSubject(ctx context.Context, repo string) (string, error) {
	out, err := c.output(ctx, repo, "log", "-n", "1", "--pretty=format:%s", "HEAD", "--")
	if err != nil {
		return "", fmt.Errorf("git log failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HashObject computes the blob id of a working tree file
func (c *ShellClient) HashObject(ctx context.Context, repo, path string) (string, error) {
	out, err := c.output(ctx, repo, "hash-object", "--", path)
	if err != nil {
		return "", fmt.Errorf("git hash-object failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// RevParse resolves rev to an object id
func (c *ShellClient) RevParse(ctx context.Context, repo, rev string) (string, error) {
	out, err := c.output(ctx, repo, "rev-parse", "--verify", "-q", rev)
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s failed: %w", rev, err)
	}
	return strings.TrimSpace(out), nil
}

func (c *ShellClient) command(ctx context.Context, repo string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, c.binary, append([]string{"-C", repo}, args...)...)
}

// run executes a git subcommand and returns an error with its output on failure
func (c *ShellClient) run(ctx context.Context, repo string, args ...string) error {
	output, err := c.command(ctx, repo, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output executes a git subcommand and returns its stdout
func (c *ShellClient) output(ctx context.Context, repo string, args ...string) (string, error) {
	out, err := c.command(ctx, repo, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}
