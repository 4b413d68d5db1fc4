// Package buildgen runs the upstream library's own build-configuration
// generators (autogen.sh, configure.js, make).
package buildgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

// Runner runs one generator command
type Runner interface {
	// Run executes argv with dir as the working directory
	Run(ctx context.Context, dir string, argv []string) error
}

// Client implements Runner by executing the command directly
type Client struct {
	logger *slog.Logger
	out    io.Writer
}

// NewClient creates a new generator client. Generator output is streamed to
// out as it is produced; a nil out only keeps it for error reporting.
func NewClient(logger *slog.Logger, out io.Writer) *Client {
	return &Client{logger: logger, out: out}
}

// maxOutputInError bounds how much generator output an error carries
const maxOutputInError = 4096

// Run executes argv in dir and returns an error with the tail of the
// combined output on failure
func (c *Client) Run(ctx context.Context, dir string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty generator command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var output bytes.Buffer
	var w io.Writer = &output
	if c.out != nil {
		w = io.MultiWriter(c.out, &output)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	c.logger.Debug("running generator", "dir", dir, "command", strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", strings.Join(argv, " "), err, tail(output.String(), maxOutputInError))
	}
	return nil
}

// Parse splits a command line into argv using shell quoting rules
func Parse(cmdline string) ([]string, error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", cmdline, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command %q", cmdline)
	}
	return argv, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
