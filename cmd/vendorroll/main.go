package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schaermu/vendorroll/internal/buildgen"
	"github.com/schaermu/vendorroll/internal/config"
	"github.com/schaermu/vendorroll/internal/git"
	"github.com/schaermu/vendorroll/internal/roll"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Roll flags
	dryRun bool
	resume bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vendorroll",
	Short: "Roll a vendored libxslt to the newest upstream commit",
	Long: `vendorroll replaces the vendored copy of libxslt in a downstream checkout
with the newest upstream commit and regenerates its per-platform build
configuration.

A roll runs in two phases on two machines. The Linux phase exports the upstream
tree, generates the Linux configuration and force-pushes the result to a staging
ref. The Windows phase picks that commit up, generates the Windows configuration
and pushes the final commit back to the staging ref.`,
	SilenceUsage: true,
}

var rollCmd = &cobra.Command{
	Use:   "roll",
	Short: "Run one phase of a roll",
}

var rollLinuxCmd = &cobra.Command{
	Use:   "linux",
	Short: "Export upstream, generate the Linux configuration and push to staging",
	Long: `The Linux phase wipes the vendored directory, restores the preserved
downstream files, exports the newest upstream commit, stamps its id into the
metadata file, applies the source patches, runs the generators and force-pushes
a commit named "<commit> linux" to the staging ref.`,
	Args: cobra.NoArgs,
	RunE: runRollLinux,
}

var rollWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "Generate the Windows configuration on top of the Linux roll",
	Long: `The Windows phase resets the checkout to the staging ref, checks that it
holds a Linux roll, runs the Windows configuration generator, moves the
generated header into the windows directory and pushes a "Windows" commit back
to the staging ref.`,
	Args: cobra.NoArgs,
	RunE: runRollWindows,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Discard a broken roll and return a checkout to the downstream branch",
}

var recoverLinuxCmd = &cobra.Command{
	Use:   "linux",
	Short: "Reset the Linux checkout to the downstream branch tip",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecover(config.Linux)
	},
}

var recoverWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "Reset the Windows checkout to the downstream branch tip",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecover(config.Windows)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded roll state of both machines",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vendorroll %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vendorroll/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Roll command flags
	rollCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show the steps that would run without making changes")
	rollCmd.PersistentFlags().BoolVar(&resume, "resume", false, "skip steps a failed earlier run already completed")

	rollCmd.AddCommand(rollLinuxCmd)
	rollCmd.AddCommand(rollWindowsCmd)
	recoverCmd.AddCommand(recoverLinuxCmd)
	recoverCmd.AddCommand(recoverWindowsCmd)

	// Add commands
	rootCmd.AddCommand(rollCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRollLinux(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	engine, err := newEngine(logger)
	if err != nil {
		return err
	}

	if err := engine.RollLinux(ctx); err != nil {
		logger.Error("linux roll failed", "error", err)
		printRecoveryHint(cmd.ErrOrStderr(), config.Linux)
		return err
	}

	if !dryRun {
		cyan := color.New(color.FgCyan)
		fmt.Fprintln(cmd.OutOrStdout())
		cyan.Fprintln(cmd.OutOrStdout(), "Linux phase pushed. Now run \"vendorroll roll windows\" on the Windows machine.")
	}
	return nil
}

func runRollWindows(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	engine, err := newEngine(logger)
	if err != nil {
		return err
	}

	if err := engine.RollWindows(ctx); err != nil {
		logger.Error("windows roll failed", "error", err)
		printRecoveryHint(cmd.ErrOrStderr(), config.Windows)
		return err
	}

	if !dryRun {
		green := color.New(color.FgGreen)
		fmt.Fprintln(cmd.OutOrStdout())
		green.Fprintln(cmd.OutOrStdout(), "Roll complete. Upload the staging ref for review.")
	}
	return nil
}

func runRecover(platform config.Platform) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	engine, err := newEngine(logger)
	if err != nil {
		return err
	}

	if err := engine.Recover(ctx, platform); err != nil {
		logger.Error("recovery failed", "platform", platform, "error", err)
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	engine, err := newEngine(logger)
	if err != nil {
		return err
	}

	for _, platform := range []config.Platform{config.Linux, config.Windows} {
		state, err := engine.Status(platform)
		if err != nil {
			return fmt.Errorf("failed to read %s state: %w", platform, err)
		}
		printState(cmd.OutOrStdout(), state)
	}
	return nil
}

func newEngine(logger *slog.Logger) (*roll.Engine, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	gitClient := git.NewShellClient(cfg.Git.Binary)
	gen := buildgen.NewClient(logger, os.Stderr)

	return roll.NewEngine(cfg, gitClient, gen, logger, roll.Options{DryRun: dryRun, Resume: resume}), nil
}

func printState(w io.Writer, state *roll.State) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(w, "%s:\n", state.Platform)
	fmt.Fprintf(w, "  stage:   %s\n", state.Stage)

	fmt.Fprint(w, "  status:  ")
	switch state.Status {
	case roll.StatusDone:
		green.Fprintln(w, state.Status)
	case roll.StatusFailed:
		red.Fprintln(w, state.Status)
	case roll.StatusRunning:
		yellow.Fprintln(w, state.Status)
	default:
		fmt.Fprintln(w, "never run")
	}

	if state.Commit != "" {
		fmt.Fprintf(w, "  commit:  %s\n", state.Commit)
	}
	if len(state.Completed) > 0 {
		fmt.Fprintf(w, "  steps:   %d completed, last %s\n", len(state.Completed), state.Completed[len(state.Completed)-1])
	}
	if !state.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "  updated: %s\n", state.UpdatedAt.Local().Format(time.RFC3339))
	}
	if state.Error != "" {
		red.Fprintf(w, "  error:   %s\n", state.Error)
	}
}

func printRecoveryHint(w io.Writer, platform config.Platform) {
	yellow := color.New(color.FgYellow)
	yellow.Fprintf(w, "\nRetry failed steps with \"vendorroll roll %s --resume\", or discard the roll with \"vendorroll recover %s\".\n",
		platform, platform)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "vendorroll", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"upstream", cfg.Upstream.Path,
		"linux_path", cfg.Downstream.LinuxPath,
		"windows_path", cfg.Downstream.WindowsPath,
		"vendor_dir", cfg.Downstream.VendorDir,
		"staging", cfg.Staging.Remote+" "+cfg.Staging.Ref,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
