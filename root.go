package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath    string
	flagAppleID       string
	flagChinaMainland bool
	flagJSON          bool
	flagVerbose       bool
	flagQuiet         bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// errNoAccount is returned by commands that need an Apple ID when neither
// the config file, the environment nor --apple-id names one.
var errNoAccount = errors.New("no Apple ID configured: pass --apple-id or run 'icloud-go login --apple-id <id>'")

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "icloud-go",
		Short:   "iCloud web services CLI client",
		Long:    "Sign in to iCloud with SRP and two-factor verification, and call iCloud web service operations.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAppleID, "apple-id", "", "Apple ID to act as (e.g., user@example.com)")
	cmd.PersistentFlags().BoolVar(&flagChinaMainland, "china-mainland", false, "use the iCloud hosts for accounts registered in mainland China")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newOperationsCmd())
	cmd.AddCommand(newCallCmd())
	cmd.AddCommand(newDevicesCmd())
	cmd.AddCommand(newStorageCmd())
	cmd.AddCommand(newHMECmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result in resolvedCfg for use by subcommands. Only flags
// the user actually set take part in the override.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	if cmd.Flags().Changed("apple-id") {
		cli.AppleID = &flagAppleID
	}

	if cmd.Flags().Changed("china-mainland") {
		cli.ChinaMainland = &flagChinaMainland
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger writing to w. The config file provides
// the level and format; --verbose and --quiet override the level because CLI
// flags always win. Format "auto" means text on a terminal and JSON
// otherwise.
func buildLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}

		format = resolvedCfg.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal reports whether w is a file attached to a terminal.
func isTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// requireAppleID returns the resolved Apple ID or errNoAccount.
func requireAppleID() (string, error) {
	if resolvedCfg == nil || resolvedCfg.AppleID == "" {
		return "", errNoAccount
	}

	return resolvedCfg.AppleID, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}

	os.Exit(1)
}
