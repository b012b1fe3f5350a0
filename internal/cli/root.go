// Package cli implements the Cobra command-line interface for LastDance.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/lastdance/internal/config"
	"github.com/Dicklesworthstone/lastdance/internal/output"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig  string
	flagOutput  string
	flagJSON    bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "lastdance",
	Short: "LastDance - toggle macOS File Sharing at login and shutdown",
	Long: `LastDance turns the built-in File Sharing (SMB) service on while it runs
and off again when it stops.

Starting and stopping the service needs root, so LastDance installs a small
privileged helper once (asking for an administrator password) and talks to it
over a local socket from then on.

  lastdance run          enable sharing now, disable it on exit
  lastdance toggle on    enable sharing once
  lastdance status       show helper and sharing state`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		userPath, _ := config.ConfigPaths(flagConfig)
		configPath := flagConfig
		if configPath == "" {
			configPath = userPath
		}

		payload := map[string]any{
			"version":     version,
			"commit":      commit,
			"build_date":  date,
			"go_version":  runtime.Version(),
			"config_path": configPath,
		}

		format, err := output.ParseFormat(GetOutput())
		if err != nil {
			return err
		}
		if format != output.FormatText {
			return newWriter(cmd).Write(payload)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "lastdance %s\n", version)
		fmt.Fprintf(out, "  commit:  %s\n", commit)
		fmt.Fprintf(out, "  built:   %s\n", date)
		fmt.Fprintf(out, "  go:      %s\n", runtime.Version())
		fmt.Fprintf(out, "  config:  %s\n", configPath)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > LASTDANCE_OUTPUT_FORMAT env > default
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "" && flagOutput != "text" {
		return flagOutput
	}
	if envFormat := os.Getenv("LASTDANCE_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}
	if flagOutput == "" {
		return "text"
	}
	return flagOutput
}

func newWriter(cmd *cobra.Command) *output.Writer {
	format, err := output.ParseFormat(GetOutput())
	if err != nil {
		format = output.FormatText
	}
	return output.New(format,
		output.WithOutput(cmd.OutOrStdout()),
		output.WithErrorOutput(cmd.ErrOrStderr()))
}

// loadConfig loads configuration with the global --config flag and any
// per-command overrides.
func loadConfig(overrides map[string]any) (config.Config, error) {
	return config.Load(config.LoadOptions{
		ConfigPath:    flagConfig,
		FlagOverrides: overrides,
	})
}

// newLogger builds the process logger. level is used unless --verbose is set.
func newLogger(w io.Writer, level string) *log.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	if flagVerbose {
		lvl = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "lastdance",
		ReportTimestamp: true,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: LASTDANCE_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
}
