package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/lastdance/internal/config"
	"github.com/Dicklesworthstone/lastdance/internal/helper"
	"github.com/Dicklesworthstone/lastdance/internal/output"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusReport is the output of the status command.
type statusReport struct {
	Label           string             `json:"label"`
	HelperPath      string             `json:"helper_path"`
	HelperInstalled bool               `json:"helper_installed"`
	SocketPath      string             `json:"socket_path"`
	HelperRunning   bool               `json:"helper_running"`
	Helper          *helper.StatusInfo `json:"helper,omitempty"`
	Error           string             `json:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show helper installation and activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), "warn")
		client := helper.NewClient(cfg.Helper.SocketPath, helper.WithLogger(logger))
		defer client.Close()

		ctx, cancel := helperContext(cmd.Context(), cfg.Helper.CallTimeoutSecs)
		defer cancel()

		report := collectStatus(ctx, cfg, client)
		w := newWriter(cmd)
		if w.Format() != output.FormatText {
			return w.Write(report)
		}
		printStatus(cmd.OutOrStdout(), report)
		return nil
	},
}

// statusSource is the part of helper.Client used by status.
type statusSource interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) (helper.StatusInfo, error)
}

func collectStatus(ctx context.Context, cfg config.Config, src statusSource) statusReport {
	report := statusReport{
		Label:      cfg.Helper.Label,
		HelperPath: cfg.Helper.HelperPath(),
		SocketPath: cfg.Helper.SocketPath,
	}
	if _, err := os.Stat(report.HelperPath); err == nil {
		report.HelperInstalled = true
	}

	if err := src.Ping(ctx); err != nil {
		report.Error = err.Error()
		return report
	}
	report.HelperRunning = true

	info, err := src.Status(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Helper = &info
	return report
}

func printStatus(out io.Writer, r statusReport) {
	fmt.Fprintf(out, "helper:     %s\n", r.Label)
	fmt.Fprintf(out, "  path:     %s (installed: %t)\n", r.HelperPath, r.HelperInstalled)
	fmt.Fprintf(out, "  socket:   %s (running: %t)\n", r.SocketPath, r.HelperRunning)
	if r.Helper != nil {
		fmt.Fprintf(out, "  pid:      %d\n", r.Helper.PID)
		fmt.Fprintf(out, "  uptime:   %.0fs\n", r.Helper.UptimeSeconds)
		fmt.Fprintf(out, "  requests: %d\n", r.Helper.RequestsServed)
		if r.Helper.LastEnable != nil && r.Helper.LastResult != nil {
			state := "off"
			if *r.Helper.LastEnable {
				state = "on"
			}
			fmt.Fprintf(out, "  last:     %s (success: %t)\n", state, r.Helper.LastResult.Success)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", r.Error)
	}
}
