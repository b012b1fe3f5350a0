package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/lastdance/internal/helper"
	"github.com/Dicklesworthstone/lastdance/internal/privilege"
)

var (
	flagHelperLabel            string
	flagHelperSocket           string
	flagHelperPIDFile          string
	flagHelperServicePlist     string
	flagHelperLaunchctl        string
	flagHelperLogLevel         string
	flagHelperAllowedUIDs      []int
	flagHelperInstallDir       string
	flagHelperLaunchDaemonsDir string
)

func init() {
	for _, c := range []*cobra.Command{helperServeCmd, helperInstallCmd} {
		c.Flags().StringVar(&flagHelperLabel, "label", "", "helper launchd label")
		c.Flags().StringVar(&flagHelperSocket, "socket", "", "helper socket path")
		c.Flags().StringVar(&flagHelperPIDFile, "pid-file", "", "helper pid file")
		c.Flags().StringVar(&flagHelperServicePlist, "service-plist", "", "service definition to load/unload")
		c.Flags().StringVar(&flagHelperLaunchctl, "launchctl", "", "launchctl command")
		c.Flags().StringVar(&flagHelperLogLevel, "log-level", "", "helper log level")
		c.Flags().IntSliceVar(&flagHelperAllowedUIDs, "allowed-uid", nil, "uid allowed to connect (repeatable)")
	}
	helperInstallCmd.Flags().StringVar(&flagHelperInstallDir, "install-dir", "", "directory for the helper binary")
	helperInstallCmd.Flags().StringVar(&flagHelperLaunchDaemonsDir, "launch-daemons-dir", "", "directory for the launchd job")

	helperCmd.AddCommand(helperServeCmd)
	helperCmd.AddCommand(helperInstallCmd)
	rootCmd.AddCommand(helperCmd)
}

var helperCmd = &cobra.Command{
	Use:    "helper",
	Short:  "Privileged helper commands (run as root)",
	Hidden: true,
}

var helperServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve toggle requests on the helper socket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(helperOverrides(cmd))
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.Helper.LogLevel).WithPrefix("lastdance-helper")

		service, err := helper.NewServiceController(cfg.Helper.Launchctl, cfg.Helper.ServicePlist,
			helper.WithServiceLogger(logger))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return helper.RunHelper(ctx, helper.ServerOptions{
			SocketPath:  cfg.Helper.SocketPath,
			PIDFile:     cfg.Helper.PIDFile,
			Toggler:     service,
			AllowedUIDs: allowedUIDs(cfg.Helper.AllowedUIDs),
			Logger:      logger,
		})
	},
}

var helperInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install this binary as the privileged helper",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isRoot() {
			return errors.New("helper install must run as root")
		}
		cfg, err := loadConfig(helperOverrides(cmd))
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.Helper.LogLevel)

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		return privilege.InstallHelper(cmd.Context(), privilege.InstallOptions{
			Label:            cfg.Helper.Label,
			Source:           exe,
			InstallDir:       cfg.Helper.InstallDir,
			LaunchDaemonsDir: cfg.Helper.LaunchDaemonsDir,
			Launchctl:        cfg.Helper.Launchctl,
			ServeArgs:        append([]string{"--label", cfg.Helper.Label}, serveArgs(cfg)...),
			Logger:           logger,
		})
	},
}

func isRoot() bool { return os.Geteuid() == 0 }

// helperOverrides turns explicitly set helper flags into config overrides.
func helperOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	set := func(flag, key string, value any) {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[key] = value
		}
	}
	set("label", "helper.label", flagHelperLabel)
	set("socket", "helper.socket_path", flagHelperSocket)
	set("pid-file", "helper.pid_file", flagHelperPIDFile)
	set("service-plist", "helper.service_plist", flagHelperServicePlist)
	set("launchctl", "helper.launchctl", flagHelperLaunchctl)
	set("log-level", "helper.log_level", flagHelperLogLevel)
	set("allowed-uid", "helper.allowed_uids", flagHelperAllowedUIDs)
	set("install-dir", "helper.install_dir", flagHelperInstallDir)
	set("launch-daemons-dir", "helper.launch_daemons_dir", flagHelperLaunchDaemonsDir)
	return overrides
}

// allowedUIDs converts the configured allow list. Root is always admitted
// once a list is in force.
func allowedUIDs(uids []int) []uint32 {
	if len(uids) == 0 {
		return nil
	}
	out := []uint32{0}
	for _, uid := range uids {
		if uid > 0 {
			out = append(out, uint32(uid))
		}
	}
	return out
}

// helperContext bounds a short exchange with the helper.
func helperContext(parent context.Context, secs int) (context.Context, context.CancelFunc) {
	if secs <= 0 {
		secs = 30
	}
	return context.WithTimeout(parent, time.Duration(secs)*time.Second)
}
