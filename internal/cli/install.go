package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/lastdance/internal/notify"
)

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(settingsCmd)
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the privileged helper (asks for an administrator password)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), "info")

		a, err := newApp(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := a.installer.EnsureInstalled(cmd.Context(), true)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("helper was not installed")
		}

		w := newWriter(cmd)
		w.Success(fmt.Sprintf("Helper installed at %s", cfg.Helper.HelperPath()))
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Open File Sharing in System Settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(cmd.ErrOrStderr(), "warn")
		return notify.New(notify.WithLogger(logger)).OpenSharingSettings(cmd.Context())
	},
}
