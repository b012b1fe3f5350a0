package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/lastdance/internal/output"
	"github.com/Dicklesworthstone/lastdance/internal/toggle"
)

var flagToggleNoPrompt bool

func init() {
	toggleCmd.Flags().BoolVar(&flagToggleNoPrompt, "no-prompt", false, "never ask for authorization or show alerts")
	rootCmd.AddCommand(toggleCmd)
}

var toggleCmd = &cobra.Command{
	Use:       "toggle <on|off>",
	Short:     "Turn File Sharing on or off once",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		enable, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), "warn")

		a, err := newApp(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		interactive := cfg.General.Interactive && !flagToggleNoPrompt
		if !a.controller.RequestToggle(cmd.Context(), enable, toggle.Options{Interactive: interactive}) {
			return errors.New("another toggle is in progress")
		}
		a.controller.Wait()

		want := toggle.Disabled
		if enable {
			want = toggle.Enabled
		}
		if err := a.controller.LastError(); err != nil {
			return fmt.Errorf("file sharing was not %s: %w", want, err)
		}

		w := newWriter(cmd)
		if w.Format() == output.FormatText {
			w.Success(fmt.Sprintf("File Sharing %s", want))
			return nil
		}
		return w.Write(map[string]any{"file_sharing": want.String()})
	},
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "enable", "true", "1":
		return true, nil
	case "off", "disable", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid state %q (expected on or off)", s)
}
