package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/lastdance/internal/config"
)

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configEditCmd)

	rootCmd.AddCommand(configCmd)
}

// configTarget is the file config set/edit write to: --config if given,
// otherwise the user config.
func configTarget() string {
	userPath, explicit := config.ConfigPaths(flagConfig)
	if explicit != "" {
		return explicit
	}
	return userPath
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or modify LastDance configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		return newWriter(cmd).Write(cfg)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		val, ok := config.GetValue(cfg, args[0])
		if !ok {
			return fmt.Errorf("unknown key %q", args[0])
		}
		return newWriter(cmd).Write(map[string]any{
			"key":   args[0],
			"value": val,
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the user (or --config) file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := configTarget()

		value, err := config.ParseValue(args[0], args[1])
		if err != nil {
			return err
		}
		if err := config.WriteValue(target, args[0], value); err != nil {
			return err
		}

		return newWriter(cmd).Write(map[string]any{
			"path":  target,
			"key":   args[0],
			"value": value,
		})
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR (default: vi)",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := configTarget()

		// Ensure the file exists with at least defaults for convenience.
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			if err := config.WriteValue(target, "helper.label", config.DefaultConfig().Helper.Label); err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", target, err)
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		// EDITOR may carry arguments, e.g. "code --wait".
		words, err := shellwords.Parse(editor)
		if err != nil || len(words) == 0 {
			return fmt.Errorf("invalid EDITOR %q", editor)
		}
		editCmd := exec.Command(words[0], append(words[1:], target)...)
		editCmd.Stdin = os.Stdin
		editCmd.Stdout = os.Stdout
		editCmd.Stderr = os.Stderr
		return editCmd.Run()
	},
}
