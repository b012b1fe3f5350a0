package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/lastdance/internal/config"
	"github.com/Dicklesworthstone/lastdance/internal/toggle"
	"github.com/Dicklesworthstone/lastdance/internal/watch"
)

var flagRunNotify bool

func init() {
	runCmd.Flags().BoolVar(&flagRunNotify, "notify", false, "post a desktop notification when sharing changes")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enable File Sharing now and disable it on exit",
	Long: `Run in the foreground, typically as a login item.

Signals:
  SIGINT, SIGTERM   disable File Sharing (bounded wait, no prompts) and exit
  SIGHUP            enable File Sharing again (e.g. after wake)
  SIGUSR1           flip File Sharing

Edits to general.interactive and general.disable_on_stop in the config file
take effect without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), "info")

		presenter := &statePresenter{logger: logger}
		a, err := newApp(cfg, logger, presenter)
		if err != nil {
			return err
		}
		defer a.Close()
		if flagRunNotify {
			presenter.notifier = a.desktop
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
		defer signal.Stop(sigCh)

		var cfgEvents <-chan watch.Event
		var cfgErrs <-chan error
		userPath, explicit := config.ConfigPaths(flagConfig)
		if w, err := watch.New([]string{userPath, explicit}, watch.WithLogger(logger)); err != nil {
			logger.Debug("config watch disabled", "error", err)
		} else if err := w.Start(cmd.Context()); err == nil {
			defer w.Stop()
			cfgEvents = w.Events()
			cfgErrs = w.Errors()
		}

		return runLoop(cmd.Context(), a, sigCh, cfgEvents, cfgErrs)
	},
}

// runLoop drives the controller from signals until a stop signal or ctx ends.
// cfgEvents and cfgErrs may be nil.
func runLoop(ctx context.Context, a *app, sigCh <-chan os.Signal, cfgEvents <-chan watch.Event, cfgErrs <-chan error) error {
	if a.cfg.General.ToggleOnStart {
		a.controller.RequestToggle(ctx, true, toggle.Options{Interactive: a.cfg.General.Interactive})
	}

	for {
		interactive := a.cfg.General.Interactive
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case ev, ok := <-cfgEvents:
			if !ok {
				cfgEvents = nil
				continue
			}
			a.reloadConfig(ev.Path)
		case err, ok := <-cfgErrs:
			if !ok {
				cfgErrs = nil
				continue
			}
			a.logger.Warn("config watch error", "error", err)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				a.logger.Info("power up event", "signal", sig)
				a.controller.RequestToggle(ctx, true, toggle.Options{Interactive: interactive})
			case syscall.SIGUSR1:
				a.logger.Info("manual toggle", "signal", sig)
				if interactive {
					a.controller.Toggle(ctx)
				} else {
					a.controller.RequestToggle(ctx, a.controller.State() != toggle.Enabled, toggle.Options{})
				}
			default:
				a.logger.Info("power down event", "signal", sig)
				a.shutdown()
				return nil
			}
		}
	}
}

// reloadConfig applies the general settings that can change while running.
func (a *app) reloadConfig(path string) {
	cfg, err := loadConfig(nil)
	if err != nil {
		a.logger.Warn("config reload failed", "path", path, "error", err)
		return
	}
	a.cfg.General.Interactive = cfg.General.Interactive
	a.cfg.General.DisableOnStop = cfg.General.DisableOnStop
	a.logger.Info("config reloaded", "path", path,
		"interactive", cfg.General.Interactive,
		"disable_on_stop", cfg.General.DisableOnStop)
}

// shutdown disables sharing without prompting and waits at most the shutdown
// timeout for the helper.
func (a *app) shutdown() {
	if !a.cfg.General.DisableOnStop {
		return
	}
	accepted := a.controller.RequestToggle(context.Background(), false, toggle.Options{
		MustComplete: true,
		Interactive:  false,
	})
	if !accepted {
		a.logger.Warn("toggle in flight during shutdown; not disabling file sharing")
	}
}

// Notifier posts a desktop notification.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// statePresenter logs state changes and optionally posts notifications.
type statePresenter struct {
	logger   *log.Logger
	notifier Notifier
}

func (p *statePresenter) ShowState(s toggle.State) {
	p.logger.Debug("state", "file_sharing", s.String())
	if s == toggle.Working || p.notifier == nil {
		return
	}
	msg := "File Sharing is off"
	if s == toggle.Enabled {
		msg = "File Sharing is on"
	}
	if err := p.notifier.Notify(context.Background(), "LastDance", msg); err != nil {
		p.logger.Debug("notification failed", "error", err)
	}
}
