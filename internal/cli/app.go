package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/lastdance/internal/config"
	"github.com/Dicklesworthstone/lastdance/internal/helper"
	"github.com/Dicklesworthstone/lastdance/internal/notify"
	"github.com/Dicklesworthstone/lastdance/internal/privilege"
	"github.com/Dicklesworthstone/lastdance/internal/toggle"
)

// app is the front-end object graph, built once per command.
type app struct {
	cfg        config.Config
	logger     *log.Logger
	desktop    *notify.Desktop
	client     *helper.Client
	installer  *privilege.Installer
	controller *toggle.Controller
}

func newApp(cfg config.Config, logger *log.Logger, presenter toggle.Presenter) (*app, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	desktop := notify.New(notify.WithLogger(logger))
	client := helper.NewClient(cfg.Helper.SocketPath,
		helper.WithLogger(logger),
		helper.WithCallTimeout(time.Duration(cfg.Helper.CallTimeoutSecs)*time.Second),
		helper.WithInvalidationHandler(func() {
			logger.Debug("helper connection invalidated", "socket", cfg.Helper.SocketPath)
		}))

	authority := privilege.NewSudoAuthority(privilege.WithSudoLogger(logger))
	blesser := privilege.NewSudoBlesser(exe, nil, logger, installArgs(cfg, os.Getuid())...)
	installer := privilege.NewInstaller(
		privilege.NewBroker(authority, logger),
		blesser,
		cfg.Helper.Label,
		cfg.Helper.HelperPath(),
		privilege.WithInstallerLogger(logger),
		privilege.WithForeground(foreground(desktop, logger)))

	opts := []toggle.Option{
		toggle.WithLogger(logger),
		toggle.WithShutdownTimeout(time.Duration(cfg.General.ShutdownTimeoutSecs) * time.Second),
	}
	if presenter != nil {
		opts = append(opts, toggle.WithPresenter(presenter))
	}
	if cfg.General.AlertsEnabled {
		opts = append(opts, toggle.WithAlerter(desktop))
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		desktop:    desktop,
		client:     client,
		installer:  installer,
		controller: toggle.New(installer, client, opts...),
	}, nil
}

// foreground raises the desktop before an install prompt; failures are only
// logged.
func foreground(d *notify.Desktop, logger *log.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.BringToFront(ctx); err != nil {
			logger.Debug("bring to front failed", "error", err)
		}
	}
}

func (a *app) Close() error {
	return a.client.Close()
}

// serveArgs are the "helper serve" flags recorded in the launchd job.
func serveArgs(cfg config.Config) []string {
	args := []string{
		"--socket", cfg.Helper.SocketPath,
		"--pid-file", cfg.Helper.PIDFile,
		"--service-plist", cfg.Helper.ServicePlist,
		"--launchctl", cfg.Helper.Launchctl,
		"--log-level", cfg.Helper.LogLevel,
	}
	for _, uid := range cfg.Helper.AllowedUIDs {
		args = append(args, "--allowed-uid", strconv.Itoa(uid))
	}
	return args
}

// installArgs are the "helper install" flags passed through sudo. Without a
// configured allow list the helper only accepts the installing user.
func installArgs(cfg config.Config, uid int) []string {
	if len(cfg.Helper.AllowedUIDs) == 0 {
		cfg.Helper.AllowedUIDs = []int{uid}
	}
	args := []string{
		"--install-dir", cfg.Helper.InstallDir,
		"--launch-daemons-dir", cfg.Helper.LaunchDaemonsDir,
	}
	return append(args, serveArgs(cfg)...)
}
