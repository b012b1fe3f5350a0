// Package notify shows alerts and notifications on the desktop and opens the
// File Sharing settings pane.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
)

// SharingSettingsURL opens the File Sharing section of System Settings.
const SharingSettingsURL = "x-apple.systempreferences:com.apple.Sharing-Settings.extension?Services_PersonalFileSharing"

const fallbackSettingsURL = "x-apple.systempreferences:com.apple.preferences.sharing"

// Runner runs a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Desktop talks to the platform's notification tools.
type Desktop struct {
	goos     string
	runner   Runner
	lookPath func(string) (string, error)
	logger   *log.Logger
}

// Option configures a Desktop.
type Option func(*Desktop)

// WithRunner overrides the command runner.
func WithRunner(r Runner) Option {
	return func(d *Desktop) {
		if r != nil {
			d.runner = r
		}
	}
}

// WithGOOS overrides the detected platform.
func WithGOOS(goos string) Option {
	return func(d *Desktop) {
		d.goos = goos
	}
}

// WithLookPath overrides executable lookup.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Desktop) {
		if fn != nil {
			d.lookPath = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Desktop) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Desktop for the current platform.
func New(opts ...Option) *Desktop {
	d := &Desktop{
		goos:     runtime.GOOS,
		runner:   execRunner{},
		lookPath: exec.LookPath,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Alert shows a modal warning and waits for it to be dismissed.
func (d *Desktop) Alert(ctx context.Context, title, message string) error {
	title, message = normalize(title, message)
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf(
			`display alert "%s" message "%s" as warning buttons {"OK"} default button "OK"`,
			escapeAppleScript(title),
			escapeAppleScript(message),
		)
		return d.run(ctx, "osascript", "-e", script)
	case "linux":
		return d.run(ctx, "notify-send", "--urgency=critical", title, message)
	default:
		return fmt.Errorf("unsupported platform: %s", d.goos)
	}
}

// Notify sends a best-effort, non-blocking desktop notification.
func (d *Desktop) Notify(ctx context.Context, title, message string) error {
	title, message = normalize(title, message)
	if message == "" {
		return errors.New("message is required")
	}
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf(
			`display notification "%s" with title "%s"`,
			escapeAppleScript(message),
			escapeAppleScript(title),
		)
		return d.run(ctx, "osascript", "-e", script)
	case "linux":
		return d.run(ctx, "notify-send", title, message)
	default:
		return fmt.Errorf("unsupported platform: %s", d.goos)
	}
}

// activateScript brings the frontmost-process machinery forward so the
// password dialog that follows is not hidden behind other windows.
const activateScript = `tell application "System Events" to activate`

// BringToFront raises the desktop ahead of an authorization prompt. It does
// nothing outside macOS.
func (d *Desktop) BringToFront(ctx context.Context) error {
	if d.goos != "darwin" {
		return nil
	}
	return d.run(ctx, "osascript", "-e", activateScript)
}

// OpenSharingSettings opens the File Sharing settings pane, falling back to
// the general Sharing pane on older systems.
func (d *Desktop) OpenSharingSettings(ctx context.Context) error {
	if d.goos != "darwin" {
		return errors.New("sharing settings only available on macOS")
	}
	if err := d.run(ctx, "open", SharingSettingsURL); err != nil {
		d.logger.Debug("open sharing settings failed; trying fallback", "error", err)
		return d.run(ctx, "open", fallbackSettingsURL)
	}
	return nil
}

func (d *Desktop) run(ctx context.Context, name string, args ...string) error {
	if _, err := d.lookPath(name); err != nil {
		return fmt.Errorf("%s not found", name)
	}
	out, err := d.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s failed: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func normalize(title, message string) (string, string) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "LastDance"
	}
	return title, strings.TrimSpace(message)
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
