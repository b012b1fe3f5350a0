package privilege

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-shellwords"

	"github.com/Dicklesworthstone/lastdance/internal/helper"
)

// InstallOptions describes the root-side helper installation.
type InstallOptions struct {
	Label            string
	Source           string
	InstallDir       string
	LaunchDaemonsDir string
	Launchctl        string
	// ServeArgs are appended to "helper serve" in the launchd job.
	ServeArgs []string
	Runner    helper.CommandRunner
	Logger    *log.Logger
}

// HelperPath is where the helper binary is installed.
func (o InstallOptions) HelperPath() string {
	return filepath.Join(o.InstallDir, o.Label)
}

// PlistPath is where the launchd job definition is written.
func (o InstallOptions) PlistPath() string {
	return filepath.Join(o.LaunchDaemonsDir, o.Label+".plist")
}

// InstallHelper copies Source into place, writes the launchd job and loads
// it. It must run as root on a real system.
func InstallHelper(ctx context.Context, opts InstallOptions) error {
	if strings.TrimSpace(opts.Label) == "" {
		return errors.New("helper label is required")
	}
	if opts.Source == "" {
		return errors.New("helper source is required")
	}
	if opts.Runner == nil {
		opts.Runner = helper.ExecRunner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	launchctl, err := shellwords.Parse(opts.Launchctl)
	if err != nil {
		return fmt.Errorf("parse launchctl command %q: %w", opts.Launchctl, err)
	}
	if len(launchctl) == 0 {
		return errors.New("launchctl command is empty")
	}

	dest := opts.HelperPath()
	if err := copyExecutable(opts.Source, dest); err != nil {
		return err
	}
	logger.Info("helper binary installed", "path", dest)

	programArgs := append([]string{dest, "helper", "serve"}, opts.ServeArgs...)
	plistPath := opts.PlistPath()
	if err := os.MkdirAll(opts.LaunchDaemonsDir, 0o755); err != nil {
		return fmt.Errorf("create launch daemons dir: %w", err)
	}
	if err := writeLaunchdPlist(plistPath, opts.Label, programArgs); err != nil {
		return err
	}

	run := func(args ...string) ([]byte, error) {
		full := append(append([]string{}, launchctl[1:]...), args...)
		return opts.Runner.Run(ctx, launchctl[0], full...)
	}

	// A previous version may still be loaded.
	if out, err := run("unload", plistPath); err != nil {
		logger.Debug("unload previous helper", "error", err, "output", strings.TrimSpace(string(out)))
	}
	if out, err := run("load", "-w", plistPath); err != nil {
		return fmt.Errorf("load helper job: %w: %s", err, strings.TrimSpace(string(out)))
	}
	logger.Info("helper job loaded", "label", opts.Label, "plist", plistPath)
	return nil
}

func copyExecutable(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open helper source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".helper-*")
	if err != nil {
		return fmt.Errorf("create temp helper: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy helper: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp helper: %w", err)
	}
	if err := os.Chmod(tmpName, 0o544); err != nil {
		return fmt.Errorf("chmod helper: %w", err)
	}
	if os.Geteuid() == 0 {
		if err := os.Chown(tmpName, 0, 0); err != nil {
			return fmt.Errorf("chown helper: %w", err)
		}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("install helper: %w", err)
	}
	return nil
}

// renderLaunchdPlist builds a launchd job that keeps the helper running.
func renderLaunchdPlist(label string, programArgs []string) string {
	var args strings.Builder
	for _, a := range programArgs {
		fmt.Fprintf(&args, "\t\t<string>%s</string>\n", escapeXML(a))
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
%s	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardErrorPath</key>
	<string>/var/log/%s.log</string>
</dict>
</plist>
`, escapeXML(label), args.String(), escapeXML(label))
}

func writeLaunchdPlist(path, label string, programArgs []string) error {
	if err := os.WriteFile(path, []byte(renderLaunchdPlist(label, programArgs)), 0o644); err != nil {
		return fmt.Errorf("write launchd plist: %w", err)
	}
	return nil
}

// escapeXML escapes special characters for XML content.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
