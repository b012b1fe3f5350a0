package privilege

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/lastdance/internal/helper"
)

const (
	defaultSudo   = "/usr/bin/sudo"
	defaultEnv    = "/usr/bin/env"
	defaultPrompt = "LastDance wants to install its helper tool. Enter your password to allow this."
)

// askpassScript shows a hidden-answer dialog and prints the reply. sudo
// passes the prompt as the first argument.
const askpassScript = `#!/bin/sh
exec /usr/bin/osascript \
  -e 'on run argv' \
  -e 'set r to display dialog (item 1 of argv) default answer "" with hidden answer with title "LastDance" with icon caution buttons {"Cancel", "OK"} default button "OK"' \
  -e 'return text returned of r' \
  -e 'end run' "${1:-Password:}"
`

// SudoAuthority implements Authority with the sudo credential cache. Copying
// a right validates the user's sudo timestamp; releasing invalidates it.
type SudoAuthority struct {
	sudo       string
	env        string
	prompt     string
	tempDir    string
	runner     helper.CommandRunner
	isTerminal func() bool
	logger     *log.Logger
}

// SudoOption configures a SudoAuthority.
type SudoOption func(*SudoAuthority)

// WithSudoPath overrides the sudo binary.
func WithSudoPath(path string) SudoOption {
	return func(s *SudoAuthority) {
		if path != "" {
			s.sudo = path
		}
	}
}

// WithSudoRunner overrides the command runner.
func WithSudoRunner(r helper.CommandRunner) SudoOption {
	return func(s *SudoAuthority) {
		if r != nil {
			s.runner = r
		}
	}
}

// WithTerminalCheck overrides terminal detection.
func WithTerminalCheck(fn func() bool) SudoOption {
	return func(s *SudoAuthority) {
		if fn != nil {
			s.isTerminal = fn
		}
	}
}

// WithTempDir sets where the askpass program is written.
func WithTempDir(dir string) SudoOption {
	return func(s *SudoAuthority) {
		s.tempDir = dir
	}
}

// WithSudoLogger sets the logger.
func WithSudoLogger(l *log.Logger) SudoOption {
	return func(s *SudoAuthority) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSudoAuthority creates a sudo-backed authority.
func NewSudoAuthority(opts ...SudoOption) *SudoAuthority {
	s := &SudoAuthority{
		sudo:       defaultSudo,
		env:        defaultEnv,
		prompt:     defaultPrompt,
		runner:     helper.ExecRunner{},
		isTerminal: stdinIsTerminal,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// sudoCredential tracks the askpass program and whether the timestamp was
// validated, so Release undoes exactly what was done.
type sudoCredential struct {
	authority *SudoAuthority
	askpass   string
	validated bool
}

func (c *sudoCredential) Release() error {
	var errs []error
	if c.validated {
		if out, err := c.authority.runner.Run(context.Background(), c.authority.sudo, "-k"); err != nil {
			errs = append(errs, fmt.Errorf("sudo -k: %w: %s", err, strings.TrimSpace(string(out))))
		}
		c.validated = false
	}
	if c.askpass != "" {
		if err := os.RemoveAll(filepath.Dir(c.askpass)); err != nil {
			errs = append(errs, fmt.Errorf("remove askpass: %w", err))
		}
		c.askpass = ""
	}
	return errors.Join(errs...)
}

// Create writes the askpass program when no terminal is attached.
func (s *SudoAuthority) Create(ctx context.Context) (Credential, Status) {
	cred := &sudoCredential{authority: s}
	if s.isTerminal() {
		return cred, StatusSuccess
	}

	dir, err := os.MkdirTemp(s.tempDir, "lastdance-askpass-")
	if err != nil {
		s.logger.Error("create askpass dir", "error", err)
		return nil, StatusInternal
	}
	path := filepath.Join(dir, "askpass")
	if err := os.WriteFile(path, []byte(askpassScript), 0o700); err != nil {
		_ = os.RemoveAll(dir)
		s.logger.Error("write askpass", "error", err)
		return nil, StatusInternal
	}
	cred.askpass = path
	return cred, StatusSuccess
}

// CopyRights validates the sudo timestamp. Without FlagInteractionAllowed it
// succeeds only when a cached credential already exists.
func (s *SudoAuthority) CopyRights(ctx context.Context, c Credential, right string, flags Flags) Status {
	cred, ok := c.(*sudoCredential)
	if !ok || cred == nil {
		return StatusInvalidSet
	}
	if right != RightBlessPrivilegedHelper {
		return StatusInvalidSet
	}

	name, args := s.validateCommand(cred, flags)
	out, err := s.runner.Run(ctx, name, args...)
	if err == nil {
		cred.validated = true
		return StatusSuccess
	}

	status := classifySudoFailure(out, err)
	s.logger.Debug("sudo validate failed",
		"status", int32(status),
		"error", err,
		"output", strings.TrimSpace(string(out)))
	return status
}

func (s *SudoAuthority) validateCommand(cred *sudoCredential, flags Flags) (string, []string) {
	switch {
	case !flags.Has(FlagInteractionAllowed):
		return s.sudo, []string{"-n", "-v"}
	case cred.askpass != "":
		return s.env, []string{"SUDO_ASKPASS=" + cred.askpass, s.sudo, "-A", "-v", "-p", s.prompt}
	default:
		return s.sudo, []string{"-v", "-p", s.prompt + " "}
	}
}

// classifySudoFailure maps sudo's diagnostics onto authorization statuses.
func classifySudoFailure(out []byte, err error) Status {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return StatusInternal
	}
	msg := strings.ToLower(string(out))
	switch {
	case strings.Contains(msg, "a password is required"),
		strings.Contains(msg, "a terminal is required"):
		return StatusInteractionNotAllowed
	case strings.Contains(msg, "no password was provided"):
		return StatusCanceled
	case strings.Contains(msg, "incorrect password"),
		strings.Contains(msg, "sorry, try again"),
		strings.Contains(msg, "not in the sudoers"),
		strings.Contains(msg, "not allowed to"),
		strings.Contains(msg, "may not run sudo"):
		return StatusDenied
	}
	return StatusInternal
}

// SudoBlesser installs the helper by running this program's root-side
// install command through sudo, relying on the timestamp validated by the
// handle.
type SudoBlesser struct {
	sudo       string
	executable string
	extraArgs  []string
	runner     helper.CommandRunner
	logger     *log.Logger
}

// NewSudoBlesser creates a blesser that runs executable as root. extraArgs
// are appended to the install command.
func NewSudoBlesser(executable string, runner helper.CommandRunner, logger *log.Logger, extraArgs ...string) *SudoBlesser {
	if runner == nil {
		runner = helper.ExecRunner{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SudoBlesser{
		sudo:       defaultSudo,
		executable: executable,
		extraArgs:  extraArgs,
		runner:     runner,
		logger:     logger,
	}
}

// Bless runs the install. It never prompts.
func (b *SudoBlesser) Bless(ctx context.Context, h *Handle, label string) error {
	if h == nil || h.Released() {
		return errors.New("authorization handle is not valid")
	}
	if h.Right() != RightBlessPrivilegedHelper {
		return fmt.Errorf("handle does not carry %s", RightBlessPrivilegedHelper)
	}

	args := []string{"-n", b.executable, "helper", "install", "--label", label}
	args = append(args, b.extraArgs...)
	b.logger.Debug("installing helper", "label", label, "executable", b.executable)

	out, err := b.runner.Run(ctx, b.sudo, args...)
	if err != nil {
		desc := strings.TrimSpace(string(out))
		if desc == "" {
			desc = err.Error()
		}
		return errors.New(desc)
	}
	return nil
}
