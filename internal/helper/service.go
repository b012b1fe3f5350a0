package helper

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-shellwords"
)

// CommandRunner runs a command and returns its combined stdout/stderr.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and returns combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ServiceController loads and unloads one launchd service definition.
type ServiceController struct {
	command []string
	plist   string
	runner  CommandRunner
	logger  *log.Logger
}

// ServiceOption configures a ServiceController.
type ServiceOption func(*ServiceController)

// WithRunner overrides the command runner.
func WithRunner(r CommandRunner) ServiceOption {
	return func(s *ServiceController) {
		if r != nil {
			s.runner = r
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *log.Logger) ServiceOption {
	return func(s *ServiceController) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServiceController parses launchctl (a command line, which may carry
// leading arguments) and binds it to the service definition at plist.
func NewServiceController(launchctl, plist string, opts ...ServiceOption) (*ServiceController, error) {
	command, err := shellwords.Parse(launchctl)
	if err != nil {
		return nil, fmt.Errorf("parse launchctl command %q: %w", launchctl, err)
	}
	if len(command) == 0 {
		return nil, errors.New("launchctl command is empty")
	}
	if strings.TrimSpace(plist) == "" {
		return nil, errors.New("service plist is required")
	}

	s := &ServiceController{
		command: command,
		plist:   plist,
		runner:  ExecRunner{},
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Arguments returns the launchctl arguments for the requested state.
func (s *ServiceController) Arguments(enable bool) []string {
	verb := "unload"
	if enable {
		verb = "load"
	}
	return []string{verb, "-w", s.plist}
}

// Toggle runs launchctl load|unload -w synchronously. Success means exit
// status 0; Output is the captured stdout and stderr.
func (s *ServiceController) Toggle(ctx context.Context, enable bool) Result {
	args := append(append([]string{}, s.command[1:]...), s.Arguments(enable)...)
	out, err := s.runner.Run(ctx, s.command[0], args...)
	output := string(out)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			s.logger.Warn("launchctl failed", "enable", enable, "exit_code", exitErr.ExitCode(), "output", strings.TrimSpace(output))
			return Result{Success: false, Output: output}
		}
		s.logger.Error("launchctl could not run", "enable", enable, "error", err)
		return Result{Success: false, Output: fmt.Sprintf("Failed to run launchctl: %v", err)}
	}

	s.logger.Info("launchctl succeeded", "enable", enable)
	return Result{Success: true, Output: output}
}
