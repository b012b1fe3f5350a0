// Package toggle owns the file-sharing state machine: it serializes toggle
// requests, drives the helper installer and IPC client, and reports state and
// failures to the presentation layer.
package toggle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/lastdance/internal/helper"
	"github.com/Dicklesworthstone/lastdance/internal/utils"
)

// DefaultShutdownTimeout bounds a blocking toggle.
const DefaultShutdownTimeout = 5 * time.Second

// AlertTitle is the title of failure alerts.
const AlertTitle = "File Sharing change requires administrator privileges"

// ErrNotInstalled reports that a request was skipped because the helper is
// not installed and could not be installed without interaction.
var ErrNotInstalled = errors.New("privileged helper is not installed")

// CommandError is a toggle the helper could not carry out, or a call that
// never reached it. Output is the captured command or connection output.
type CommandError struct {
	Output string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return "file sharing command failed"
	}
	return "file sharing command failed: " + e.Output
}

// State is the file-sharing state as seen by the presentation layer.
type State int

const (
	Disabled State = iota
	Enabled
	// Working is shown while a toggle is in flight. It is never stored as
	// the controller's state.
	Working
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case Working:
		return "working"
	default:
		return "unknown"
	}
}

// Options controls how a toggle request runs.
type Options struct {
	// MustComplete blocks the caller until the round-trip finishes or the
	// shutdown timeout passes.
	MustComplete bool
	// Interactive allows authorization prompts and failure alerts.
	Interactive bool
}

// Installer makes sure the privileged helper is installed.
type Installer interface {
	EnsureInstalled(ctx context.Context, interactive bool) (bool, error)
}

// HelperInvoker calls the helper's toggle operation. The returned channel
// yields exactly one result.
type HelperInvoker interface {
	Invoke(ctx context.Context, enable bool) <-chan helper.Result
}

// Presenter displays the current state.
type Presenter interface {
	ShowState(State)
}

// Alerter shows a failure to the user.
type Alerter interface {
	Alert(ctx context.Context, title, message string) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(State)

// ShowState calls f(s).
func (f PresenterFunc) ShowState(s State) { f(s) }

// Controller serializes toggle requests. At most one request is in flight;
// requests arriving meanwhile are dropped.
type Controller struct {
	installer Installer
	invoker   HelperInvoker
	presenter Presenter
	alerter   Alerter
	logger    *log.Logger
	timeout   time.Duration

	inFlight atomic.Bool
	mu       sync.Mutex
	state    State
	lastErr  error
	wg       sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithPresenter sets the presenter.
func WithPresenter(p Presenter) Option {
	return func(c *Controller) {
		c.presenter = p
	}
}

// WithAlerter sets the alerter used for interactive failures.
func WithAlerter(a Alerter) Option {
	return func(c *Controller) {
		c.alerter = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithShutdownTimeout sets how long a blocking toggle waits.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithInitialState sets the state assumed before any toggle.
func WithInitialState(s State) Option {
	return func(c *Controller) {
		if s == Enabled || s == Disabled {
			c.state = s
		}
	}
}

// New creates a controller.
func New(installer Installer, invoker HelperInvoker, opts ...Option) *Controller {
	c := &Controller{
		installer: installer,
		invoker:   invoker,
		logger:    log.Default(),
		timeout:   DefaultShutdownTimeout,
		state:     Disabled,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastError returns the outcome of the most recently completed request:
// nil after a confirmed round-trip, ErrNotInstalled when the helper was
// missing and could not be installed, a *CommandError when the helper or the
// connection to it failed, or the installer's error.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// State returns the last confirmed state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a toggle is in flight.
func (c *Controller) Busy() bool {
	return c.inFlight.Load()
}

// Toggle flips the current state interactively without blocking.
func (c *Controller) Toggle(ctx context.Context) bool {
	return c.RequestToggle(ctx, c.State() != Enabled, Options{Interactive: true})
}

// Wait blocks until background toggles have finished, including any failure
// alert they are showing.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// RequestToggle asks for file sharing to be set to enable. It returns false
// when the request was dropped because another one is in flight. A request
// for the current state still performs the full round-trip.
func (c *Controller) RequestToggle(ctx context.Context, enable bool, opts Options) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.logger.Debug("toggle in flight; dropping request", "enable", enable)
		return false
	}
	c.present(Working)

	// Blocking requests wait for the round-trip and its state update, not for
	// any alert that follows.
	replied := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, enable, opts.Interactive, replied)
	}()
	if !opts.MustComplete {
		return true
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-replied:
	case <-timer.C:
		c.logger.Warn("toggle timed out; continuing", "enable", enable, "timeout", c.timeout)
	case <-ctx.Done():
		c.logger.Warn("toggle wait canceled", "enable", enable, "error", ctx.Err())
	}
	return true
}

func (c *Controller) run(ctx context.Context, enable, interactive bool, replied chan<- struct{}) {
	err := c.roundTrip(ctx, enable, interactive)

	// Publish the outcome and clear the flag before presenting or alerting.
	c.mu.Lock()
	if err == nil {
		if enable {
			c.state = Enabled
		} else {
			c.state = Disabled
		}
	}
	c.lastErr = err
	state := c.state
	c.mu.Unlock()
	c.inFlight.Store(false)
	close(replied)

	switch {
	case err == nil:
		c.logger.Info("file sharing toggled", "enabled", enable)
	case errors.Is(err, ErrNotInstalled):
		c.logger.Info("helper not installed; toggle skipped", "enable", enable)
	}
	c.present(state)

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		c.handleFailure(ctx, cmdErr.Output, interactive)
	} else if err != nil && !errors.Is(err, ErrNotInstalled) {
		c.handleFailure(ctx, err.Error(), interactive)
	}
}

// roundTrip installs the helper if needed and performs one toggle call.
func (c *Controller) roundTrip(ctx context.Context, enable, interactive bool) error {
	installed, err := c.installer.EnsureInstalled(ctx, interactive)
	if err != nil {
		return err
	}
	if !installed {
		return ErrNotInstalled
	}
	res := <-c.invoker.Invoke(ctx, enable)
	if !res.Success {
		return &CommandError{Output: res.Output}
	}
	return nil
}

func (c *Controller) present(s State) {
	if c.presenter != nil {
		c.presenter.ShowState(s)
	}
}

func (c *Controller) handleFailure(ctx context.Context, output string, interactive bool) {
	// The alert quotes a cleaned, capped copy; the log keeps the full text.
	c.logger.Error("error toggling file sharing", "output", output)
	if !interactive || c.alerter == nil {
		return
	}
	if err := c.alerter.Alert(ctx, AlertTitle, AlertMessage(output)); err != nil {
		c.logger.Warn("show alert", "error", err)
	}
}

// maxAlertOutput caps the command output quoted in an alert.
const maxAlertOutput = 2000

// AlertMessage formats the body of a failure alert.
func AlertMessage(output string) string {
	output = utils.CleanOutput(output, maxAlertOutput)
	if output == "" {
		output = "No output."
	}
	return "LastDance needs its privileged helper to toggle File Sharing at login and shutdown.\n\nCommand output:\n" + output
}
