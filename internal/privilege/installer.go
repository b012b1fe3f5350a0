package privilege

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// Authorizer produces authorization handles. *Broker implements it.
type Authorizer interface {
	CreateAuthorization(ctx context.Context, interactive bool) (*Handle, error)
}

// HelperBlesser installs the helper identified by label using an
// authorization handle.
type HelperBlesser interface {
	Bless(ctx context.Context, h *Handle, label string) error
}

// Installer makes sure the privileged helper is present, installing it at
// most once per process. Once the helper is known to be installed the answer
// is cached and never re-checked.
type Installer struct {
	authorizer Authorizer
	blesser    HelperBlesser
	label      string
	helperPath string
	foreground func()
	exists     func(path string) bool
	logger     *log.Logger

	mu        sync.Mutex
	installed bool
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithForeground sets a hook run before prompting, used to bring the
// front-end forward so the prompt is visible.
func WithForeground(fn func()) InstallerOption {
	return func(i *Installer) {
		i.foreground = fn
	}
}

// WithExistsFunc overrides the filesystem presence check.
func WithExistsFunc(fn func(path string) bool) InstallerOption {
	return func(i *Installer) {
		if fn != nil {
			i.exists = fn
		}
	}
}

// WithInstallerLogger sets the logger.
func WithInstallerLogger(l *log.Logger) InstallerOption {
	return func(i *Installer) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewInstaller creates an installer for the helper labelled label, expected
// at helperPath once installed.
func NewInstaller(authorizer Authorizer, blesser HelperBlesser, label, helperPath string, opts ...InstallerOption) *Installer {
	i := &Installer{
		authorizer: authorizer,
		blesser:    blesser,
		label:      label,
		helperPath: helperPath,
		exists:     fileExists,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureInstalled returns true when the helper is installed, installing it
// first if interactive is true. With interactive false and no helper present
// it returns (false, nil) without asking for authorization.
func (i *Installer) EnsureInstalled(ctx context.Context, interactive bool) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.installed || i.exists(i.helperPath) {
		i.installed = true
		return true, nil
	}
	if !interactive {
		i.logger.Debug("helper not installed; skipping install without interaction", "path", i.helperPath)
		return false, nil
	}

	if i.foreground != nil {
		i.foreground()
	}

	h, err := i.authorizer.CreateAuthorization(ctx, interactive)
	if err != nil {
		return false, err
	}
	err = i.blesser.Bless(ctx, h, i.label)
	if relErr := h.Release(); relErr != nil {
		i.logger.Warn("release authorization", "error", relErr)
	}
	if err != nil {
		i.logger.Error("helper install failed", "label", i.label, "error", err)
		return false, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	i.logger.Info("helper installed", "label", i.label, "path", i.helperPath)
	i.installed = true
	return true, nil
}
