package helper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// ServerOptions configures RunHelper.
type ServerOptions struct {
	SocketPath  string
	PIDFile     string
	Toggler     Toggler
	AllowedUIDs []uint32
	Logger      *log.Logger
}

// RunHelper serves the helper protocol until ctx is cancelled. It writes the
// PID file before listening and removes both the PID file and the socket on
// the way out.
func RunHelper(ctx context.Context, opts ServerOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	if strings.TrimSpace(opts.PIDFile) != "" {
		if err := writePIDFile(opts.PIDFile); err != nil {
			return err
		}
		defer func() {
			if err := os.Remove(opts.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("remove pid file", "path", opts.PIDFile, "error", err)
			}
		}()
	}

	var serverOpts []ServerOption
	if len(opts.AllowedUIDs) > 0 {
		serverOpts = append(serverOpts, WithAllowedUIDs(opts.AllowedUIDs...))
	}
	srv, err := NewIPCServer(opts.SocketPath, opts.Toggler, logger, serverOpts...)
	if err != nil {
		return err
	}
	defer srv.Stop()

	logger.Info("helper started", "pid", os.Getpid())
	err = srv.Start(ctx)
	logger.Info("helper stopped")
	return err
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
