package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Toggler performs the privileged file-sharing toggle.
type Toggler interface {
	Toggle(ctx context.Context, enable bool) Result
}

// TogglerFunc adapts a function to Toggler.
type TogglerFunc func(ctx context.Context, enable bool) Result

// Toggle calls f.
func (f TogglerFunc) Toggle(ctx context.Context, enable bool) Result {
	return f(ctx, enable)
}

// connGuard runs once per accepted connection before any request is read.
type connGuard func(conn net.Conn) error

// IPCServer serves the helper protocol on a unix socket.
type IPCServer struct {
	listener   net.Listener
	socketPath string
	logger     *log.Logger
	toggler    Toggler
	guard      connGuard
	startTime  time.Time

	served atomic.Int64

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	stopped    bool
	lastEnable *bool
	lastResult *Result

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// ServerOption configures an IPCServer.
type ServerOption func(*serverSettings)

type serverSettings struct {
	socketMode  os.FileMode
	allowedUIDs []uint32
}

// WithSocketMode sets the permission bits of the socket file. The default is
// 0666 so the console user can reach a root-owned helper.
func WithSocketMode(mode os.FileMode) ServerOption {
	return func(s *serverSettings) {
		s.socketMode = mode
	}
}

// WithAllowedUIDs restricts connections to peers with one of the given UIDs.
// An empty list accepts any peer.
func WithAllowedUIDs(uids ...uint32) ServerOption {
	return func(s *serverSettings) {
		s.allowedUIDs = append(s.allowedUIDs, uids...)
	}
}

// NewIPCServer listens on socketPath, removing a stale socket first.
func NewIPCServer(socketPath string, toggler Toggler, logger *log.Logger, opts ...ServerOption) (*IPCServer, error) {
	if strings.TrimSpace(socketPath) == "" {
		return nil, errors.New("socket path is required")
	}
	if toggler == nil {
		return nil, errors.New("toggler is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	settings := serverSettings{socketMode: 0o666}
	for _, opt := range opts {
		opt(&settings)
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, settings.socketMode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	var guard connGuard
	if len(settings.allowedUIDs) > 0 {
		guard = uidGuard(settings.allowedUIDs)
	}

	return &IPCServer{
		listener:   ln,
		socketPath: socketPath,
		logger:     logger,
		toggler:    toggler,
		guard:      guard,
		startTime:  time.Now(),
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
	}, nil
}

func uidGuard(allowed []uint32) connGuard {
	return func(conn net.Conn) error {
		uid, err := peerUID(conn)
		if err != nil {
			return fmt.Errorf("peer credentials: %w", err)
		}
		for _, a := range allowed {
			if a == uid {
				return nil
			}
		}
		return fmt.Errorf("peer uid %d not allowed", uid)
	}
}

// SocketPath returns the path the server listens on.
func (s *IPCServer) SocketPath() string {
	return s.socketPath
}

// Start accepts connections until ctx is done or Stop is called.
func (s *IPCServer) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.done:
		}
	}()

	s.logger.Info("helper listening", "socket", s.socketPath)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and open connections and removes the socket.
func (s *IPCServer) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}

		s.mu.Lock()
		s.stopped = true
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()

		if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}

func (s *IPCServer) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	logger := s.logger.With("conn", connID[:8])

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logger.Debug("connection closed")
	}()

	if s.guard != nil {
		if err := s.guard(conn); err != nil {
			logger.Warn("connection rejected", "error", err)
			return
		}
	}
	logger.Debug("connection accepted")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req RPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(RPCResponse{Error: &RPCError{Code: ErrCodeParse, Message: fmt.Sprintf("parse error: %v", err)}})
			continue
		}

		resp := s.dispatch(ctx, logger, req)
		if err := enc.Encode(resp); err != nil {
			logger.Warn("write response failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("connection read error", "error", err)
	}
}

func (s *IPCServer) dispatch(ctx context.Context, logger *log.Logger, req RPCRequest) RPCResponse {
	resp := RPCResponse{ID: req.ID}
	switch req.Method {
	case MethodPing:
		resp.Result = map[string]any{"pong": true}
	case MethodStatus:
		resp.Result = s.status()
	case MethodToggle:
		var params ToggleParams
		if len(req.Params) == 0 {
			resp.Error = &RPCError{Code: ErrCodeInvalidParams, Message: "params.enable is required"}
			return resp
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &RPCError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
			return resp
		}
		logger.Info("toggle requested", "enable", params.Enable)
		result := s.toggler.Toggle(ctx, params.Enable)
		s.record(params.Enable, result)
		resp.Result = result
	case "":
		resp.Error = &RPCError{Code: ErrCodeInvalidRequest, Message: "method is required"}
	default:
		resp.Error = &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	return resp
}

func (s *IPCServer) record(enable bool, result Result) {
	s.served.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEnable = &enable
	s.lastResult = &result
}

func (s *IPCServer) status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusInfo{
		PID:            os.Getpid(),
		UptimeSeconds:  time.Since(s.startTime).Seconds(),
		RequestsServed: s.served.Load(),
		LastEnable:     s.lastEnable,
		LastResult:     s.lastResult,
	}
}
