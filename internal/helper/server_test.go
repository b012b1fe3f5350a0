package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Dicklesworthstone/lastdance/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingToggler answers every toggle with a fixed result and counts calls.
type recordingToggler struct {
	calls  atomic.Int64
	last   atomic.Bool
	result Result
	delay  time.Duration
}

func (r *recordingToggler) Toggle(ctx context.Context, enable bool) Result {
	r.calls.Add(1)
	r.last.Store(enable)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}
	return r.result
}

func startTestServer(t *testing.T, toggler Toggler, opts ...ServerOption) *IPCServer {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "helper.sock")
	srv, err := NewIPCServer(socketPath, toggler, testutil.TestLogger(t), opts...)
	if err != nil {
		t.Fatalf("NewIPCServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func roundTrip(t *testing.T, conn net.Conn, scanner *bufio.Scanner, payload []byte) RPCResponse {
	t.Helper()

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !scanner.Scan() {
		t.Fatalf("no response received: %v", scanner.Err())
	}
	var resp RPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func dialTestServer(t *testing.T, srv *IPCServer) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewScanner(conn)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestNewIPCServer(t *testing.T) {
	toggler := &recordingToggler{}

	t.Run("creates world-connectable socket", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "test.sock")
		srv, err := NewIPCServer(socketPath, toggler, testutil.TestLogger(t))
		if err != nil {
			t.Fatalf("NewIPCServer failed: %v", err)
		}
		defer srv.Stop()

		info, err := os.Stat(socketPath)
		if err != nil {
			t.Fatalf("socket not created: %v", err)
		}
		if info.Mode().Perm() != 0o666 {
			t.Errorf("socket permissions = %o, want 0666", info.Mode().Perm())
		}
	})

	t.Run("honors socket mode", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "mode.sock")
		srv, err := NewIPCServer(socketPath, toggler, testutil.TestLogger(t), WithSocketMode(0o600))
		if err != nil {
			t.Fatalf("NewIPCServer failed: %v", err)
		}
		defer srv.Stop()

		info, err := os.Stat(socketPath)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("socket permissions = %o, want 0600", info.Mode().Perm())
		}
	})

	t.Run("fails with empty socket path", func(t *testing.T) {
		if _, err := NewIPCServer("", toggler, testutil.TestLogger(t)); err == nil {
			t.Error("expected error for empty socket path")
		}
	})

	t.Run("fails without toggler", func(t *testing.T) {
		if _, err := NewIPCServer(filepath.Join(t.TempDir(), "x.sock"), nil, nil); err == nil {
			t.Error("expected error for nil toggler")
		}
	})

	t.Run("removes stale socket", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "stale.sock")
		if err := os.WriteFile(socketPath, []byte("stale"), 0o644); err != nil {
			t.Fatalf("creating stale file: %v", err)
		}
		srv, err := NewIPCServer(socketPath, toggler, testutil.TestLogger(t))
		if err != nil {
			t.Fatalf("NewIPCServer failed: %v", err)
		}
		defer srv.Stop()
	})

	t.Run("stop removes socket", func(t *testing.T) {
		socketPath := filepath.Join(t.TempDir(), "gone.sock")
		srv, err := NewIPCServer(socketPath, toggler, testutil.TestLogger(t))
		if err != nil {
			t.Fatalf("NewIPCServer failed: %v", err)
		}
		if err := srv.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
			t.Fatalf("socket still present: %v", err)
		}
		if err := srv.Stop(); err != nil {
			t.Fatalf("second Stop: %v", err)
		}
	})
}

func TestIPCServer_PingMethod(t *testing.T) {
	srv := startTestServer(t, &recordingToggler{})
	conn, scanner := dialTestServer(t, srv)

	resp := roundTrip(t, conn, scanner, mustMarshal(t, RPCRequest{Method: MethodPing, ID: 1}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.ID != 1 {
		t.Errorf("response ID = %d, want 1", resp.ID)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result not a map: %T", resp.Result)
	}
	if pong, _ := result["pong"].(bool); !pong {
		t.Error("expected pong: true")
	}
}

func TestIPCServer_ToggleMethod(t *testing.T) {
	toggler := &recordingToggler{result: Result{Success: true, Output: "loaded"}}
	srv := startTestServer(t, toggler)
	conn, scanner := dialTestServer(t, srv)

	params := mustMarshal(t, ToggleParams{Enable: true})
	resp := roundTrip(t, conn, scanner, mustMarshal(t, RPCRequest{Method: MethodToggle, Params: params, ID: 7}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result not a map: %T", resp.Result)
	}
	if success, _ := result["success"].(bool); !success {
		t.Errorf("success = %v, want true", result["success"])
	}
	if output, _ := result["output"].(string); output != "loaded" {
		t.Errorf("output = %q, want loaded", output)
	}
	if toggler.calls.Load() != 1 || !toggler.last.Load() {
		t.Errorf("toggler calls=%d last=%v", toggler.calls.Load(), toggler.last.Load())
	}
}

func TestIPCServer_ToggleFailureIsAResultNotAnError(t *testing.T) {
	toggler := &recordingToggler{result: Result{Success: false, Output: "Operation not permitted"}}
	srv := startTestServer(t, toggler)
	conn, scanner := dialTestServer(t, srv)

	params := mustMarshal(t, ToggleParams{Enable: false})
	resp := roundTrip(t, conn, scanner, mustMarshal(t, RPCRequest{Method: MethodToggle, Params: params, ID: 2}))
	if resp.Error != nil {
		t.Fatalf("unexpected RPC error: %v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if success, _ := result["success"].(bool); success {
		t.Error("expected success=false")
	}
	if output, _ := result["output"].(string); output != "Operation not permitted" {
		t.Errorf("output = %q", output)
	}
}

func TestIPCServer_StatusMethod(t *testing.T) {
	toggler := &recordingToggler{result: Result{Success: true}}
	srv := startTestServer(t, toggler)
	conn, scanner := dialTestServer(t, srv)

	params := mustMarshal(t, ToggleParams{Enable: true})
	_ = roundTrip(t, conn, scanner, mustMarshal(t, RPCRequest{Method: MethodToggle, Params: params, ID: 1}))

	resp := roundTrip(t, conn, scanner, mustMarshal(t, RPCRequest{Method: MethodStatus, ID: 2}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result not a map: %T", resp.Result)
	}
	if served, _ := result["requests_served"].(float64); served != 1 {
		t.Errorf("requests_served = %v, want 1", result["requests_served"])
	}
	if last, _ := result["last_enable"].(bool); !last {
		t.Errorf("last_enable = %v, want true", result["last_enable"])
	}
	if _, ok := result["uptime_seconds"]; !ok {
		t.Error("expected uptime_seconds in status")
	}
	if pid, _ := result["pid"].(float64); int(pid) != os.Getpid() {
		t.Errorf("pid = %v, want %d", result["pid"], os.Getpid())
	}
}

func TestIPCServer_ProtocolErrors(t *testing.T) {
	srv := startTestServer(t, &recordingToggler{})

	tests := []struct {
		name    string
		payload []byte
		code    int
	}{
		{"parse error", []byte("not valid json"), ErrCodeParse},
		{"missing method", []byte(`{"id":3}`), ErrCodeInvalidRequest},
		{"unknown method", []byte(`{"method":"unknown_method","id":4}`), ErrCodeMethodNotFound},
		{"toggle without params", []byte(`{"method":"toggle_file_sharing","id":5}`), ErrCodeInvalidParams},
		{"toggle with bad params", []byte(`{"method":"toggle_file_sharing","params":{"enable":"yes"},"id":6}`), ErrCodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, scanner := dialTestServer(t, srv)
			resp := roundTrip(t, conn, scanner, tt.payload)
			if resp.Error == nil {
				t.Fatalf("expected error, got result %v", resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("error code = %d, want %d", resp.Error.Code, tt.code)
			}
		})
	}
}

func TestIPCServer_MultipleClients(t *testing.T) {
	toggler := &recordingToggler{result: Result{Success: true}}
	srv := startTestServer(t, toggler)

	const clients = 4
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(id int) {
			c := NewClient(srv.SocketPath(), WithLogger(testutil.TestLogger(t)))
			defer c.Close()
			res := <-c.Invoke(context.Background(), id%2 == 0)
			if !res.Success {
				errs <- &RPCError{Message: res.Output}
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client failed: %v", err)
		}
	}
	if got := toggler.calls.Load(); got != clients {
		t.Errorf("toggle calls = %d, want %d", got, clients)
	}
}

func TestIPCServer_AllowedUIDs(t *testing.T) {
	if _, err := peerUID(nil); err == nil {
		t.Fatal("expected error for non-unix connection")
	}

	t.Run("rejects unknown uid", func(t *testing.T) {
		srv := startTestServer(t, &recordingToggler{}, WithAllowedUIDs(uint32(os.Getuid())+1))
		c := NewClient(srv.SocketPath(), WithLogger(testutil.TestLogger(t)))
		defer c.Close()

		if err := c.Ping(context.Background()); err == nil {
			t.Fatal("expected ping to fail for rejected peer")
		}
	})

	t.Run("accepts own uid", func(t *testing.T) {
		uid, err := currentPeerUIDSupported(t)
		if err != nil {
			t.Skipf("peer credentials unavailable: %v", err)
		}
		srv := startTestServer(t, &recordingToggler{}, WithAllowedUIDs(uid))
		c := NewClient(srv.SocketPath(), WithLogger(testutil.TestLogger(t)))
		defer c.Close()

		if err := c.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

// currentPeerUIDSupported reports our own UID as the kernel sees it through a
// socketpair-style loopback, skipping platforms without peer credentials.
func currentPeerUIDSupported(t *testing.T) (uint32, error) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "probe.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	server := <-accepted
	if server == nil {
		return 0, os.ErrClosed
	}
	defer server.Close()
	return peerUID(server)
}
