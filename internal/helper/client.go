package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrConnection is returned when the helper cannot be reached or the
// connection breaks mid-call.
var ErrConnection = errors.New("helper connection failed")

const (
	defaultDialTimeout = 2 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Client talks to the helper over its unix socket. The connection is dialed
// on first use, reused across calls and dropped on any transport error so the
// next call dials again. Calls are serialized.
type Client struct {
	socketPath   string
	dialTimeout  time.Duration
	callTimeout  time.Duration
	logger       *log.Logger
	onInvalidate func()

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialTimeout bounds how long connecting may take.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithCallTimeout bounds a single round-trip when ctx carries no deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithInvalidationHandler registers fn to run whenever the cached connection
// is dropped.
func WithInvalidationHandler(fn func()) ClientOption {
	return func(c *Client) {
		c.onInvalidate = fn
	}
}

// NewClient creates a client for the helper listening on socketPath.
func NewClient(socketPath string, opts ...ClientOption) *Client {
	c := &Client{
		socketPath:  socketPath,
		dialTimeout: defaultDialTimeout,
		callTimeout: defaultCallTimeout,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke asks the helper to enable or disable file sharing. The returned
// channel receives exactly one Result: the helper's reply, or a local
// failure with Success=false describing why the helper could not be reached.
func (c *Client) Invoke(ctx context.Context, enable bool) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- c.toggle(ctx, enable)
	}()
	return ch
}

func (c *Client) toggle(ctx context.Context, enable bool) Result {
	var res Result
	if err := c.call(ctx, MethodToggle, ToggleParams{Enable: enable}, &res); err != nil {
		c.logger.Warn("helper call failed", "enable", enable, "error", err)
		return Result{Success: false, Output: err.Error()}
	}
	return res
}

// Ping checks that the helper answers.
func (c *Client) Ping(ctx context.Context) error {
	var out map[string]any
	if err := c.call(ctx, MethodPing, nil, &out); err != nil {
		return err
	}
	if pong, _ := out["pong"].(bool); !pong {
		return errors.New("unexpected ping response")
	}
	return nil
}

// Status returns the helper's runtime status.
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	var info StatusInfo
	err := c.call(ctx, MethodStatus, nil, &info)
	return info, err
}

// Close drops the cached connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

type rawResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	ID     int64           `json:"id"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, reader, err := c.connLocked(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	deadline := time.Now().Add(c.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	req := RPCRequest{Method: method, ID: c.nextID}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		c.invalidateLocked()
		return fmt.Errorf("%w: write: %v", ErrConnection, err)
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		c.invalidateLocked()
		return fmt.Errorf("%w: read: %v", ErrConnection, err)
	}
	_ = conn.SetDeadline(time.Time{})

	var resp rawResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		c.invalidateLocked()
		return fmt.Errorf("%w: decode response: %v", ErrConnection, err)
	}
	if resp.ID != req.ID {
		c.invalidateLocked()
		return fmt.Errorf("%w: response id %d does not match request %d", ErrConnection, resp.ID, req.ID)
	}
	if resp.Error != nil {
		return fmt.Errorf("helper error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) connLocked(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	if c.conn != nil {
		return c.conn, c.reader, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debug("connected to helper", "socket", c.socketPath)
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return c.conn, c.reader, nil
}

func (c *Client) invalidateLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.logger.Debug("helper connection invalidated")
	if c.onInvalidate != nil {
		c.onInvalidate()
	}
}
