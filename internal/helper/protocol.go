// Package helper implements the privileged file-sharing helper and the
// client used by the front-end to reach it.
//
// The helper runs as root under launchd and speaks line-delimited JSON-RPC
// over a unix socket. Each line is one RPCRequest; each reply is one
// RPCResponse carrying the same ID.
package helper

import "encoding/json"

// RPC method names.
const (
	MethodPing   = "ping"
	MethodStatus = "status"
	MethodToggle = "toggle_file_sharing"
)

// JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// RPCRequest is a single request line.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     int64           `json:"id"`
}

// RPCResponse is a single response line.
type RPCResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
	ID     int64     `json:"id"`
}

// RPCError describes a protocol-level failure. A launchctl failure is not an
// RPCError; it is a Result with Success=false.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// ToggleParams are the parameters of toggle_file_sharing.
type ToggleParams struct {
	Enable bool `json:"enable"`
}

// Result is the helper's report of a toggle: whether the service-control
// command exited 0, and what it printed.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// StatusInfo is returned by the status method.
type StatusInfo struct {
	PID            int     `json:"pid"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	RequestsServed int64   `json:"requests_served"`
	LastEnable     *bool   `json:"last_enable,omitempty"`
	LastResult     *Result `json:"last_result,omitempty"`
}
