// Package mcp maintains the pool of long-lived MCP client connections,
// routes tool calls and resource reads, and tracks per-server health.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateFailed       = "failed"
)

// Health bands. Failures accumulate per connection; success resets.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"  // >= 3 consecutive failures
	HealthUnhealthy = "unhealthy" // >= 5 consecutive failures
)

const (
	degradedThreshold  = 3
	unhealthyThreshold = 5
)

// Supported transports.
const (
	TransportHTTP      = "http"
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

var (
	// ErrUnknownServer is returned when no connection exists for the name.
	ErrUnknownServer = errors.New("unknown mcp server")
	// ErrNotConnected is returned when a connection is down and reconnect
	// failed.
	ErrNotConnected = errors.New("mcp server not connected")
	// ErrClosed signals the transport lost its underlying stream; callers
	// retry once after a reconnect.
	ErrClosed = errors.New("mcp connection closed")
)

// CallFailedError wraps a tool call failure with its server and tool.
type CallFailedError struct {
	Server string
	Tool   string
	Err    error
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("call to %s/%s failed: %v", e.Server, e.Tool, e.Err)
}

func (e *CallFailedError) Unwrap() error { return e.Err }

// ServerConfig is one row of mcp_servers plus its decoded list fields.
type ServerConfig struct {
	ID          string  `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	ProjectID   string  `db:"project_id" json:"project_id"`
	Transport   string  `db:"transport" json:"transport"`
	URL         *string `db:"url" json:"url,omitempty"`
	Command     *string `db:"command" json:"command,omitempty"`
	Args        *string `db:"args" json:"args,omitempty"`
	Env         *string `db:"env" json:"env,omitempty"`
	Headers     *string `db:"headers" json:"headers,omitempty"`
	Enabled     bool    `db:"enabled" json:"enabled"`
	Description *string `db:"description" json:"description,omitempty"`
	CreatedAt   string  `db:"created_at" json:"created_at"`
	UpdatedAt   string  `db:"updated_at" json:"updated_at"`
}

// Validate checks the fields the transport requires.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("server name is required")
	}
	switch c.Transport {
	case TransportHTTP, TransportWebSocket, TransportSSE:
		if c.URL == nil || *c.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Transport)
		}
	case TransportStdio:
		if c.Command == nil || *c.Command == "" {
			return errors.New("stdio transport requires a command")
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	return nil
}

// ArgsList decodes the JSON args column.
func (c *ServerConfig) ArgsList() []string { return decodeStringList(c.Args) }

// EnvMap decodes the JSON env column.
func (c *ServerConfig) EnvMap() map[string]string { return decodeStringMap(c.Env) }

// HeaderMap decodes the JSON headers column.
func (c *ServerConfig) HeaderMap() map[string]string { return decodeStringMap(c.Headers) }

func decodeStringList(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeStringMap(raw *string) map[string]string {
	if raw == nil || *raw == "" {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

// ToolRecord is one cached tool schema row.
type ToolRecord struct {
	ID          string  `db:"id" json:"id"`
	McpServerID string  `db:"mcp_server_id" json:"mcp_server_id"`
	Name        string  `db:"name" json:"name"`
	Description *string `db:"description" json:"description,omitempty"`
	InputSchema *string `db:"input_schema" json:"input_schema,omitempty"`
	CreatedAt   string  `db:"created_at" json:"created_at"`
	UpdatedAt   string  `db:"updated_at" json:"updated_at"`
}

// ConnectionHealth is the mutable per-server health record.
type ConnectionHealth struct {
	State               string     `json:"state"`
	Health              string     `json:"health"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastCheck           *time.Time `json:"last_check,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastResponseMs      float64    `json:"last_response_ms,omitempty"`
}

func (h *ConnectionHealth) recordSuccess(responseMs float64) {
	h.ConsecutiveFailures = 0
	h.Health = HealthHealthy
	h.LastError = ""
	h.LastResponseMs = responseMs
	now := time.Now().UTC()
	h.LastCheck = &now
}

func (h *ConnectionHealth) recordFailure(err error) {
	h.ConsecutiveFailures++
	switch {
	case h.ConsecutiveFailures >= unhealthyThreshold:
		h.Health = HealthUnhealthy
	case h.ConsecutiveFailures >= degradedThreshold:
		h.Health = HealthDegraded
	}
	if err != nil {
		h.LastError = err.Error()
	}
	now := time.Now().UTC()
	h.LastCheck = &now
}

// AddServerResult is returned by Manager.AddServer with the fresh schemas.
type AddServerResult struct {
	Server *ServerConfig `json:"server"`
	Tools  []ToolRecord  `json:"tools"`
}
