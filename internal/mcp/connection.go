package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// Connection is one live MCP session, regardless of transport.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context, timeout time.Duration) error
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// newConnection builds the transport-appropriate connection for a config.
// The websocket transport is hand-rolled; the rest ride mcp-go clients.
func newConnection(cfg *ServerConfig, log *logger.Logger) (Connection, error) {
	switch cfg.Transport {
	case TransportHTTP, TransportStdio, TransportSSE:
		return &clientConnection{cfg: cfg, logger: log}, nil
	case TransportWebSocket:
		return newWSConnection(*cfg.URL, cfg.HeaderMap(), log), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// clientConnection wraps an mcp-go client for the http, stdio, and sse
// transports. State transitions: disconnected, connecting, connected, failed.
type clientConnection struct {
	cfg    *ServerConfig
	logger *logger.Logger

	mu     sync.Mutex
	client *mcpclient.Client
	state  string
}

func (c *clientConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && c.client != nil {
		return nil
	}
	c.state = StateConnecting

	cli, err := c.dial()
	if err != nil {
		c.state = StateFailed
		return err
	}

	// The stdio client starts its child process on construction; http and
	// sse need an explicit stream start.
	if c.cfg.Transport != TransportStdio {
		if err := cli.Start(ctx); err != nil {
			_ = cli.Close()
			c.state = StateFailed
			return fmt.Errorf("starting %s stream: %w", c.cfg.Transport, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "gobby", Version: "1.0.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		c.state = StateFailed
		return fmt.Errorf("initializing %s: %w", c.cfg.Name, err)
	}

	c.client = cli
	c.state = StateConnected
	c.logger.Info("mcp server connected",
		zap.String("server", c.cfg.Name),
		zap.String("transport", c.cfg.Transport))
	return nil
}

func (c *clientConnection) dial() (*mcpclient.Client, error) {
	switch c.cfg.Transport {
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if h := c.cfg.HeaderMap(); len(h) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(h))
		}
		return mcpclient.NewStreamableHttpClient(*c.cfg.URL, opts...)
	case TransportStdio:
		var env []string
		for k, v := range c.cfg.EnvMap() {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(*c.cfg.Command, env, c.cfg.ArgsList()...)
	case TransportSSE:
		return mcpclient.NewSSEMCPClient(*c.cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported transport %q", c.cfg.Transport)
	}
}

func (c *clientConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *clientConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.client != nil
}

func (c *clientConnection) HealthCheck(ctx context.Context, timeout time.Duration) error {
	cli := c.session()
	if cli == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return cli.Ping(ctx)
}

func (c *clientConnection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	cli := c.session()
	if cli == nil {
		return nil, ErrNotConnected
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := cli.CallTool(ctx, req)
	return res, wrapStreamErr(err)
}

func (c *clientConnection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	cli := c.session()
	if cli == nil {
		return nil, ErrNotConnected
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := cli.ReadResource(ctx, req)
	return res, wrapStreamErr(err)
}

func (c *clientConnection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	cli := c.session()
	if cli == nil {
		return nil, ErrNotConnected
	}
	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapStreamErr(err)
	}
	return res.Tools, nil
}

func (c *clientConnection) session() *mcpclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.client
}

// wrapStreamErr maps transport-level stream loss onto ErrClosed so the
// manager can reconnect and retry once.
func wrapStreamErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "closed") || strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "broken pipe") {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
