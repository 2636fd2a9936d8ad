package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// wsConnection speaks MCP's JSON-RPC 2.0 over a single websocket. mcp-go
// ships no websocket client transport, so requests are correlated by id
// through a pending-call map fed by one reader goroutine.
type wsConnection struct {
	url     string
	headers map[string]string
	logger  *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   string
	pending map[int64]chan *wsResponse

	nextID atomic.Int64
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wsResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func newWSConnection(url string, headers map[string]string, log *logger.Logger) *wsConnection {
	return &wsConnection{
		url:     url,
		headers: headers,
		logger:  log.WithFields(zap.String("transport", "websocket")),
		state:   StateDisconnected,
	}
}

func (c *wsConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting

	header := http.Header{}
	for k, v := range c.headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.state = StateFailed
		c.mu.Unlock()
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	c.conn = conn
	c.pending = make(map[int64]chan *wsResponse)
	c.state = StateConnected
	go c.readLoop(conn)
	c.mu.Unlock()

	_, err = c.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo":      map[string]any{"name": "gobby", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		c.mu.Lock()
		c.closeLocked()
		c.state = StateFailed
		c.mu.Unlock()
		return fmt.Errorf("initializing websocket session: %w", err)
	}
	return nil
}

// readLoop fans responses out to their pending callers until the socket
// drops, then fails every in-flight call with ErrClosed.
func (c *wsConnection) readLoop(conn *websocket.Conn) {
	for {
		var resp wsResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.state = StateDisconnected
				c.conn = nil
				for id, ch := range c.pending {
					close(ch)
					delete(c.pending, id)
				}
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// call sends one JSON-RPC request and waits for its correlated response.
func (c *wsConnection) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *wsResponse, 1)

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	conn := c.conn
	err := conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *wsConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.state = StateDisconnected
	return nil
}

func (c *wsConnection) closeLocked() {
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *wsConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

func (c *wsConnection) HealthCheck(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.call(ctx, "ping", nil)
	return err
}

func (c *wsConnection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return &res, nil
}

func (c *wsConnection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	raw, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var res mcp.ReadResourceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding resource result: %w", err)
	}
	return &res, nil
}

func (c *wsConnection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tool list: %w", err)
	}
	return res.Tools, nil
}
