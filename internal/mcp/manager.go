package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// connectionFactory builds a Connection for a config. Tests swap it for a
// fake.
type connectionFactory func(cfg *ServerConfig, log *logger.Logger) (Connection, error)

// Manager owns the connection pool: one Connection plus one health record
// per enabled server, a background health monitor, and call routing with a
// single reconnect-retry on stream loss.
type Manager struct {
	store   *ServerStore
	cfg     config.MCPConfig
	logger  *logger.Logger
	factory connectionFactory

	mu      sync.RWMutex
	conns   map[string]Connection
	health  map[string]*ConnectionHealth
	configs map[string]*ServerConfig
}

// NewManager creates the pool manager. Connections are not opened until
// ConnectAll.
func NewManager(store *db.Store, cfg config.MCPConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:   NewServerStore(store),
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "mcp_pool")),
		factory: newConnection,
		conns:   make(map[string]Connection),
		health:  make(map[string]*ConnectionHealth),
		configs: make(map[string]*ServerConfig),
	}
}

// ConnectAll connects every enabled server concurrently. Individual
// failures are recorded in the health map; they never block the rest.
func (m *Manager) ConnectAll(ctx context.Context) error {
	configs, err := m.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("loading server configs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		g.Go(func() error {
			m.connectOne(gctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.RLock()
	n := len(m.conns)
	m.mu.RUnlock()
	m.logger.Info("mcp pool connected", zap.Int("servers", n), zap.Int("configured", len(configs)))
	return nil
}

func (m *Manager) connectOne(ctx context.Context, cfg *ServerConfig) {
	health := &ConnectionHealth{State: StateConnecting, Health: HealthHealthy}
	m.mu.Lock()
	m.configs[cfg.Name] = cfg
	m.health[cfg.Name] = health
	m.mu.Unlock()

	conn, err := m.factory(cfg, m.logger)
	if err == nil {
		err = conn.Connect(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		health.State = StateFailed
		health.Health = HealthUnhealthy
		health.LastError = err.Error()
		m.logger.Warn("mcp server connect failed",
			zap.String("server", cfg.Name), zap.Error(err))
		return
	}
	health.State = StateConnected
	m.conns[cfg.Name] = conn
}

// DisconnectAll tears every connection down concurrently and clears the
// pool.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]Connection)
	m.health = make(map[string]*ConnectionHealth)
	m.configs = make(map[string]*ServerConfig)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for name, conn := range conns {
		g.Go(func() error {
			if err := conn.Disconnect(); err != nil {
				m.logger.Warn("mcp disconnect failed",
					zap.String("server", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunHealthMonitor ticks health checks until ctx is cancelled. Unhealthy
// connections are reconnected immediately.
func (m *Manager) RunHealthMonitor(ctx context.Context) {
	interval := time.Duration(m.cfg.HealthCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	timeout := time.Duration(m.cfg.HealthCheckTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.mu.RLock()
		conn := m.conns[name]
		health := m.health[name]
		m.mu.RUnlock()
		if conn == nil || health == nil {
			continue
		}

		err := conn.HealthCheck(ctx, timeout)
		m.mu.Lock()
		if err != nil {
			health.recordFailure(err)
		} else {
			health.recordSuccess(health.LastResponseMs)
		}
		unhealthy := health.Health == HealthUnhealthy
		m.mu.Unlock()

		if unhealthy {
			m.logger.Warn("mcp server unhealthy, reconnecting", zap.String("server", name))
			if err := m.reconnect(ctx, name); err != nil {
				m.logger.Warn("mcp reconnect failed",
					zap.String("server", name), zap.Error(err))
			}
		}
	}
}

func (m *Manager) reconnect(ctx context.Context, name string) error {
	m.mu.RLock()
	conn := m.conns[name]
	health := m.health[name]
	m.mu.RUnlock()
	if conn == nil {
		return ErrUnknownServer
	}

	_ = conn.Disconnect()
	err := conn.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if health != nil {
			health.State = StateFailed
			health.LastError = err.Error()
		}
		return err
	}
	if health != nil {
		health.State = StateConnected
		health.Health = HealthHealthy
		health.ConsecutiveFailures = 0
		health.LastError = ""
	}
	return nil
}

// AddServer validates and connects a new server, caches its tool schemas,
// and persists both. Returns the fresh schemas.
func (m *Manager) AddServer(ctx context.Context, cfg *ServerConfig) (*AddServerResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := m.factory(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Name, err)
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("listing tools on %s: %w", cfg.Name, err)
	}

	records, err := m.store.Save(ctx, cfg, tools)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("persisting server %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	m.configs[cfg.Name] = cfg
	m.conns[cfg.Name] = conn
	m.health[cfg.Name] = &ConnectionHealth{State: StateConnected, Health: HealthHealthy}
	m.mu.Unlock()

	m.logger.Info("mcp server added",
		zap.String("server", cfg.Name), zap.Int("tools", len(records)))
	return &AddServerResult{Server: cfg, Tools: records}, nil
}

// RemoveServer disconnects best-effort, drops the server from the pool, and
// deletes it from the store. Cached tools and embeddings cascade.
func (m *Manager) RemoveServer(ctx context.Context, name, projectID string) error {
	m.mu.Lock()
	conn := m.conns[name]
	delete(m.conns, name)
	delete(m.health, name)
	delete(m.configs, name)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			m.logger.Warn("mcp disconnect during remove failed",
				zap.String("server", name), zap.Error(err))
		}
	}
	return m.store.Delete(ctx, name, projectID)
}

// CallTool routes one tool call: unknown server fails fast, a down
// connection gets one reconnect, and a closed stream mid-call gets one
// reconnect-retry. Outcome and latency land in tool_metrics.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	conn, health, cfg, err := m.route(ctx, server)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := conn.CallTool(callCtx, tool, args)
	if errors.Is(err, ErrClosed) {
		m.markDisconnected(server)
		if rerr := m.reconnect(ctx, server); rerr == nil {
			res, err = conn.CallTool(callCtx, tool, args)
		}
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	m.recordOutcome(ctx, cfg, health, tool, elapsed, err)
	if err != nil {
		return nil, &CallFailedError{Server: server, Tool: tool, Err: err}
	}
	return res, nil
}

// ReadResource follows the same routing and retry pattern as CallTool.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) (*mcp.ReadResourceResult, error) {
	conn, health, cfg, err := m.route(ctx, server)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := conn.ReadResource(ctx, uri)
	if errors.Is(err, ErrClosed) {
		m.markDisconnected(server)
		if rerr := m.reconnect(ctx, server); rerr == nil {
			res, err = conn.ReadResource(ctx, uri)
		}
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	m.recordOutcome(ctx, cfg, health, "resources/read", elapsed, err)
	if err != nil {
		return nil, &CallFailedError{Server: server, Tool: uri, Err: err}
	}
	return res, nil
}

// route finds the connection and ensures it is up, reconnecting once if
// not.
func (m *Manager) route(ctx context.Context, server string) (Connection, *ConnectionHealth, *ServerConfig, error) {
	m.mu.RLock()
	conn := m.conns[server]
	health := m.health[server]
	cfg := m.configs[server]
	m.mu.RUnlock()

	if conn == nil {
		return nil, nil, nil, ErrUnknownServer
	}
	if !conn.IsConnected() {
		if err := m.reconnect(ctx, server); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrNotConnected, server)
		}
	}
	return conn, health, cfg, nil
}

func (m *Manager) markDisconnected(server string) {
	m.mu.Lock()
	if h := m.health[server]; h != nil {
		h.State = StateDisconnected
	}
	m.mu.Unlock()
}

func (m *Manager) recordOutcome(ctx context.Context, cfg *ServerConfig, health *ConnectionHealth, tool string, elapsedMs float64, callErr error) {
	m.mu.Lock()
	if health != nil {
		if callErr != nil {
			health.recordFailure(callErr)
		} else {
			health.recordSuccess(elapsedMs)
		}
	}
	m.mu.Unlock()

	if cfg != nil && cfg.ID != "" {
		if err := m.store.RecordMetric(ctx, cfg.ID, tool, elapsedMs, callErr); err != nil {
			m.logger.Debug("tool metric write failed", zap.Error(err))
		}
	}
}

// ListTools returns the live tool list for a connected server.
func (m *Manager) ListTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	conn, _, _, err := m.route(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}

// CachedTools returns the persisted tool schemas for a server.
func (m *Manager) CachedTools(ctx context.Context, server, projectID string) ([]ToolRecord, error) {
	return m.store.CachedTools(ctx, server, projectID)
}

// GetHealthReport snapshots per-server health.
func (m *Manager) GetHealthReport() map[string]ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ConnectionHealth, len(m.health))
	for name, h := range m.health {
		out[name] = *h
	}
	return out
}
