package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"github.com/Zeeeepa/gobby-sub002/internal/db/migrate"
	"github.com/Zeeeepa/gobby-sub002/internal/project"
)

type fakeConnection struct {
	connected   bool
	connectErr  error
	callErrs    []error // consumed one per call; nil entry means success
	connects    int
	disconnects int
	calls       int
}

func (f *fakeConnection) Connect(context.Context) error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConnection) Disconnect() error {
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeConnection) IsConnected() bool { return f.connected }

func (f *fakeConnection) HealthCheck(context.Context, time.Duration) error {
	return f.nextErr()
}

func (f *fakeConnection) CallTool(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
	f.calls++
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeConnection) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeConnection) ListTools(context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "echo", Description: "echoes input"}}, nil
}

func (f *fakeConnection) nextErr() error {
	if len(f.callErrs) == 0 {
		return nil
	}
	err := f.callErrs[0]
	f.callErrs = f.callErrs[1:]
	return err
}

func newTestManager(t *testing.T) (*Manager, *fakeConnection, string) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, migrate.Run(context.Background(), store, logger.Default()))

	proj, err := project.NewRegistry(store).Create(context.Background(), "test", "/tmp/test")
	require.NoError(t, err)

	m := NewManager(store, config.MCPConfig{
		HealthCheckIntervalSeconds: 60,
		HealthCheckTimeoutSeconds:  5,
	}, logger.Default())

	fake := &fakeConnection{}
	m.factory = func(*ServerConfig, *logger.Logger) (Connection, error) { return fake, nil }

	url := "http://localhost:9999/mcp"
	_, err = m.store.Save(context.Background(), &ServerConfig{
		Name: "alpha", ProjectID: proj.ID, Transport: TransportHTTP, URL: &url, Enabled: true,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, m.ConnectAll(context.Background()))
	return m, fake, proj.ID
}

func TestCallToolUnknownServer(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CallTool(context.Background(), "nope", "echo", nil, 0)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestCallToolSuccessRecordsMetric(t *testing.T) {
	m, fake, _ := newTestManager(t)
	res, err := m.CallTool(context.Background(), "alpha", "echo", map[string]any{"x": 1}, 0)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, 1, fake.calls)

	var n int
	require.NoError(t, m.store.store.FetchValue(context.Background(), &n,
		"SELECT COUNT(*) FROM tool_metrics WHERE tool_name = 'echo' AND success = 1"))
	assert.Equal(t, 1, n)
}

func TestCallToolRetriesOnceOnClosedStream(t *testing.T) {
	m, fake, _ := newTestManager(t)
	fake.callErrs = []error{ErrClosed}

	res, err := m.CallTool(context.Background(), "alpha", "echo", nil, 0)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, 2, fake.calls)
	assert.GreaterOrEqual(t, fake.connects, 2)
}

func TestCallToolFailurePropagatesCallFailed(t *testing.T) {
	m, fake, _ := newTestManager(t)
	fake.callErrs = []error{errors.New("tool exploded")}

	_, err := m.CallTool(context.Background(), "alpha", "echo", nil, 0)
	var cf *CallFailedError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "alpha", cf.Server)

	report := m.GetHealthReport()
	assert.Equal(t, 1, report["alpha"].ConsecutiveFailures)
}

func TestCallToolReconnectsWhenDown(t *testing.T) {
	m, fake, _ := newTestManager(t)
	fake.connected = false

	_, err := m.CallTool(context.Background(), "alpha", "echo", nil, 0)
	require.NoError(t, err)
	assert.True(t, fake.connected)

	// When reconnect itself fails, the call surfaces NotConnected.
	fake.connected = false
	fake.connectErr = errors.New("refused")
	_, err = m.CallTool(context.Background(), "alpha", "echo", nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHealthBands(t *testing.T) {
	h := &ConnectionHealth{State: StateConnected, Health: HealthHealthy}
	for i := 0; i < 2; i++ {
		h.recordFailure(errors.New("x"))
	}
	assert.Equal(t, HealthHealthy, h.Health)
	h.recordFailure(errors.New("x"))
	assert.Equal(t, HealthDegraded, h.Health)
	h.recordFailure(errors.New("x"))
	h.recordFailure(errors.New("x"))
	assert.Equal(t, HealthUnhealthy, h.Health)

	h.recordSuccess(12.5)
	assert.Equal(t, HealthHealthy, h.Health)
	assert.Equal(t, 0, h.ConsecutiveFailures)
}

func TestAddAndRemoveServer(t *testing.T) {
	m, _, projectID := newTestManager(t)
	url := "http://localhost:9998/mcp"

	res, err := m.AddServer(context.Background(), &ServerConfig{
		Name: "beta", ProjectID: projectID, Transport: TransportHTTP, URL: &url, Enabled: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "echo", res.Tools[0].Name)

	cached, err := m.CachedTools(context.Background(), "beta", projectID)
	require.NoError(t, err)
	require.Len(t, cached, 1)

	require.NoError(t, m.RemoveServer(context.Background(), "beta", projectID))
	_, err = m.CallTool(context.Background(), "beta", "echo", nil, 0)
	assert.ErrorIs(t, err, ErrUnknownServer)

	cached, err = m.CachedTools(context.Background(), "beta", projectID)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestAddServerValidates(t *testing.T) {
	m, _, projectID := newTestManager(t)
	_, err := m.AddServer(context.Background(), &ServerConfig{
		Name: "bad", ProjectID: projectID, Transport: TransportHTTP,
	})
	assert.ErrorContains(t, err, "requires a url")

	_, err = m.AddServer(context.Background(), &ServerConfig{
		Name: "bad2", ProjectID: projectID, Transport: "carrier-pigeon",
	})
	assert.ErrorContains(t, err, "unsupported transport")
}

func TestConnectAllToleratesFailure(t *testing.T) {
	m, fake, _ := newTestManager(t)
	fake.connected = false
	fake.connectErr = errors.New("refused")

	// A second ConnectAll with a failing factory records the failure but
	// does not error out.
	require.NoError(t, m.ConnectAll(context.Background()))
	report := m.GetHealthReport()
	assert.Equal(t, StateFailed, report["alpha"].State)
	assert.Equal(t, HealthUnhealthy, report["alpha"].Health)
}
