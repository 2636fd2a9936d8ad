package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// TestNewWiresEverySubsystem builds a daemon against a scratch state dir and
// tears it down without ever starting the HTTP server.
func TestNewWiresEverySubsystem(t *testing.T) {
	t.Setenv("GOBBY_HOME", t.TempDir())

	cfg, err := config.LoadWithPath("")
	require.NoError(t, err)

	d, err := New(cfg, logger.Default())
	require.NoError(t, err)

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.projects)
	assert.NotNil(t, d.tasks)
	assert.NotNil(t, d.memories)
	assert.NotNil(t, d.mcp)
	assert.NotNil(t, d.engine)
	assert.NotNil(t, d.webhooks)
	assert.NotNil(t, d.plugins)
	assert.NotNil(t, d.pipeline)
	assert.NotNil(t, d.server)

	// WebSocket and metrics default on.
	assert.NotNil(t, d.hub)
	assert.NotNil(t, d.broadcaster)
	assert.NotNil(t, d.metrics)

	ready, status := d.health.Snapshot()
	assert.False(t, ready)
	assert.Equal(t, "starting", status)

	d.shutdown()
}

// TestNewWithGatewayAndMetricsDisabled leaves the optional surfaces nil.
func TestNewWithGatewayAndMetricsDisabled(t *testing.T) {
	t.Setenv("GOBBY_HOME", t.TempDir())

	cfg, err := config.LoadWithPath("")
	require.NoError(t, err)
	cfg.WebSocket.Enabled = false
	cfg.Metrics.Enabled = false

	d, err := New(cfg, logger.Default())
	require.NoError(t, err)
	defer d.shutdown()

	assert.Nil(t, d.hub)
	assert.Nil(t, d.broadcaster)
	assert.Nil(t, d.metrics)
}
