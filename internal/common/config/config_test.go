package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GOBBY_HOME", t.TempDir())

	cfg, err := LoadWithPath("")
	require.NoError(t, err)

	assert.Equal(t, 8765, cfg.DaemonPort)
	assert.Equal(t, filepath.Join(GobbyHome(), "gobby.db"), cfg.DatabasePath)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Events.Provider)
	assert.True(t, cfg.Memory.Enabled)
	assert.Equal(t, 60, cfg.Memory.AccessDebounceSeconds)
	assert.Equal(t, 30, cfg.SessionLifecycle.ActiveSessionPauseMinutes)
	assert.Equal(t, 24, cfg.SessionLifecycle.StaleSessionTimeoutHours)
	assert.False(t, cfg.HookExtensions.Webhooks.Enabled)
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GOBBY_HOME", dir)

	content := `
daemon_port: 9999
logging:
  level: debug
hook_extensions:
  webhooks:
    enabled: true
    endpoints:
      - name: notifier
        url: http://localhost:9000/hook
        events: [before_tool]
        can_block: true
        enabled: true
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.DaemonPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.HookExtensions.Webhooks.Endpoints, 1)

	ep := cfg.HookExtensions.Webhooks.Endpoints[0]
	assert.Equal(t, "notifier", ep.Name)
	assert.True(t, ep.CanBlock)
	// Zero timeout picks up the section default.
	assert.Equal(t, 10.0, ep.Timeout)
	assert.Equal(t, 1.0, ep.RetryDelay)
}

func TestLoadEnvSubstitution(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GOBBY_HOME", dir)
	t.Setenv("WEBHOOK_HOST", "hooks.internal")

	content := `
hook_extensions:
  webhooks:
    enabled: true
    endpoints:
      - name: primary
        url: http://${WEBHOOK_HOST}/notify
        enabled: true
      - name: fallback
        url: http://${MISSING_HOST:-localhost}/notify
        enabled: true
      - name: literal
        url: http://${UNSET_NO_DEFAULT}/notify
        enabled: true
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	eps := cfg.HookExtensions.Webhooks.Endpoints
	require.Len(t, eps, 3)
	assert.Equal(t, "http://hooks.internal/notify", eps[0].URL)
	assert.Equal(t, "http://localhost/notify", eps[1].URL)
	assert.Equal(t, "http://${UNSET_NO_DEFAULT}/notify", eps[2].URL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GOBBY_HOME", dir)

	content := `
daemon_port: 99999
logging:
  level: loud
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadWithPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon_port")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("GOBBY_TEST_TOKEN", "sekret")

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"set variable", "token: ${GOBBY_TEST_TOKEN}", "token: sekret"},
		{"unset with default", "host: ${GOBBY_TEST_UNSET:-example.com}", "host: example.com"},
		{"unset without default stays literal", "host: ${GOBBY_TEST_UNSET}", "host: ${GOBBY_TEST_UNSET}"},
		{"set variable beats default", "token: ${GOBBY_TEST_TOKEN:-fallback}", "token: sekret"},
		{"no references untouched", "plain: value", "plain: value"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExpandEnv(tc.in))
		})
	}
}

func TestMachineIDStable(t *testing.T) {
	t.Setenv("GOBBY_HOME", t.TempDir())

	first, err := MachineID()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := MachineID()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
