// Package config provides configuration management for the gobby daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	DaemonPort               int    `mapstructure:"daemon_port"`
	DaemonHealthCheckInterval int   `mapstructure:"daemon_health_check_interval"` // seconds
	DatabasePath             string `mapstructure:"database_path"`

	Logging          LoggingConfig          `mapstructure:"logging"`
	WebSocket        WebSocketConfig        `mapstructure:"websocket"`
	Events           EventsConfig           `mapstructure:"events"`
	LLMProviders     map[string]LLMProvider `mapstructure:"llm_providers"`
	LLMDefaultProvider string               `mapstructure:"llm_default_provider"`
	Memory           MemoryConfig           `mapstructure:"memory"`
	HookExtensions   HookExtensionsConfig   `mapstructure:"hook_extensions"`
	SessionLifecycle SessionLifecycleConfig `mapstructure:"session_lifecycle"`
	GobbyTasks       TasksConfig            `mapstructure:"gobby_tasks"`
	MCP              MCPConfig              `mapstructure:"mcp"`
	Workflows        WorkflowsConfig        `mapstructure:"workflows"`
	Tracing          TracingConfig          `mapstructure:"tracing"`
	Metrics          MetricsConfig          `mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// WebSocketConfig controls the event-broadcast gateway.
type WebSocketConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Port            int      `mapstructure:"port"`
	BroadcastEvents []string `mapstructure:"broadcast_events"`
}

// EventsConfig selects the internal event bus implementation.
type EventsConfig struct {
	Provider string `mapstructure:"provider"` // memory, nats
	NATSURL  string `mapstructure:"nats_url"`
}

// LLMProvider describes one configured LLM backend.
type LLMProvider struct {
	Provider  string `mapstructure:"provider"` // openai, anthropic, openai-compatible
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// MemoryConfig controls the memory registry behavior.
type MemoryConfig struct {
	Enabled              bool             `mapstructure:"enabled"`
	AutoRecallLimit      int              `mapstructure:"auto_recall_limit"`
	AccessDebounceSeconds int             `mapstructure:"access_debounce_seconds"`
	DecayRatePerMonth    float64          `mapstructure:"decay_rate_per_month"`
	DecayFloor           float64          `mapstructure:"decay_floor"`
	Sync                 MemorySyncConfig `mapstructure:"sync"`
}

// MemorySyncConfig controls markdown export of memories.
type MemorySyncConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	Stealth         bool `mapstructure:"stealth"`
	DebounceSeconds int  `mapstructure:"debounce_seconds"`
}

// HookExtensionsConfig groups webhook and plugin extension points.
type HookExtensionsConfig struct {
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
}

// WebhooksConfig configures outbound webhook dispatch.
type WebhooksConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	Endpoints      []WebhookEndpoint `mapstructure:"endpoints"`
	DefaultTimeout float64           `mapstructure:"default_timeout"` // seconds
	AsyncDispatch  bool              `mapstructure:"async_dispatch"`
}

// WebhookEndpoint is one configured webhook target. URL and header values
// support ${ENV} substitution at dispatch time.
type WebhookEndpoint struct {
	Name       string            `mapstructure:"name"`
	URL        string            `mapstructure:"url"`
	Events     []string          `mapstructure:"events"` // empty = all
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    float64           `mapstructure:"timeout"`     // seconds, 1-60
	RetryCount int               `mapstructure:"retry_count"` // 0-10
	RetryDelay float64           `mapstructure:"retry_delay"` // seconds, 0.1-30
	CanBlock   bool              `mapstructure:"can_block"`
	Enabled    bool              `mapstructure:"enabled"`
}

// TimeoutDuration returns the endpoint timeout as a time.Duration.
func (w *WebhookEndpoint) TimeoutDuration() time.Duration {
	return time.Duration(w.Timeout * float64(time.Second))
}

// RetryDelayDuration returns the base retry delay as a time.Duration.
func (w *WebhookEndpoint) RetryDelayDuration() time.Duration {
	return time.Duration(w.RetryDelay * float64(time.Second))
}

// PluginsConfig configures the plugin host.
type PluginsConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	PluginDirs   []string `mapstructure:"plugin_dirs"`
	AutoDiscover bool     `mapstructure:"auto_discover"`
}

// SessionLifecycleConfig controls the background session sweepers.
type SessionLifecycleConfig struct {
	ActiveSessionPauseMinutes            int `mapstructure:"active_session_pause_minutes"`
	StaleSessionTimeoutHours             int `mapstructure:"stale_session_timeout_hours"`
	ExpireCheckIntervalMinutes           int `mapstructure:"expire_check_interval_minutes"`
	TranscriptProcessingIntervalMinutes  int `mapstructure:"transcript_processing_interval_minutes"`
	TranscriptProcessingBatchSize        int `mapstructure:"transcript_processing_batch_size"`
}

// TasksConfig controls task expansion and validation behavior.
type TasksConfig struct {
	Expansion  TaskExpansionConfig  `mapstructure:"expansion"`
	Validation TaskValidationConfig `mapstructure:"validation"`
}

// TaskExpansionConfig controls automatic subtask expansion.
type TaskExpansionConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	DefaultSubtasks int  `mapstructure:"default_subtasks"`
}

// TaskValidationConfig controls task completion validation.
type TaskValidationConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	MaxFailCount int  `mapstructure:"max_fail_count"`
}

// MCPConfig controls the MCP connection pool.
type MCPConfig struct {
	HealthCheckIntervalSeconds int `mapstructure:"health_check_interval_seconds"`
	HealthCheckTimeoutSeconds  int `mapstructure:"health_check_timeout_seconds"`
}

// WorkflowsConfig points at the directory of workflow definitions.
type WorkflowsConfig struct {
	Dir string `mapstructure:"dir"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HealthCheckInterval returns the daemon health check interval as a duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.DaemonHealthCheckInterval) * time.Second
}

// GobbyHome returns the daemon state directory, ~/.gobby by default.
// GOBBY_HOME overrides it, which tests rely on.
func GobbyHome() string {
	if home := os.Getenv("GOBBY_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".gobby"
	}
	return filepath.Join(userHome, ".gobby")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon_port", 8765)
	v.SetDefault("daemon_health_check_interval", 30)
	v.SetDefault("database_path", filepath.Join(GobbyHome(), "gobby.db"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")

	// WebSocket defaults
	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.port", 8766)
	v.SetDefault("websocket.broadcast_events", []string{})

	// Events defaults - memory bus unless NATS is configured
	v.SetDefault("events.provider", "memory")
	v.SetDefault("events.nats_url", "")

	v.SetDefault("llm_default_provider", "")

	// Memory defaults
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.auto_recall_limit", 5)
	v.SetDefault("memory.access_debounce_seconds", 60)
	v.SetDefault("memory.decay_rate_per_month", 0.05)
	v.SetDefault("memory.decay_floor", 0.1)
	v.SetDefault("memory.sync.enabled", false)
	v.SetDefault("memory.sync.stealth", true)
	v.SetDefault("memory.sync.debounce_seconds", 30)

	// Hook extension defaults
	v.SetDefault("hook_extensions.webhooks.enabled", false)
	v.SetDefault("hook_extensions.webhooks.default_timeout", 10.0)
	v.SetDefault("hook_extensions.webhooks.async_dispatch", true)
	v.SetDefault("hook_extensions.plugins.enabled", false)
	v.SetDefault("hook_extensions.plugins.plugin_dirs", []string{filepath.Join(GobbyHome(), "plugins")})
	v.SetDefault("hook_extensions.plugins.auto_discover", true)

	// Session lifecycle defaults
	v.SetDefault("session_lifecycle.active_session_pause_minutes", 30)
	v.SetDefault("session_lifecycle.stale_session_timeout_hours", 24)
	v.SetDefault("session_lifecycle.expire_check_interval_minutes", 10)
	v.SetDefault("session_lifecycle.transcript_processing_interval_minutes", 15)
	v.SetDefault("session_lifecycle.transcript_processing_batch_size", 5)

	// Task defaults
	v.SetDefault("gobby_tasks.expansion.enabled", false)
	v.SetDefault("gobby_tasks.expansion.default_subtasks", 5)
	v.SetDefault("gobby_tasks.validation.enabled", false)
	v.SetDefault("gobby_tasks.validation.max_fail_count", 3)

	// MCP pool defaults
	v.SetDefault("mcp.health_check_interval_seconds", 60)
	v.SetDefault("mcp.health_check_timeout_seconds", 5)

	v.SetDefault("workflows.dir", filepath.Join(GobbyHome(), "workflows"))

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from environment variables, the default config
// file (~/.gobby/config.yaml), and defaults.
// Environment variables use the prefix GOBBY_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath(filepath.Join(GobbyHome(), "config.yaml"))
}

// LoadWithPath reads configuration from the specified file. The raw YAML is
// passed through env-var substitution (${VAR} and ${VAR:-default}) before
// parsing; a missing config file is not an error.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err == nil {
			expanded := ExpandEnv(string(raw))
			if err := v.ReadConfig(strings.NewReader(expanded)); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error opening config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEndpointDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEndpointDefaults fills per-endpoint zero values from section defaults
// and clamps them into their documented ranges.
func applyEndpointDefaults(cfg *Config) {
	for i := range cfg.HookExtensions.Webhooks.Endpoints {
		ep := &cfg.HookExtensions.Webhooks.Endpoints[i]
		if ep.Timeout == 0 {
			ep.Timeout = cfg.HookExtensions.Webhooks.DefaultTimeout
		}
		if ep.Timeout < 1 {
			ep.Timeout = 1
		}
		if ep.Timeout > 60 {
			ep.Timeout = 60
		}
		if ep.RetryCount < 0 {
			ep.RetryCount = 0
		}
		if ep.RetryCount > 10 {
			ep.RetryCount = 10
		}
		if ep.RetryDelay == 0 {
			ep.RetryDelay = 1.0
		}
		if ep.RetryDelay < 0.1 {
			ep.RetryDelay = 0.1
		}
		if ep.RetryDelay > 30 {
			ep.RetryDelay = 30
		}
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DaemonPort <= 0 || cfg.DaemonPort > 65535 {
		errs = append(errs, "daemon_port must be between 1 and 65535")
	}
	if cfg.DatabasePath == "" {
		errs = append(errs, "database_path is required")
	}
	if cfg.WebSocket.Enabled && (cfg.WebSocket.Port <= 0 || cfg.WebSocket.Port > 65535) {
		errs = append(errs, "websocket.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Events.Provider {
	case "memory", "nats":
	default:
		errs = append(errs, "events.provider must be one of: memory, nats")
	}
	if cfg.Events.Provider == "nats" && cfg.Events.NATSURL == "" {
		errs = append(errs, "events.nats_url is required when events.provider is nats")
	}

	if cfg.LLMDefaultProvider != "" {
		if _, ok := cfg.LLMProviders[cfg.LLMDefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("llm_default_provider %q is not defined in llm_providers", cfg.LLMDefaultProvider))
		}
	}

	if cfg.Memory.DecayRatePerMonth < 0 || cfg.Memory.DecayRatePerMonth > 1 {
		errs = append(errs, "memory.decay_rate_per_month must be between 0 and 1")
	}
	if cfg.Memory.DecayFloor < 0 || cfg.Memory.DecayFloor > 1 {
		errs = append(errs, "memory.decay_floor must be between 0 and 1")
	}

	for _, ep := range cfg.HookExtensions.Webhooks.Endpoints {
		if ep.Name == "" {
			errs = append(errs, "webhook endpoint name is required")
		}
		if ep.URL == "" {
			errs = append(errs, fmt.Sprintf("webhook endpoint %q: url is required", ep.Name))
		}
	}

	if cfg.SessionLifecycle.ActiveSessionPauseMinutes <= 0 {
		errs = append(errs, "session_lifecycle.active_session_pause_minutes must be positive")
	}
	if cfg.SessionLifecycle.StaleSessionTimeoutHours <= 0 {
		errs = append(errs, "session_lifecycle.stale_session_timeout_hours must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
