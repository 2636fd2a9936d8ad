// Package plugin runs external hook handlers: each plugin is a directory
// with a plugin.yaml manifest and an executable invoked with a JSON event on
// stdin, returning a JSON response on stdout.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// Manifest is the plugin.yaml shape.
type Manifest struct {
	Name   string `yaml:"name"`
	Events struct {
		Pre  []string `yaml:"pre"`
		Post []string `yaml:"post"`
	} `yaml:"events"`
	Exec struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
		Timeout float64  `yaml:"timeout"` // seconds
	} `yaml:"exec"`
}

// Plugin is one loaded plugin.
type Plugin struct {
	Manifest Manifest
	Dir      string
}

func (p *Plugin) handlesEvent(eventType string, pre bool) bool {
	events := p.Manifest.Events.Post
	if pre {
		events = p.Manifest.Events.Pre
	}
	for _, e := range events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Registry holds the loaded plugins.
type Registry struct {
	plugins []*Plugin
	logger  *logger.Logger
}

// LoadRegistry scans the configured plugin directories. Load errors are
// logged per plugin and never abort startup.
func LoadRegistry(cfg config.PluginsConfig, log *logger.Logger) *Registry {
	r := &Registry{logger: log.WithFields(zap.String("component", "plugin_host"))}
	if !cfg.Enabled {
		return r
	}

	for _, dir := range cfg.PluginDirs {
		dir = expandHome(dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn("reading plugin dir failed", zap.String("dir", dir), zap.Error(err))
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			p, err := loadPlugin(filepath.Join(dir, e.Name()))
			if err != nil {
				r.logger.Warn("skipping plugin",
					zap.String("plugin", e.Name()), zap.Error(err))
				continue
			}
			r.plugins = append(r.plugins, p)
		}
	}
	r.logger.Info("plugins loaded", zap.Int("count", len(r.plugins)))
	return r
}

func loadPlugin(dir string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, "plugin.yaml"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing plugin.yaml: %w", err)
	}
	if m.Name == "" || m.Exec.Command == "" {
		return nil, fmt.Errorf("plugin.yaml requires name and exec.command")
	}
	return &Plugin{Manifest: m, Dir: dir}, nil
}

// Plugins returns the loaded plugins.
func (r *Registry) Plugins() []*Plugin { return r.plugins }

// invocation is the JSON document written to a plugin's stdin.
type invocation struct {
	Event        map[string]any `json:"event"`
	Pre          bool           `json:"pre"`
	CoreResponse map[string]any `json:"core_response,omitempty"`
}

// Response is the JSON document a plugin writes to stdout. Fields mirror a
// hook response; empty decision means pass-through.
type Response struct {
	Decision      string         `json:"decision,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Context       string         `json:"context,omitempty"`
	SystemMessage string         `json:"system_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// invoke runs the plugin subprocess with the invocation on stdin.
func (p *Plugin) invoke(ctx context.Context, inv invocation) (*Response, error) {
	timeout := time.Duration(p.Manifest.Exec.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.Manifest.Exec.Command, p.Manifest.Exec.Args...)
	cmd.Dir = p.Dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("plugin %s: %w (stderr: %s)",
			p.Manifest.Name, err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("plugin %s returned invalid JSON: %w", p.Manifest.Name, err)
	}
	return &resp, nil
}

// RunPluginHandlers invokes every plugin handling the event. Pre-handlers
// may short-circuit with block/deny; post-handlers may only observe and
// annotate. One broken plugin never poisons the rest.
func RunPluginHandlers(ctx context.Context, r *Registry, event map[string]any, pre bool, coreResponse map[string]any) (*Response, error) {
	if r == nil || len(r.plugins) == 0 {
		return nil, nil
	}
	eventType, _ := event["event_type"].(string)

	var merged *Response
	for _, p := range r.plugins {
		if !p.handlesEvent(eventType, pre) {
			continue
		}
		resp, err := p.invoke(ctx, invocation{Event: event, Pre: pre, CoreResponse: coreResponse})
		if err != nil {
			r.logger.Warn("plugin handler failed",
				zap.String("plugin", p.Manifest.Name),
				zap.String("event_type", eventType),
				zap.Bool("pre", pre),
				zap.Error(err))
			continue
		}
		if resp == nil {
			continue
		}

		if pre && (resp.Decision == "block" || resp.Decision == "deny") {
			return resp, nil
		}
		merged = mergeResponses(merged, resp)
	}
	return merged, nil
}

func mergeResponses(base, next *Response) *Response {
	if base == nil {
		out := *next
		if out.Decision == "block" || out.Decision == "deny" {
			// Post-handlers cannot block.
			out.Decision = ""
		}
		return &out
	}
	if next.Context != "" {
		if base.Context != "" {
			base.Context += "\n\n"
		}
		base.Context += next.Context
	}
	if next.SystemMessage != "" {
		base.SystemMessage = next.SystemMessage
	}
	for k, v := range next.Metadata {
		if base.Metadata == nil {
			base.Metadata = map[string]any{}
		}
		base.Metadata[k] = v
	}
	return base
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
