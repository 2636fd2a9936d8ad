// Package daemon wires every subsystem together and owns the process
// lifecycle: store, bus, registries, MCP pool, workflow engine, extension
// points, gateway, hook pipeline, HTTP server, and the background loops.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"github.com/Zeeeepa/gobby-sub002/internal/db/migrate"
	"github.com/Zeeeepa/gobby-sub002/internal/events"
	gatewayws "github.com/Zeeeepa/gobby-sub002/internal/gateway/websocket"
	"github.com/Zeeeepa/gobby-sub002/internal/hooks"
	"github.com/Zeeeepa/gobby-sub002/internal/httpapi"
	"github.com/Zeeeepa/gobby-sub002/internal/llm"
	"github.com/Zeeeepa/gobby-sub002/internal/mcp"
	"github.com/Zeeeepa/gobby-sub002/internal/memory"
	"github.com/Zeeeepa/gobby-sub002/internal/metrics"
	"github.com/Zeeeepa/gobby-sub002/internal/observability/tracing"
	"github.com/Zeeeepa/gobby-sub002/internal/plugin"
	"github.com/Zeeeepa/gobby-sub002/internal/project"
	"github.com/Zeeeepa/gobby-sub002/internal/session"
	"github.com/Zeeeepa/gobby-sub002/internal/spawn"
	"github.com/Zeeeepa/gobby-sub002/internal/task"
	"github.com/Zeeeepa/gobby-sub002/internal/transcript"
	"github.com/Zeeeepa/gobby-sub002/internal/webhook"
	"github.com/Zeeeepa/gobby-sub002/internal/workflow"
)

// Daemon holds every wired subsystem.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger

	store      *db.Store
	bus        *events.ProvidedBus
	busCleanup func() error

	sessions *session.Registry
	projects *project.Registry
	tasks    *task.Registry
	memories *memory.Registry

	mcp         *mcp.Manager
	engine      *workflow.Engine
	webhooks    *webhook.Dispatcher
	plugins     *plugin.Registry
	hub         *gatewayws.Hub
	broadcaster *gatewayws.EventBroadcaster
	health      *hooks.HealthState
	metrics     *metrics.Collector
	pipeline    *hooks.Pipeline
	server      *httpapi.Server
	llm         llm.Service
}

// New builds the daemon. Wiring order follows dependency order; a failure
// anywhere aborts startup.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: log}

	tracing.Init(cfg.Tracing.Enabled, cfg.Tracing.Endpoint)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}

	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	d.store = store

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := migrate.Run(ctx, store, log); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initializing event bus: %w", err)
	}
	d.bus = provided
	d.busCleanup = cleanup

	if cfg.Metrics.Enabled {
		d.metrics = metrics.New()
	}

	d.sessions = session.NewRegistry(store, log)
	d.projects = project.NewRegistry(store)
	d.tasks = task.NewRegistry(store, log)
	d.memories = memory.NewRegistry(store, cfg.Memory, log)
	memorySync := memory.NewSyncManager(d.memories, cfg.Memory.Sync, log)

	d.llm = llm.New(cfg.LLMProviders, cfg.LLMDefaultProvider, log)
	transcripts := transcript.NewProcessor()
	spawner := spawn.NewExecSpawner(log)

	d.mcp = mcp.NewManager(store, cfg.MCP, log)
	// Assign the observer only when the collector exists, so the interface
	// stays nil rather than holding a nil pointer.
	var whObs webhook.MetricsObserver
	if d.metrics != nil {
		whObs = d.metrics
	}
	d.webhooks = webhook.NewDispatcher(cfg.HookExtensions.Webhooks, whObs, log)
	d.plugins = plugin.LoadRegistry(cfg.HookExtensions.Plugins, log)

	var actionObs workflow.ActionObserver
	if d.metrics != nil {
		actionObs = d.metrics
	}
	definitions := workflow.LoadDefinitions(cfg.Workflows.Dir, log)
	d.engine = workflow.NewEngine(definitions, store, workflow.Deps{
		Store:       store,
		Sessions:    d.sessions,
		Tasks:       d.tasks,
		Memory:      d.memories,
		MemorySync:  memorySync,
		LLM:         d.llm,
		Transcripts: transcripts,
		Spawner:     spawner,
		Webhooks:    d.webhooks,
		ToolProxy:   func() workflow.ToolCaller { return d.mcp },
		Metrics:     actionObs,
	}, log)

	if cfg.WebSocket.Enabled {
		var wsObs gatewayws.ClientObserver
		if d.metrics != nil {
			wsObs = d.metrics
		}
		d.hub = gatewayws.NewHub(wsObs, log)
		d.broadcaster, err = gatewayws.NewEventBroadcaster(d.hub, provided.Bus, cfg.WebSocket, log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("wiring broadcaster: %w", err)
		}
	}

	d.health = hooks.NewHealthState()

	pipelineDeps := hooks.Deps{
		Sessions:  d.sessions,
		Projects:  d.projects,
		Tasks:     d.tasks,
		Workflows: d.engine,
		Webhooks:  d.webhooks,
		Plugins:   d.plugins,
		Health:    d.health,
		Logger:    log,
	}
	if d.broadcaster != nil {
		pipelineDeps.Broadcaster = d.broadcaster
	}
	d.pipeline = hooks.NewPipeline(pipelineDeps)

	var wsHandler *gatewayws.Handler
	if d.hub != nil {
		wsHandler = gatewayws.NewHandler(d.hub, log)
	}
	d.server = httpapi.New(httpapi.Deps{
		Config:   cfg,
		Pipeline: d.pipeline,
		MCP:      d.mcp,
		Health:   d.health,
		Metrics:  d.metrics,
		WS:       wsHandler,
		Logger:   log,
	})

	return d, nil
}

// Run starts every background loop and the HTTP server, then blocks until
// ctx is cancelled and shutdown completes.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.hub != nil {
		go d.hub.Run(runCtx)
	}

	if err := d.mcp.ConnectAll(runCtx); err != nil {
		d.logger.Warn("mcp connect_all reported failures", zap.Error(err))
	}
	go d.mcp.RunHealthMonitor(runCtx)

	go d.runSessionSweeper(runCtx)
	go d.runTranscriptLoop(runCtx)
	go d.runMemoryDecay(runCtx)
	go d.runHealthMonitor(runCtx)

	d.health.Set(true, "healthy")

	serverErr := make(chan error, 1)
	go func() { serverErr <- d.server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			d.shutdown()
			return fmt.Errorf("http server: %w", err)
		}
	case <-runCtx.Done():
	}

	d.health.Set(false, "shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("http server shutdown error", zap.Error(err))
	}

	d.shutdown()
	d.logger.Info("gobby stopped")
	return nil
}

// shutdown releases resources in reverse dependency order.
func (d *Daemon) shutdown() {
	disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	d.mcp.DisconnectAll(disconnectCtx)
	cancel()

	d.webhooks.Close()
	if d.broadcaster != nil {
		d.broadcaster.Close()
	}
	if d.busCleanup != nil {
		if err := d.busCleanup(); err != nil {
			d.logger.Warn("event bus close error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		d.logger.Warn("tracing shutdown error", zap.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close error", zap.Error(err))
	}
}
