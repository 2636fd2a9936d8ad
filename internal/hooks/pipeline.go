package hooks

import (
	"context"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/plugin"
	"github.com/Zeeeepa/gobby-sub002/internal/project"
	"github.com/Zeeeepa/gobby-sub002/internal/session"
	"github.com/Zeeeepa/gobby-sub002/internal/task"
	"github.com/Zeeeepa/gobby-sub002/internal/webhook"
	"github.com/Zeeeepa/gobby-sub002/internal/workflow"
)

// sessionCacheSize bounds the external→internal id cache. The composite key
// in the store remains the source of truth; the cache only skips a query.
const sessionCacheSize = 1024

// WorkflowHandler evaluates a session's workflow step for one event.
type WorkflowHandler interface {
	HandleEvent(ctx context.Context, sessionID, projectID, workflowName, eventType string, eventData map[string]any) (*workflow.Outcome, error)
}

// WebhookDispatcher is the webhook surface the pipeline drives.
type WebhookDispatcher interface {
	DispatchSync(ctx context.Context, event webhook.Event, blockingOnly bool) []webhook.Result
	DispatchAsync(event webhook.Event)
	GetBlockingDecision(results []webhook.Result) (string, string)
}

// Broadcaster fans events out to WebSocket subscribers. Implementations
// never block and never panic into the pipeline.
type Broadcaster interface {
	BroadcastEvent(eventType, sessionID string, data map[string]any)
}

// eventHandler is an event-specific step 9 handler.
type eventHandler func(ctx context.Context, event *HookEvent, sess *session.Session) (*HookResponse, error)

// Deps collects the pipeline's collaborators. Sessions and Projects are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Sessions    *session.Registry
	Projects    *project.Registry
	Tasks       *task.Registry
	Workflows   WorkflowHandler
	Webhooks    WebhookDispatcher
	Plugins     *plugin.Registry
	Broadcaster Broadcaster
	Health      *HealthState
	Logger      *logger.Logger
}

// Pipeline orders the hook steps for every incoming event.
type Pipeline struct {
	deps     Deps
	idCache  *lru.Cache[string, string]
	handlers map[string]eventHandler
	logger   *logger.Logger
}

// NewPipeline builds the pipeline and its event-specific handler map.
func NewPipeline(deps Deps) *Pipeline {
	if deps.Health == nil {
		deps.Health = NewHealthState()
	}
	cache, _ := lru.New[string, string](sessionCacheSize)
	p := &Pipeline{
		deps:    deps,
		idCache: cache,
		logger:  deps.Logger.WithFields(zap.String("component", "hook_pipeline")),
	}
	p.handlers = map[string]eventHandler{
		"session_start": p.handleSessionStart,
		"session_end":   p.handleSessionEnd,
		"after_agent":   p.handleAfterAgent,
	}
	return p
}

// Handle runs the full pipeline for one event. It never returns an error;
// every internal failure degrades to an allow decision.
func (p *Pipeline) Handle(ctx context.Context, event *HookEvent) *HookResponse {
	resp := &HookResponse{Decision: DecisionAllow}
	if event == nil || event.EventType == "" {
		resp.Reason = "missing event_type"
		return resp
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}
	event.Data["event_type"] = event.EventType
	if event.MachineID == "" {
		host, _ := os.Hostname()
		event.MachineID = host
	}

	// Step 1: readiness guard. The daemon never gates its own callers.
	if ready, status := p.deps.Health.Snapshot(); !ready {
		resp.Reason = "daemon not ready: " + status
		return resp
	}

	// Steps 2-3: session and project resolution.
	sess := p.resolveSession(ctx, event)
	if sess != nil {
		event.Data["gobby_session_id"] = sess.ID
	}

	// Step 4: active task, best effort.
	if sess != nil && p.deps.Sessions != nil {
		if taskID, err := p.deps.Sessions.ActiveTaskID(ctx, sess.ID); err == nil && taskID != "" {
			event.Data["task_id"] = taskID
		}
	}

	// Step 5: workflow evaluation.
	if p.deps.Workflows != nil && sess != nil {
		workflowName := ""
		if sess.WorkflowName != nil {
			workflowName = *sess.WorkflowName
		}
		outcome, err := p.deps.Workflows.HandleEvent(ctx, sess.ID, sess.ProjectID, workflowName, event.EventType, event.Data)
		switch {
		case err != nil:
			p.logger.Warn("workflow handler failed",
				zap.String("event_type", event.EventType), zap.Error(err))
		case outcome != nil:
			if outcome.Decision == DecisionBlock || outcome.Decision == DecisionAsk || outcome.Decision == DecisionDeny {
				resp.Decision = outcome.Decision
				resp.Reason = outcome.Reason
				resp.appendContext(outcome.Context)
				return resp
			}
			resp.appendContext(outcome.Context)
			if outcome.SystemMessage != "" {
				resp.SystemMessage = outcome.SystemMessage
			}
		}
	}

	// Step 6: blocking webhooks.
	if p.deps.Webhooks != nil {
		results := p.deps.Webhooks.DispatchSync(ctx, p.webhookEvent(event), true)
		if decision, reason := p.deps.Webhooks.GetBlockingDecision(results); decision == DecisionBlock || decision == DecisionAsk {
			resp.Decision = decision
			resp.Reason = reason
			return resp
		}
	}

	// Step 7: plugin pre-handlers.
	if pr, err := plugin.RunPluginHandlers(ctx, p.deps.Plugins, event.Data, true, nil); err != nil {
		p.logger.Warn("plugin pre-handlers failed", zap.Error(err))
	} else if pr != nil {
		if pr.Decision == DecisionBlock || pr.Decision == DecisionDeny {
			resp.Decision = pr.Decision
			resp.Reason = pr.Reason
			resp.appendContext(pr.Context)
			return resp
		}
		resp.appendContext(pr.Context)
		if pr.SystemMessage != "" {
			resp.SystemMessage = pr.SystemMessage
		}
		resp.mergeMetadata(pr.Metadata)
	}

	// Step 8: non-blocking webhooks, fire and forget.
	if p.deps.Webhooks != nil {
		p.deps.Webhooks.DispatchAsync(p.webhookEvent(event))
	}

	// Step 9: event-specific handler.
	if handler, ok := p.handlers[event.EventType]; ok {
		if hr, err := handler(ctx, event, sess); err != nil {
			p.logger.Warn("event handler failed",
				zap.String("event_type", event.EventType), zap.Error(err))
		} else if hr != nil {
			resp.appendContext(hr.Context)
			if hr.SystemMessage != "" {
				resp.SystemMessage = hr.SystemMessage
			}
			resp.mergeMetadata(hr.Metadata)
		}
	}

	// Step 10: plugin post-handlers observe the current response.
	core := map[string]any{
		"decision":       resp.Decision,
		"context":        resp.Context,
		"system_message": resp.SystemMessage,
	}
	if pr, err := plugin.RunPluginHandlers(ctx, p.deps.Plugins, event.Data, false, core); err != nil {
		p.logger.Warn("plugin post-handlers failed", zap.Error(err))
	} else if pr != nil {
		resp.appendContext(pr.Context)
		if pr.SystemMessage != "" {
			resp.SystemMessage = pr.SystemMessage
		}
		resp.mergeMetadata(pr.Metadata)
	}

	// Step 11: broadcast. Never affects the response.
	if p.deps.Broadcaster != nil {
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
		}
		p.deps.Broadcaster.BroadcastEvent(event.EventType, sessionID, event.Data)
	}

	return resp
}

// resolveSession maps the event's external id to a gobby session: id cache,
// then composite-key lookup, then auto-registration. Returns nil when the
// event carries too little to identify a session; the pipeline allows the
// event through regardless.
func (p *Pipeline) resolveSession(ctx context.Context, event *HookEvent) *session.Session {
	if p.deps.Sessions == nil || event.SessionID == "" {
		return nil
	}

	key := event.SessionID + "|" + event.MachineID + "|" + event.Source
	if id, ok := p.idCache.Get(key); ok {
		if s, err := p.deps.Sessions.Get(ctx, id); err == nil {
			return s
		}
		p.idCache.Remove(key)
	}

	if s, err := p.deps.Sessions.FindCurrent(ctx, event.SessionID, event.MachineID, event.Source); err == nil && s != nil {
		p.idCache.Add(key, s.ID)
		return s
	}

	if event.Source == "" || event.MachineID == "" {
		return nil
	}
	proj := p.resolveProject(ctx, event)
	if proj == nil {
		return nil
	}

	params := session.RegisterParams{
		ExternalID: event.SessionID,
		MachineID:  event.MachineID,
		Source:     event.Source,
		ProjectID:  proj.ID,
	}
	if jsonl, ok := event.Data["transcript_path"].(string); ok && jsonl != "" {
		params.JSONLPath = &jsonl
	}
	if wf, ok := event.Data["workflow"].(string); ok && wf != "" {
		params.WorkflowName = &wf
	}
	if model, ok := event.Data["model"].(string); ok && model != "" {
		params.Model = &model
	}

	s, err := p.deps.Sessions.Register(ctx, params)
	if err != nil {
		p.logger.Warn("session auto-registration failed",
			zap.String("external_id", event.SessionID), zap.Error(err))
		return nil
	}
	p.idCache.Add(key, s.ID)
	return s
}

// resolveProject finds the project for the event's cwd, initializing one
// when the directory has no marker. Falls back to the orphaned project.
func (p *Pipeline) resolveProject(ctx context.Context, event *HookEvent) *project.Project {
	if p.deps.Projects == nil {
		return nil
	}
	if cwd, ok := event.Data["cwd"].(string); ok && cwd != "" {
		if proj, err := p.deps.Projects.InitAt(ctx, cwd); err == nil {
			return proj
		} else {
			p.logger.Warn("project resolution failed", zap.String("cwd", cwd), zap.Error(err))
		}
	}
	proj, err := p.deps.Projects.EnsureOrphaned(ctx)
	if err != nil {
		p.logger.Warn("orphaned project unavailable", zap.Error(err))
		return nil
	}
	return proj
}

// webhookEvent builds the outbound payload. SessionID stays the external id
// the front-end knows; the resolved gobby id travels in Data.
func (p *Pipeline) webhookEvent(event *HookEvent) webhook.Event {
	we := webhook.Event{
		EventType: event.EventType,
		SessionID: event.SessionID,
		Source:    event.Source,
		MachineID: event.MachineID,
		Data:      event.Data,
	}
	if !event.Timestamp.IsZero() {
		we.Timestamp = event.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	return we
}
