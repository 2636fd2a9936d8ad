package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"github.com/Zeeeepa/gobby-sub002/internal/llm"
	"github.com/Zeeeepa/gobby-sub002/internal/memory"
	"github.com/Zeeeepa/gobby-sub002/internal/session"
	"github.com/Zeeeepa/gobby-sub002/internal/spawn"
	"github.com/Zeeeepa/gobby-sub002/internal/task"
	"github.com/Zeeeepa/gobby-sub002/internal/transcript"
	"github.com/Zeeeepa/gobby-sub002/internal/workflow/template"
)

// ToolCaller routes MCP tool calls; the pool manager satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (*mcpgo.CallToolResult, error)
}

// WebhookRequest is one outbound call made by the webhook action.
type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Payload map[string]any
	Retry   int
}

// WebhookResult is the captured outcome of a webhook action call.
type WebhookResult struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// WebhookExecutor performs single outbound HTTP calls for the webhook
// action. The dispatcher package provides the real implementation.
type WebhookExecutor interface {
	Execute(ctx context.Context, req WebhookRequest) (*WebhookResult, error)
}

// ActionContext carries everything an action handler may touch. Optional
// capabilities are nil when the daemon runs without them.
type ActionContext struct {
	SessionID string
	ProjectID string
	State     *WorkflowState
	Store     *db.Store
	Sessions  *session.Registry
	Tasks     *task.Registry
	States    *StateManager
	Templates *template.Engine

	ToolProxy   func() ToolCaller
	Memory      *memory.Registry
	MemorySync  *memory.SyncManager
	LLM         llm.Service
	Transcripts transcript.Processor
	Spawner     spawn.Spawner
	Webhooks    WebhookExecutor

	EventData map[string]any
	Logger    *logger.Logger
}

// scope builds the template scope actions render against.
func (ac *ActionContext) scope() map[string]any {
	vars := map[string]any{}
	if ac.State != nil && ac.State.Variables != nil {
		vars = ac.State.Variables
	}
	artifacts := map[string]any{}
	if ac.State != nil && ac.State.Artifacts != nil {
		artifacts = ac.State.Artifacts
	}
	event := map[string]any{}
	if ac.EventData != nil {
		event = ac.EventData
	}
	return map[string]any{"variables": vars, "artifacts": artifacts, "event": event}
}

func (ac *ActionContext) render(s string) string {
	if ac.Templates == nil {
		return s
	}
	return ac.Templates.Render(s, ac.scope())
}

// ActionFunc is the shared handler signature.
type ActionFunc func(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error)

// ActionObserver receives per-action execution outcomes.
type ActionObserver interface {
	ObserveWorkflowAction(action string, success bool)
}

// Executor dispatches actions by name. Handlers never crash the engine: an
// unknown action returns nil, a handler error becomes {"error": msg}.
type Executor struct {
	handlers map[string]ActionFunc
	metrics  ActionObserver
	logger   *logger.Logger
}

// NewExecutor builds the registry with the full action catalog. A nil
// observer disables action metrics.
func NewExecutor(log *logger.Logger, obs ActionObserver) *Executor {
	e := &Executor{
		handlers: map[string]ActionFunc{},
		metrics:  obs,
		logger:   log.WithFields(zap.String("component", "action_executor")),
	}
	e.register("inject_context", actionInjectContext)
	e.register("inject_message", actionInjectMessage)
	e.register("capture_artifact", actionCaptureArtifact)
	e.register("read_artifact", actionReadArtifact)
	e.register("generate_summary", actionGenerateSummary)
	e.register("generate_handoff", actionGenerateHandoff)
	e.register("synthesize_title", actionSynthesizeTitle)
	e.register("write_todos", actionWriteTodos)
	e.register("mark_todo_complete", actionMarkTodoComplete)
	e.register("persist_tasks", actionPersistTasks)
	e.register("update_workflow_task", actionUpdateWorkflowTask)
	e.register("set_variable", actionSetVariable)
	e.register("increment_variable", actionIncrementVariable)
	e.register("save_workflow_state", actionSaveWorkflowState)
	e.register("load_workflow_state", actionLoadWorkflowState)
	e.register("mark_session_status", actionMarkSessionStatus)
	e.register("switch_mode", actionSwitchMode)
	e.register("memory_save", actionMemorySave)
	e.register("memory_recall_relevant", actionMemoryRecallRelevant)
	e.register("memory_sync_import", actionMemorySyncImport)
	e.register("memory_sync_export", actionMemorySyncExport)
	e.register("call_mcp_tool", actionCallMCPTool)
	e.register("call_llm", actionCallLLM)
	e.register("start_new_session", actionStartNewSession)
	e.register("extract_handoff_context", actionExtractHandoffContext)
	e.register("webhook", actionWebhook)
	return e
}

func (e *Executor) register(name string, fn ActionFunc) {
	e.handlers[name] = fn
}

// Execute runs one action. Dispatch rules: unknown name warns and returns
// nil; a handler error is captured as {"error": msg} so the engine keeps
// running.
func (e *Executor) Execute(ctx context.Context, name string, ac *ActionContext, params map[string]any) map[string]any {
	h, ok := e.handlers[name]
	if !ok {
		e.logger.Warn("unknown workflow action", zap.String("action", name))
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	res, err := h(ctx, ac, params)
	if e.metrics != nil {
		e.metrics.ObserveWorkflowAction(name, err == nil)
	}
	if err != nil {
		e.logger.Debug("workflow action failed",
			zap.String("action", name), zap.Error(err))
		return map[string]any{"error": err.Error()}
	}
	return res
}

// Actions returns the registered action names, for introspection endpoints.
func (e *Executor) Actions() []string {
	out := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		out = append(out, name)
	}
	return out
}

func actionInjectContext(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	source, _ := params["source"].(string)
	if source == "" {
		return nil, nil
	}

	var text string
	switch source {
	case "previous_session_summary":
		s, err := ac.Sessions.Get(ctx, ac.SessionID)
		if err != nil || s == nil || s.ParentSessionID == nil {
			return nil, nil
		}
		parent, err := ac.Sessions.Get(ctx, *s.ParentSessionID)
		if err != nil || parent == nil || parent.SummaryMarkdown == nil {
			return nil, nil
		}
		text = *parent.SummaryMarkdown
	case "compact_handoff":
		s, err := ac.Sessions.Get(ctx, ac.SessionID)
		if err != nil || s == nil {
			return nil, nil
		}
		if s.CompactMarkdown != nil && *s.CompactMarkdown != "" {
			text = *s.CompactMarkdown
		} else if s.ParentSessionID != nil {
			parent, err := ac.Sessions.Get(ctx, *s.ParentSessionID)
			if err == nil && parent != nil && parent.CompactMarkdown != nil {
				text = *parent.CompactMarkdown
			}
		}
	case "artifacts":
		var b strings.Builder
		for name, path := range ac.State.Artifacts {
			fmt.Fprintf(&b, "- %s: %v\n", name, path)
		}
		text = b.String()
	case "observations":
		text = strings.Join(ac.State.Observations, "\n")
	case "workflow_state":
		text = fmt.Sprintf("workflow=%s step=%s actions=%d variables=%v",
			ac.State.WorkflowName, ac.State.Step, ac.State.TotalActionCount, ac.State.Variables)
	case "skill":
		name, _ := params["name"].(string)
		if name == "" || ac.Memory == nil {
			return nil, nil
		}
		var projectID *string
		if ac.ProjectID != "" {
			projectID = &ac.ProjectID
		}
		rendered, err := ac.Memory.RenderSkill(ctx, ac.render(name), projectID)
		if err != nil {
			return nil, nil
		}
		text = rendered
	default:
		return nil, fmt.Errorf("unknown inject_context source %q", source)
	}

	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	ac.State.ContextInjected = true
	return map[string]any{"inject_context": text}, nil
}

func actionInjectMessage(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	content, _ := params["content"].(string)
	if content == "" {
		return nil, fmt.Errorf("inject_message requires content")
	}
	return map[string]any{"inject_message": ac.render(content)}, nil
}

func actionCaptureArtifact(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	pattern, _ := params["pattern"].(string)
	as, _ := params["as"].(string)
	if pattern == "" || as == "" {
		return nil, fmt.Errorf("capture_artifact requires pattern and as")
	}

	matches, err := filepath.Glob(ac.render(pattern))
	if err != nil {
		return nil, fmt.Errorf("bad artifact pattern: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no file matches %s", pattern)
	}
	abs, err := filepath.Abs(matches[0])
	if err != nil {
		return nil, err
	}
	ac.State.Artifacts[as] = abs
	return map[string]any{"artifact": abs}, nil
}

func actionReadArtifact(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	key, _ := params["pattern"].(string)
	as, _ := params["as"].(string)
	if key == "" || as == "" {
		return nil, fmt.Errorf("read_artifact requires pattern and as")
	}

	path, ok := ac.State.Artifacts[key].(string)
	if !ok {
		return nil, fmt.Errorf("no captured artifact named %s", key)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", key, err)
	}
	if ac.State.Variables == nil {
		ac.State.Variables = map[string]any{}
	}
	ac.State.Variables[as] = string(data)
	return map[string]any{"read": path}, nil
}

func actionWriteTodos(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	filename, _ := params["filename"].(string)
	todos, _ := params["todos"].([]any)
	if filename == "" || len(todos) == 0 {
		return nil, fmt.Errorf("write_todos requires todos and filename")
	}

	var b strings.Builder
	b.WriteString("# TODOs\n\n")
	for _, item := range todos {
		fmt.Fprintf(&b, "- [ ] %v\n", item)
	}
	if err := os.WriteFile(ac.render(filename), []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"written": len(todos)}, nil
}

func actionMarkTodoComplete(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	filename, _ := params["filename"].(string)
	todoText, _ := params["todo_text"].(string)
	if filename == "" || todoText == "" {
		return nil, fmt.Errorf("mark_todo_complete requires todo_text and filename")
	}

	path := ac.render(filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	needle := "- [ ] " + ac.render(todoText)
	updated := strings.Replace(string(data), needle, "- [x] "+ac.render(todoText), 1)
	if updated == string(data) {
		return map[string]any{"marked": false}, nil
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"marked": true}, nil
}

func actionSetVariable(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("set_variable requires name")
	}
	if ac.State.Variables == nil {
		ac.State.Variables = map[string]any{}
	}
	value := params["value"]
	if s, ok := value.(string); ok {
		value = ac.render(s)
	}
	ac.State.Variables[name] = value
	return map[string]any{"set": name}, nil
}

func actionIncrementVariable(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("increment_variable requires name")
	}
	amount := 1.0
	if a, ok := toFloat(params["amount"]); ok {
		amount = a
	}
	if ac.State.Variables == nil {
		ac.State.Variables = map[string]any{}
	}
	current, _ := toFloat(ac.State.Variables[name])
	ac.State.Variables[name] = current + amount
	return map[string]any{name: current + amount}, nil
}

func actionSaveWorkflowState(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	if err := ac.States.Save(ctx, ac.State); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

func actionLoadWorkflowState(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	state, err := ac.States.Load(ctx, ac.SessionID)
	if err != nil {
		return nil, err
	}
	*ac.State = *state
	return map[string]any{"loaded": true}, nil
}

func actionMarkSessionStatus(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	status, _ := params["status"].(string)
	if status == "" {
		return nil, fmt.Errorf("mark_session_status requires status")
	}
	if _, err := ac.Sessions.UpdateStatus(ctx, ac.SessionID, status); err != nil {
		return nil, err
	}
	return map[string]any{"status": status}, nil
}

func actionSwitchMode(_ context.Context, _ *ActionContext, params map[string]any) (map[string]any, error) {
	mode, _ := params["mode"].(string)
	if mode == "" {
		return nil, fmt.Errorf("switch_mode requires mode")
	}
	return map[string]any{
		"inject_context": "SYSTEM: SWITCH MODE TO " + strings.ToUpper(mode),
	}, nil
}

func actionPersistTasks(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	tasks, _ := params["tasks"].([]any)
	workflowName, _ := params["workflow_name"].(string)
	if len(tasks) == 0 || workflowName == "" {
		return nil, fmt.Errorf("persist_tasks requires tasks and workflow_name")
	}
	var parentID *string
	if p, ok := params["parent_id"].(string); ok && p != "" {
		parentID = &p
	}

	var created []string
	for _, raw := range tasks {
		p := task.CreateParams{
			ProjectID:          ac.ProjectID,
			ParentTaskID:       parentID,
			CreatedInSessionID: &ac.SessionID,
			WorkflowName:       &workflowName,
		}
		switch tv := raw.(type) {
		case string:
			p.Title = ac.render(tv)
		case map[string]any:
			p.Title, _ = tv["title"].(string)
			if d, ok := tv["description"].(string); ok {
				p.Description = &d
			}
			if pr, ok := toFloat(tv["priority"]); ok {
				p.Priority = int(pr)
			}
		default:
			continue
		}
		if p.Title == "" {
			continue
		}
		t, err := ac.Tasks.CreateTask(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("persisting task %q: %w", p.Title, err)
		}
		created = append(created, t.ID)
	}
	return map[string]any{"created_task_ids": created}, nil
}

func actionUpdateWorkflowTask(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	taskID, _ := params["task_id"].(string)
	projectID, _ := params["project_id"].(string)
	if taskID == "" || projectID == "" {
		return nil, fmt.Errorf("update_workflow_task requires task_id and project_id")
	}

	fields := map[string]any{}
	for k, v := range params {
		if k == "task_id" || k == "project_id" {
			continue
		}
		if k == "outcome" {
			k = "verification"
		}
		fields[k] = v
	}
	// UpdateTask drops any field that is not a real task column.
	if _, err := ac.Tasks.UpdateTask(ctx, taskID, fields); err != nil {
		return nil, err
	}
	return map[string]any{"updated": taskID}, nil
}

func toFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	default:
		return 0, false
	}
}
