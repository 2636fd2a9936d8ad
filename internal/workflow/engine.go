package workflow

import (
	"context"
	"strings"

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

// Outcome is what one engine evaluation contributes to a hook response.
// Context strings from multiple actions accumulate; the first non-allow
// decision wins.
type Outcome struct {
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Context       string `json:"context,omitempty"`
	SystemMessage string `json:"system_message,omitempty"`
}

// Deps are the capabilities the engine threads into every ActionContext.
type Deps struct {
	Store       *db.Store
	Sessions    *session.Registry
	Tasks       *task.Registry
	Memory      *memory.Registry
	MemorySync  *memory.SyncManager
	LLM         llm.Service
	Transcripts transcript.Processor
	Spawner     spawn.Spawner
	Webhooks    WebhookExecutor
	ToolProxy   func() ToolCaller
	Metrics     ActionObserver
}

// Engine evaluates the session's current workflow step on each hook event
// and dispatches the step's actions.
type Engine struct {
	definitions map[string]*Definition
	states      *StateManager
	executor    *Executor
	templates   *template.Engine
	deps        Deps
	logger      *logger.Logger
}

// NewEngine creates the engine over a set of loaded definitions.
func NewEngine(definitions map[string]*Definition, store *db.Store, deps Deps, log *logger.Logger) *Engine {
	if definitions == nil {
		definitions = map[string]*Definition{}
	}
	return &Engine{
		definitions: definitions,
		states:      NewStateManager(store),
		executor:    NewExecutor(log, deps.Metrics),
		templates:   template.NewEngine(template.EmptyOnMissing),
		deps:        deps,
		logger:      log.WithFields(zap.String("component", "workflow_engine")),
	}
}

// States exposes the state manager for the HTTP surface.
func (e *Engine) States() *StateManager { return e.states }

// Definitions returns the loaded workflow names.
func (e *Engine) Definitions() []string {
	out := make([]string, 0, len(e.definitions))
	for name := range e.definitions {
		out = append(out, name)
	}
	return out
}

// HandleEvent runs the session's workflow against one hook event. A session
// with no workflow, or a workflow with no matching step, produces a nil
// outcome.
func (e *Engine) HandleEvent(ctx context.Context, sessionID, projectID, workflowName, eventType string, eventData map[string]any) (*Outcome, error) {
	if workflowName == "" {
		return nil, nil
	}
	def, ok := e.definitions[workflowName]
	if !ok {
		e.logger.Debug("session references unknown workflow",
			zap.String("session_id", sessionID), zap.String("workflow", workflowName))
		return nil, nil
	}

	state, err := e.states.GetOrCreate(ctx, sessionID, workflowName)
	if err != nil {
		return nil, err
	}

	step := def.StepByName(state.Step)
	if step == nil {
		if len(def.Steps) == 0 {
			return nil, nil
		}
		step = &def.Steps[0]
		state.Step = step.Name
		now := db.NowUTC()
		state.StepEnteredAt = &now
		state.StepActionCount = 0
	}

	if eventData == nil {
		eventData = map[string]any{}
	}
	if _, ok := eventData["event_type"]; !ok {
		eventData["event_type"] = eventType
	}

	ac := &ActionContext{
		SessionID:   sessionID,
		ProjectID:   projectID,
		State:       state,
		Store:       e.deps.Store,
		Sessions:    e.deps.Sessions,
		Tasks:       e.deps.Tasks,
		States:      e.states,
		Templates:   e.templates,
		ToolProxy:   e.deps.ToolProxy,
		Memory:      e.deps.Memory,
		MemorySync:  e.deps.MemorySync,
		LLM:         e.deps.LLM,
		Transcripts: e.deps.Transcripts,
		Spawner:     e.deps.Spawner,
		Webhooks:    e.deps.Webhooks,
		EventData:   eventData,
		Logger:      e.logger,
	}

	if !step.Matches(eventType) || !e.conditionsHold(step, ac) {
		return nil, nil
	}

	outcome := &Outcome{}
	for _, spec := range step.Actions {
		res := e.executor.Execute(ctx, spec.Action, ac, spec.Params)
		state.StepActionCount++
		state.TotalActionCount++
		mergeResult(outcome, res)
		if outcome.Decision != "" && outcome.Decision != "allow" {
			break
		}
	}

	if err := e.states.Save(ctx, state); err != nil {
		e.logger.Warn("saving workflow state failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if outcome.Decision == "" && outcome.Context == "" && outcome.SystemMessage == "" {
		return nil, nil
	}
	return outcome, nil
}

func (e *Engine) conditionsHold(step *Step, ac *ActionContext) bool {
	scope := ac.scope()
	for _, cond := range step.When {
		if !evalCondition(cond, scope) {
			return false
		}
	}
	return true
}

func mergeResult(outcome *Outcome, res map[string]any) {
	if res == nil {
		return
	}
	if s, ok := res["inject_context"].(string); ok && s != "" {
		if outcome.Context != "" {
			outcome.Context += "\n\n"
		}
		outcome.Context += s
	}
	if s, ok := res["inject_message"].(string); ok && s != "" {
		outcome.SystemMessage = s
	}
	if s, ok := res["decision"].(string); ok && s != "" {
		outcome.Decision = s
		if r, ok := res["reason"].(string); ok {
			outcome.Reason = r
		}
	}
}

// evalCondition evaluates one when-expression: "ref == literal",
// "ref != literal", or a bare reference checked for truthiness.
func evalCondition(expr string, scope map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	for _, op := range []string{"==", "!="} {
		if lhs, rhs, found := strings.Cut(expr, op); found {
			lv := resolveOperand(strings.TrimSpace(lhs), scope)
			rv := resolveOperand(strings.TrimSpace(rhs), scope)
			if op == "==" {
				return lv == rv
			}
			return lv != rv
		}
	}

	val, ok := template.Lookup(scope, expr)
	if !ok {
		return false
	}
	return truthy(val)
}

func resolveOperand(s string, scope map[string]any) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if _, ok := template.Lookup(scope, s); ok {
		return template.NewEngine(template.EmptyOnMissing).Render("{{ "+s+" }}", scope)
	}
	return s
}

func truthy(v any) bool {
	switch tv := v.(type) {
	case bool:
		return tv
	case string:
		return tv != "" && tv != "false" && tv != "0"
	case float64:
		return tv != 0
	case int:
		return tv != 0
	case nil:
		return false
	default:
		return true
	}
}
