package hooks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"github.com/Zeeeepa/gobby-sub002/internal/db/migrate"
	"github.com/Zeeeepa/gobby-sub002/internal/project"
	"github.com/Zeeeepa/gobby-sub002/internal/session"
	"github.com/Zeeeepa/gobby-sub002/internal/task"
	"github.com/Zeeeepa/gobby-sub002/internal/webhook"
	"github.com/Zeeeepa/gobby-sub002/internal/workflow"
)

type fakeWorkflow struct {
	outcome *workflow.Outcome
	err     error
	calls   int
}

func (f *fakeWorkflow) HandleEvent(_ context.Context, _, _, _, _ string, _ map[string]any) (*workflow.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakeWebhooks struct {
	decision  string
	reason    string
	syncCalls int
	async     []webhook.Event
}

func (f *fakeWebhooks) DispatchSync(_ context.Context, _ webhook.Event, _ bool) []webhook.Result {
	f.syncCalls++
	return nil
}

func (f *fakeWebhooks) DispatchAsync(event webhook.Event) {
	f.async = append(f.async, event)
}

func (f *fakeWebhooks) GetBlockingDecision([]webhook.Result) (string, string) {
	if f.decision == "" {
		return DecisionAllow, ""
	}
	return f.decision, f.reason
}

type fakeBroadcaster struct {
	events []string
}

func (f *fakeBroadcaster) BroadcastEvent(eventType, _ string, _ map[string]any) {
	f.events = append(f.events, eventType)
}

type pipelineEnv struct {
	pipeline  *Pipeline
	sessions  *session.Registry
	tasks     *task.Registry
	projectID string
	workDir   string
}

func newPipelineEnv(t *testing.T, deps Deps) *pipelineEnv {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, migrate.Run(context.Background(), store, logger.Default()))

	workDir := t.TempDir()
	projects := project.NewRegistry(store)
	proj, err := projects.InitAt(context.Background(), workDir)
	require.NoError(t, err)

	deps.Sessions = session.NewRegistry(store, logger.Default())
	deps.Projects = projects
	deps.Tasks = task.NewRegistry(store, logger.Default())
	deps.Logger = logger.Default()
	if deps.Health == nil {
		deps.Health = NewHealthState()
		deps.Health.Set(true, "healthy")
	}

	return &pipelineEnv{
		pipeline:  NewPipeline(deps),
		sessions:  deps.Sessions,
		tasks:     deps.Tasks,
		projectID: proj.ID,
		workDir:   workDir,
	}
}

func (env *pipelineEnv) event(eventType, externalID string, data map[string]any) *HookEvent {
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["cwd"]; !ok {
		data["cwd"] = env.workDir
	}
	return &HookEvent{
		EventType: eventType,
		SessionID: externalID,
		Source:    "claude",
		Timestamp: time.Now().UTC(),
		MachineID: "m1",
		Data:      data,
	}
}

func TestHandleNotReadyFailsOpen(t *testing.T) {
	health := NewHealthState()
	env := newPipelineEnv(t, Deps{Health: health})

	resp := env.pipeline.Handle(context.Background(), env.event("before_tool", "ext-1", nil))
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Reason, "daemon not ready")
	assert.Contains(t, resp.Reason, "starting")
}

func TestHandleAutoRegistersSession(t *testing.T) {
	env := newPipelineEnv(t, Deps{})

	resp := env.pipeline.Handle(context.Background(), env.event("before_tool", "ext-1", nil))
	assert.Equal(t, DecisionAllow, resp.Decision)

	s, err := env.sessions.FindCurrent(context.Background(), "ext-1", "m1", "claude")
	require.NoError(t, err)
	assert.Equal(t, env.projectID, s.ProjectID)
	assert.Equal(t, session.StatusActive, s.Status)

	// Second event resolves through the id cache to the same session.
	env.pipeline.Handle(context.Background(), env.event("after_tool", "ext-1", nil))
	again, err := env.sessions.FindCurrent(context.Background(), "ext-1", "m1", "claude")
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
}

func TestWorkflowBlockShortCircuits(t *testing.T) {
	wf := &fakeWorkflow{outcome: &workflow.Outcome{Decision: DecisionBlock, Reason: "not yet"}}
	hooks := &fakeWebhooks{}
	env := newPipelineEnv(t, Deps{Workflows: wf, Webhooks: hooks})

	resp := env.pipeline.Handle(context.Background(), env.event("before_tool", "ext-1", nil))
	assert.Equal(t, DecisionBlock, resp.Decision)
	assert.Equal(t, "not yet", resp.Reason)
	// Short-circuit skips webhook dispatch entirely.
	assert.Zero(t, hooks.syncCalls)
	assert.Empty(t, hooks.async)
}

func TestWorkflowErrorFailsOpen(t *testing.T) {
	wf := &fakeWorkflow{err: assert.AnError}
	env := newPipelineEnv(t, Deps{Workflows: wf})

	resp := env.pipeline.Handle(context.Background(), env.event("before_tool", "ext-1", nil))
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Equal(t, 1, wf.calls)
}

func TestWorkflowContextMerges(t *testing.T) {
	wf := &fakeWorkflow{outcome: &workflow.Outcome{Context: "remember the plan"}}
	env := newPipelineEnv(t, Deps{Workflows: wf})

	resp := env.pipeline.Handle(context.Background(), env.event("before_agent", "ext-1", nil))
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Equal(t, "remember the plan", resp.Context)
}

func TestBlockingWebhookDecision(t *testing.T) {
	hooks := &fakeWebhooks{decision: DecisionAsk, reason: "needs review"}
	env := newPipelineEnv(t, Deps{Webhooks: hooks})

	resp := env.pipeline.Handle(context.Background(), env.event("before_tool", "ext-1", nil))
	assert.Equal(t, DecisionAsk, resp.Decision)
	assert.Equal(t, "needs review", resp.Reason)
	// Async dispatch never runs after a webhook short-circuit.
	assert.Empty(t, hooks.async)
}

func TestAsyncWebhooksAndBroadcastRun(t *testing.T) {
	hooks := &fakeWebhooks{}
	bc := &fakeBroadcaster{}
	env := newPipelineEnv(t, Deps{Webhooks: hooks, Broadcaster: bc})

	resp := env.pipeline.Handle(context.Background(), env.event("notification", "ext-1", nil))
	assert.Equal(t, DecisionAllow, resp.Decision)
	require.Len(t, hooks.async, 1)
	assert.Equal(t, "notification", hooks.async[0].EventType)
	assert.Equal(t, []string{"notification"}, bc.events)
}

func TestSessionStartResumeSkipsParentLookup(t *testing.T) {
	env := newPipelineEnv(t, Deps{})

	// A handoff-ready predecessor exists; resume must not adopt it.
	prev, err := env.sessions.Register(context.Background(), session.RegisterParams{
		ExternalID: "old", MachineID: "m1", Source: "claude", ProjectID: env.projectID,
	})
	require.NoError(t, err)
	_, err = env.sessions.UpdateStatus(context.Background(), prev.ID, session.StatusHandoffReady)
	require.NoError(t, err)

	resp := env.pipeline.Handle(context.Background(),
		env.event("session_start", "ext-1", map[string]any{"source": "resume"}))
	assert.Equal(t, "Session enhanced by gobby", resp.SystemMessage)
	assert.Equal(t, "ext-1", resp.Metadata["external_id"])
	assert.NotContains(t, resp.Metadata, "parent_session_id")

	s, err := env.sessions.FindCurrent(context.Background(), "ext-1", "m1", "claude")
	require.NoError(t, err)
	assert.Nil(t, s.ParentSessionID)
}

func TestSessionStartClearAttachesParent(t *testing.T) {
	env := newPipelineEnv(t, Deps{})

	prev, err := env.sessions.Register(context.Background(), session.RegisterParams{
		ExternalID: "old", MachineID: "m1", Source: "claude", ProjectID: env.projectID,
	})
	require.NoError(t, err)
	_, err = env.sessions.UpdateStatus(context.Background(), prev.ID, session.StatusHandoffReady)
	require.NoError(t, err)

	resp := env.pipeline.Handle(context.Background(),
		env.event("session_start", "ext-1", map[string]any{"source": "clear"}))
	assert.Equal(t, "Session enhanced by gobby", resp.SystemMessage)
	assert.Equal(t, prev.ID, resp.Metadata["parent_session_id"])

	s, err := env.sessions.FindCurrent(context.Background(), "ext-1", "m1", "claude")
	require.NoError(t, err)
	require.NotNil(t, s.ParentSessionID)
	assert.Equal(t, prev.ID, *s.ParentSessionID)
}

func TestAfterAgentAccumulatesUsage(t *testing.T) {
	env := newPipelineEnv(t, Deps{})

	usage := map[string]any{
		"input_tokens": float64(100), "output_tokens": float64(40),
		"total_cost_usd": 0.02,
	}
	env.pipeline.Handle(context.Background(),
		env.event("after_agent", "ext-1", map[string]any{"usage": usage}))
	env.pipeline.Handle(context.Background(),
		env.event("after_agent", "ext-1", map[string]any{"usage": usage}))

	s, err := env.sessions.FindCurrent(context.Background(), "ext-1", "m1", "claude")
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.UsageInputTokens)
	assert.Equal(t, int64(80), s.UsageOutputTokens)
	assert.InDelta(t, 0.04, s.UsageTotalCostUSD, 1e-9)
}

func TestSessionEndWithoutRepoIsHarmless(t *testing.T) {
	env := newPipelineEnv(t, Deps{})

	resp := env.pipeline.Handle(context.Background(), env.event("session_end", "ext-1", nil))
	assert.Equal(t, DecisionAllow, resp.Decision)
}

func TestActiveTaskAttachedToEvent(t *testing.T) {
	wf := &fakeWorkflow{}
	env := newPipelineEnv(t, Deps{Workflows: wf})

	// Register the session and link a worked-on task.
	env.pipeline.Handle(context.Background(), env.event("session_start", "ext-1", nil))
	s, err := env.sessions.FindCurrent(context.Background(), "ext-1", "m1", "claude")
	require.NoError(t, err)

	created, err := env.tasks.CreateTask(context.Background(), task.CreateParams{
		ProjectID: env.projectID, Title: "fix the build",
	})
	require.NoError(t, err)
	require.NoError(t, env.sessions.LinkTask(context.Background(), s.ID, created.ID, "worked_on"))

	event := env.event("before_tool", "ext-1", nil)
	env.pipeline.Handle(context.Background(), event)
	assert.Equal(t, created.ID, event.Data["task_id"])
}
