package hooks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/gitutil"
	"github.com/Zeeeepa/gobby-sub002/internal/session"
)

const enhancedMessage = "Session enhanced by gobby"

// handleSessionStart attaches lineage on clear starts. Resume events get
// the basic enhancement message with no parent lookup; a compact/resume
// would otherwise adopt its own predecessor and self-parent.
func (p *Pipeline) handleSessionStart(ctx context.Context, event *HookEvent, sess *session.Session) (*HookResponse, error) {
	trigger, _ := event.Data["source"].(string)
	resp := &HookResponse{
		SystemMessage: enhancedMessage,
		Metadata:      map[string]any{"external_id": event.SessionID},
	}

	if trigger != "clear" || sess == nil {
		return resp, nil
	}

	source := sess.Source
	parent, err := p.deps.Sessions.FindParent(ctx, sess.MachineID, &source, sess.ProjectID, session.StatusHandoffReady)
	if err != nil || parent == nil || parent.ID == sess.ID {
		return resp, nil
	}

	if _, err := p.deps.Sessions.UpdateParentSessionID(ctx, sess.ID, parent.ID); err != nil {
		p.logger.Warn("parent attach failed",
			zap.String("session_id", sess.ID),
			zap.String("parent_id", parent.ID),
			zap.Error(err))
		return resp, nil
	}
	resp.Metadata["parent_session_id"] = parent.ID
	return resp, nil
}

// handleSessionEnd links commits made during the session window to any task
// a commit message mentions by id.
func (p *Pipeline) handleSessionEnd(ctx context.Context, event *HookEvent, sess *session.Session) (*HookResponse, error) {
	if sess == nil || p.deps.Tasks == nil {
		return nil, nil
	}
	cwd, _ := event.Data["cwd"].(string)
	if cwd == "" {
		return nil, nil
	}

	since, err := time.Parse(time.RFC3339Nano, sess.CreatedAt)
	if err != nil {
		if since, err = time.Parse(time.RFC3339, sess.CreatedAt); err != nil {
			return nil, nil
		}
	}

	linked := gitutil.LinkCommits(ctx, p.deps.Tasks, sess.ProjectID, cwd, since, p.logger)
	if linked == 0 {
		return nil, nil
	}
	return &HookResponse{Metadata: map[string]any{"commits_linked": linked}}, nil
}

// handleAfterAgent applies token usage deltas the front-end reports.
func (p *Pipeline) handleAfterAgent(ctx context.Context, event *HookEvent, sess *session.Session) (*HookResponse, error) {
	if sess == nil {
		return nil, nil
	}
	usage, ok := event.Data["usage"].(map[string]any)
	if !ok {
		return nil, nil
	}

	delta := session.Usage{
		InputTokens:         asInt64(usage["input_tokens"]),
		OutputTokens:        asInt64(usage["output_tokens"]),
		CacheCreationTokens: asInt64(usage["cache_creation_input_tokens"]),
		CacheReadTokens:     asInt64(usage["cache_read_input_tokens"]),
	}
	if cost, ok := usage["total_cost_usd"].(float64); ok {
		delta.TotalCostUSD = cost
	}
	if _, err := p.deps.Sessions.UpdateUsage(ctx, sess.ID, delta); err != nil {
		return nil, err
	}
	return nil, nil
}

// asInt64 coerces the numeric types encoding/json produces.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
