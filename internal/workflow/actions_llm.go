package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Zeeeepa/gobby-sub002/internal/llm"
	"github.com/Zeeeepa/gobby-sub002/internal/memory"
	"github.com/Zeeeepa/gobby-sub002/internal/spawn"
)

const summaryTurnLimit = 50

func actionGenerateSummary(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	mode, _ := params["mode"].(string)
	if mode != "clear" && mode != "compact" {
		return nil, fmt.Errorf("generate_summary: invalid mode %q (allowed: clear, compact)", mode)
	}
	summary, err := summarizeTranscript(ctx, ac, mode)
	if err != nil {
		return nil, err
	}
	if _, err := ac.Sessions.UpdateSummary(ctx, ac.SessionID, nil, &summary); err != nil {
		return nil, err
	}
	return map[string]any{"summary_markdown": summary}, nil
}

func actionGenerateHandoff(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	// Mode derives from the triggering event, by exact match only.
	// "pre_compact_hook" or similar variants deliberately fall through to
	// clear.
	eventType, _ := ac.EventData["event_type"].(string)
	mode := "clear"
	if eventType == "pre_compact" || eventType == "compact" {
		mode = "compact"
	}

	summary, err := summarizeTranscript(ctx, ac, mode)
	if err != nil {
		return nil, err
	}
	if _, err := ac.Sessions.UpdateSummary(ctx, ac.SessionID, nil, &summary); err != nil {
		return nil, err
	}
	if _, err := ac.Sessions.UpdateStatus(ctx, ac.SessionID, "handoff_ready"); err != nil {
		return nil, err
	}
	return map[string]any{"summary_markdown": summary, "mode": mode}, nil
}

func summarizeTranscript(ctx context.Context, ac *ActionContext, mode string) (string, error) {
	if ac.LLM == nil || ac.Transcripts == nil {
		return "", fmt.Errorf("summary generation requires llm and transcript services")
	}
	transcriptPath, _ := ac.EventData["transcript_path"].(string)
	if transcriptPath == "" {
		return "", fmt.Errorf("no transcript_path in event data")
	}

	turns, err := ac.Transcripts.ExtractTurns(ctx, transcriptPath, summaryTurnLimit)
	if err != nil {
		return "", fmt.Errorf("extracting transcript turns: %w", err)
	}
	if len(turns) == 0 {
		return "", fmt.Errorf("transcript has no turns to summarize")
	}

	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}

	system := "Summarize this coding session as markdown: goals, decisions, completed work, and open items."
	if mode == "compact" {
		system = "Produce a compact handoff for a continuation session: active work, key decisions, and immediate next steps as markdown."
	}
	return ac.LLM.GenerateText(ctx, b.String(), llm.GenerateOptions{System: system})
}

func actionSynthesizeTitle(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	if ac.LLM == nil {
		return nil, fmt.Errorf("synthesize_title requires an llm service")
	}
	prompt, _ := ac.EventData["prompt"].(string)
	if prompt == "" {
		msgs, err := ac.Sessions.RecentMessages(ctx, ac.SessionID, 5)
		if err != nil || len(msgs) == 0 {
			return nil, fmt.Errorf("nothing to synthesize a title from")
		}
		var b strings.Builder
		for _, m := range msgs {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		prompt = b.String()
	}

	title, err := ac.LLM.GenerateText(ctx, prompt, llm.GenerateOptions{
		System:    "Write a short title (max 8 words) for this coding session. Reply with the title only.",
		MaxTokens: 32,
	})
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(strings.Trim(title, `"`))
	if _, err := ac.Sessions.UpdateTitle(ctx, ac.SessionID, title); err != nil {
		return nil, err
	}
	return map[string]any{"title": title}, nil
}

func actionCallLLM(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	prompt, _ := params["prompt"].(string)
	outputAs, _ := params["output_as"].(string)
	if prompt == "" || outputAs == "" {
		return nil, fmt.Errorf("call_llm requires prompt and output_as")
	}
	if ac.LLM == nil {
		return nil, fmt.Errorf("call_llm requires an llm service")
	}

	// Extra params beyond the contract keys act as ad-hoc template
	// variables for this one render.
	scope := ac.scope()
	extra := map[string]any{}
	for k, v := range scope["variables"].(map[string]any) {
		extra[k] = v
	}
	for k, v := range params {
		if k != "prompt" && k != "output_as" {
			extra[k] = v
		}
	}
	scope["variables"] = extra

	rendered := prompt
	if ac.Templates != nil {
		rendered = ac.Templates.Render(prompt, scope)
	}
	text, err := ac.LLM.GenerateText(ctx, rendered, llm.GenerateOptions{})
	if err != nil {
		return nil, err
	}
	if ac.State.Variables == nil {
		ac.State.Variables = map[string]any{}
	}
	ac.State.Variables[outputAs] = text
	return map[string]any{"output": text}, nil
}

func actionExtractHandoffContext(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	if ac.Transcripts == nil {
		return nil, fmt.Errorf("extract_handoff_context requires a transcript processor")
	}
	transcriptPath, _ := ac.EventData["transcript_path"].(string)
	if transcriptPath == "" {
		return nil, fmt.Errorf("no transcript_path in event data")
	}

	hc, err := ac.Transcripts.AnalyzeHandoff(ctx, transcriptPath)
	if err != nil {
		return nil, err
	}
	if taskID, err := ac.Sessions.ActiveTaskID(ctx, ac.SessionID); err == nil && taskID != "" {
		if t, err := ac.Tasks.GetTask(ctx, taskID); err == nil {
			hc.ActiveTask = t.Title
		}
	}

	md := hc.Markdown()
	if _, err := ac.Sessions.UpdateCompactMarkdown(ctx, ac.SessionID, md); err != nil {
		return nil, err
	}
	return map[string]any{"compact_markdown": md}, nil
}

func actionStartNewSession(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	command, _ := params["command"].(string)
	prompt, _ := params["prompt"].(string)
	if command == "" || prompt == "" {
		return nil, fmt.Errorf("start_new_session requires command and prompt")
	}
	if ac.Spawner == nil {
		return nil, fmt.Errorf("start_new_session requires a spawner")
	}

	var args []string
	if raw, ok := params["args"].([]any); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprintf("%v", a))
		}
	}
	args = append(args, ac.render(prompt))

	cwd, _ := ac.EventData["cwd"].(string)
	pid, err := ac.Spawner.Spawn(ctx, spawn.Spec{Command: command, Args: args, Dir: cwd})
	if err != nil {
		return nil, err
	}
	return map[string]any{"started_new_session": true, "pid": pid}, nil
}

func actionMemorySave(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Memory == nil {
		return nil, fmt.Errorf("memory manager unavailable")
	}
	content, _ := params["content"].(string)
	projectID := ac.ProjectID
	if p, ok := params["project_id"].(string); ok && p != "" {
		projectID = p
	}
	if projectID == "" {
		return map[string]any{"saved": false, "reason": "no project"}, nil
	}

	res, err := ac.Memory.Remember(ctx, memory.RememberParams{
		Content:   ac.render(content),
		ProjectID: &projectID,
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{"saved": res.Saved}
	if res.MemoryID != "" {
		out["memory_id"] = res.MemoryID
	}
	if res.Reason != "" {
		out["reason"] = res.Reason
	}
	return out, nil
}

func actionMemoryRecallRelevant(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Memory == nil {
		return nil, fmt.Errorf("memory manager unavailable")
	}
	query, _ := ac.EventData["prompt"].(string)
	limit := 5
	if n, ok := toFloat(params["limit"]); ok && n > 0 {
		limit = int(n)
	}

	var projectID *string
	if ac.ProjectID != "" {
		projectID = &ac.ProjectID
	}
	memories, err := ac.Memory.Recall(ctx, query, projectID, limit, 0)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	ac.State.ContextInjected = true
	return map[string]any{"inject_context": b.String()}, nil
}

func actionMemorySyncImport(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	if ac.MemorySync == nil || ac.ProjectID == "" {
		return nil, nil
	}
	cwd, _ := ac.EventData["cwd"].(string)
	saved, err := ac.MemorySync.Import(ctx, ac.ProjectID, cwd)
	if err != nil {
		return nil, err
	}
	return map[string]any{"imported": saved}, nil
}

func actionMemorySyncExport(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	if ac.MemorySync == nil || ac.ProjectID == "" {
		return nil, nil
	}
	cwd, _ := ac.EventData["cwd"].(string)
	path, err := ac.MemorySync.Export(ctx, ac.ProjectID, cwd, false)
	if err != nil {
		return nil, err
	}
	return map[string]any{"exported": path}, nil
}

func actionCallMCPTool(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	serverName, _ := params["server_name"].(string)
	toolName, _ := params["tool_name"].(string)
	if serverName == "" || toolName == "" {
		return map[string]any{"error": "Missing server_name or tool_name"}, nil
	}
	if ac.ToolProxy == nil {
		return nil, fmt.Errorf("no tool proxy available")
	}
	proxy := ac.ToolProxy()
	if proxy == nil {
		return nil, fmt.Errorf("no tool proxy available")
	}

	args, _ := params["arguments"].(map[string]any)
	res, err := proxy.CallTool(ctx, serverName, toolName, args, 0)
	if err != nil {
		return nil, err
	}

	var decoded any
	if data, merr := json.Marshal(res); merr == nil {
		_ = json.Unmarshal(data, &decoded)
	}
	if as, ok := params["as"].(string); ok && as != "" {
		if ac.State.Variables == nil {
			ac.State.Variables = map[string]any{}
		}
		ac.State.Variables[as] = decoded
	}
	return map[string]any{"result": decoded}, nil
}

func actionWebhook(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	webhookID, _ := params["webhook_id"].(string)
	if url == "" && webhookID == "" {
		return nil, fmt.Errorf("webhook requires url or webhook_id")
	}
	if ac.Webhooks == nil {
		return nil, fmt.Errorf("no webhook executor available")
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = "POST"
	}
	payload, _ := params["payload"].(map[string]any)
	retry := 0
	if r, ok := toFloat(params["retry"]); ok {
		retry = int(r)
	}

	req := WebhookRequest{URL: ac.render(url), Method: method, Payload: payload, Retry: retry}
	if webhookID != "" && req.URL == "" {
		req.URL = webhookID
	}

	start := time.Now()
	res, err := ac.Webhooks.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"status": res.StatusCode, "elapsed_ms": time.Since(start).Milliseconds()}
	if capture, ok := params["capture_response"].(map[string]any); ok {
		if ac.State.Variables == nil {
			ac.State.Variables = map[string]any{}
		}
		if v, ok := capture["status_var"].(string); ok && v != "" {
			ac.State.Variables[v] = res.StatusCode
		}
		if v, ok := capture["body_var"].(string); ok && v != "" {
			// Parsed JSON when the body is JSON, raw string otherwise.
			var parsed any
			if err := json.Unmarshal([]byte(res.Body), &parsed); err == nil {
				ac.State.Variables[v] = parsed
			} else {
				ac.State.Variables[v] = res.Body
			}
		}
		if v, ok := capture["headers_var"].(string); ok && v != "" {
			ac.State.Variables[v] = res.Headers
		}
	}
	return out, nil
}
