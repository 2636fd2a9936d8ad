// Package hooks is the daemon's critical path: every event a front-end CLI
// emits flows through the Pipeline, which resolves the session and project,
// consults the workflow engine, webhooks and plugins, and produces a
// decision. The pipeline is fail-open: internal failures degrade to allow.
package hooks

import "time"

// Decisions a hook response can carry.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
	DecisionAsk   = "ask"
	DecisionDeny  = "deny"
)

// HookEvent is the JSON body a front-end posts for one hook invocation.
// SessionID is the front-end's external id, not a gobby session id.
type HookEvent struct {
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	MachineID string         `json:"machine_id,omitempty"`
}

// HookResponse is the pipeline's answer. Decision is always set; the other
// fields are optional enrichments the front-end may apply to its prompt.
type HookResponse struct {
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	Context       string         `json:"context,omitempty"`
	SystemMessage string         `json:"system_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// appendContext accumulates context blocks with a blank-line separator.
func (r *HookResponse) appendContext(ctx string) {
	if ctx == "" {
		return
	}
	if r.Context != "" {
		r.Context += "\n\n"
	}
	r.Context += ctx
}

func (r *HookResponse) mergeMetadata(m map[string]any) {
	if len(m) == 0 {
		return
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	for k, v := range m {
		r.Metadata[k] = v
	}
}
