// Package events selects and wires the daemon's internal event bus.
package events

// Hook event types as delivered by front-end CLIs.
const (
	SessionStart = "session_start"
	SessionEnd   = "session_end"
	BeforeAgent  = "before_agent"
	AfterAgent   = "after_agent"
	BeforeTool   = "before_tool"
	AfterTool    = "after_tool"
	Notification = "notification"
	PreCompact   = "pre_compact"
	Compact      = "compact"
)

// Daemon-internal event types.
const (
	MCPServerHealthChanged = "mcp.server.health_changed"
	WorkflowStepChanged    = "workflow.step.changed"
)
