// Package session owns session rows: registration by composite key,
// lifecycle transitions, handoff lookups, and the background sweepers'
// queries.
package session

import "errors"

// Session statuses.
const (
	StatusActive       = "active"
	StatusPaused       = "paused"
	StatusHandoffReady = "handoff_ready"
	StatusExpired      = "expired"
	StatusCompleted    = "completed"
	StatusArchived     = "archived"
)

var (
	// ErrNotFound is returned when a session lookup matches nothing.
	ErrNotFound = errors.New("session not found")

	// ErrConsistency is returned when a row written in this operation cannot
	// be read back. The operation aborts; the caller must not continue.
	ErrConsistency = errors.New("session not readable after write")
)

// Session is one front-end CLI session, identified externally by the
// composite key (external_id, machine_id, source).
type Session struct {
	ID                       string  `db:"id" json:"id"`
	ExternalID               string  `db:"external_id" json:"external_id"`
	MachineID                string  `db:"machine_id" json:"machine_id"`
	Source                   string  `db:"source" json:"source"`
	ProjectID                string  `db:"project_id" json:"project_id"`
	SeqNum                   int64   `db:"seq_num" json:"seq_num"`
	Title                    *string `db:"title" json:"title,omitempty"`
	Status                   string  `db:"status" json:"status"`
	JSONLPath                *string `db:"jsonl_path" json:"jsonl_path,omitempty"`
	SummaryPath              *string `db:"summary_path" json:"summary_path,omitempty"`
	SummaryMarkdown          *string `db:"summary_markdown" json:"summary_markdown,omitempty"`
	CompactMarkdown          *string `db:"compact_markdown" json:"compact_markdown,omitempty"`
	GitBranch                *string `db:"git_branch" json:"git_branch,omitempty"`
	ParentSessionID          *string `db:"parent_session_id" json:"parent_session_id,omitempty"`
	AgentDepth               int     `db:"agent_depth" json:"agent_depth"`
	SpawnedByAgentID         *string `db:"spawned_by_agent_id" json:"spawned_by_agent_id,omitempty"`
	WorkflowName             *string `db:"workflow_name" json:"workflow_name,omitempty"`
	AgentRunID               *string `db:"agent_run_id" json:"agent_run_id,omitempty"`
	ContextInjected          bool    `db:"context_injected" json:"context_injected"`
	OriginalPrompt           *string `db:"original_prompt" json:"original_prompt,omitempty"`
	TranscriptProcessed      bool    `db:"transcript_processed" json:"transcript_processed"`
	TerminalContext          *string `db:"terminal_context" json:"terminal_context,omitempty"`
	UsageInputTokens         int64   `db:"usage_input_tokens" json:"usage_input_tokens"`
	UsageOutputTokens        int64   `db:"usage_output_tokens" json:"usage_output_tokens"`
	UsageCacheCreationTokens int64   `db:"usage_cache_creation_tokens" json:"usage_cache_creation_tokens"`
	UsageCacheReadTokens     int64   `db:"usage_cache_read_tokens" json:"usage_cache_read_tokens"`
	UsageTotalCostUSD        float64 `db:"usage_total_cost_usd" json:"usage_total_cost_usd"`
	Model                    *string `db:"model" json:"model,omitempty"`
	CreatedAt                string  `db:"created_at" json:"created_at"`
	UpdatedAt                string  `db:"updated_at" json:"updated_at"`
}

// RegisterParams carries everything a session upsert may set. ExternalID,
// MachineID, Source, and ProjectID are required; the rest apply only when
// non-nil.
type RegisterParams struct {
	ExternalID       string
	MachineID        string
	Source           string
	ProjectID        string
	Title            *string
	JSONLPath        *string
	GitBranch        *string
	ParentSessionID  *string
	AgentDepth       int
	SpawnedByAgentID *string
	WorkflowName     *string
	Model            *string
}

// Usage is a token/cost accounting delta applied to a session.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	TotalCostUSD        float64
}
