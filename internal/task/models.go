// Package task owns task rows: hierarchy with materialized paths, per-project
// sequence numbers, dependency edges, and append-only validation history.
package task

import "errors"

// Task statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Validation statuses.
const (
	ValidationPending = "pending"
	ValidationValid   = "valid"
	ValidationInvalid = "invalid"
)

// ErrNotFound is returned when a task lookup matches nothing.
var ErrNotFound = errors.New("task not found")

// Task is one unit of work, optionally nested under a parent task.
type Task struct {
	ID                   string  `db:"id" json:"id"`
	ProjectID            string  `db:"project_id" json:"project_id"`
	ParentTaskID         *string `db:"parent_task_id" json:"parent_task_id,omitempty"`
	CreatedInSessionID   *string `db:"created_in_session_id" json:"created_in_session_id,omitempty"`
	ClosedInSessionID    *string `db:"closed_in_session_id" json:"closed_in_session_id,omitempty"`
	ClosedCommitSHA      *string `db:"closed_commit_sha" json:"closed_commit_sha,omitempty"`
	ClosedAt             *string `db:"closed_at" json:"closed_at,omitempty"`
	Title                string  `db:"title" json:"title"`
	Description          *string `db:"description" json:"description,omitempty"`
	Details              *string `db:"details" json:"details,omitempty"`
	Status               string  `db:"status" json:"status"`
	Priority             int     `db:"priority" json:"priority"`
	TaskType             string  `db:"task_type" json:"task_type"`
	Assignee             *string `db:"assignee" json:"assignee,omitempty"`
	Labels               string  `db:"labels" json:"labels"`
	ValidationStatus     *string `db:"validation_status" json:"validation_status,omitempty"`
	ValidationFeedback   *string `db:"validation_feedback" json:"validation_feedback,omitempty"`
	ValidationCriteria   *string `db:"validation_criteria" json:"validation_criteria,omitempty"`
	ValidationFailCount  int     `db:"validation_fail_count" json:"validation_fail_count"`
	UseExternalValidator bool    `db:"use_external_validator" json:"use_external_validator"`
	ComplexityScore      *int    `db:"complexity_score" json:"complexity_score,omitempty"`
	EstimatedSubtasks    *int    `db:"estimated_subtasks" json:"estimated_subtasks,omitempty"`
	ExpansionContext     *string `db:"expansion_context" json:"expansion_context,omitempty"`
	WorkflowName         *string `db:"workflow_name" json:"workflow_name,omitempty"`
	Verification         *string `db:"verification" json:"verification,omitempty"`
	SequenceOrder        *int    `db:"sequence_order" json:"sequence_order,omitempty"`
	Commits              *string `db:"commits" json:"commits,omitempty"`
	SeqNum               int64   `db:"seq_num" json:"seq_num"`
	PathCache            string  `db:"path_cache" json:"path_cache"`
	EscalatedAt          *string `db:"escalated_at" json:"escalated_at,omitempty"`
	EscalationReason     *string `db:"escalation_reason" json:"escalation_reason,omitempty"`
	GithubIssueNumber    *int    `db:"github_issue_number" json:"github_issue_number,omitempty"`
	GithubPRNumber       *int    `db:"github_pr_number" json:"github_pr_number,omitempty"`
	LinearIssueID        *string `db:"linear_issue_id" json:"linear_issue_id,omitempty"`
	CreatedAt            string  `db:"created_at" json:"created_at"`
	UpdatedAt            string  `db:"updated_at" json:"updated_at"`
}

// CreateParams carries the fields settable at task creation.
type CreateParams struct {
	ProjectID          string
	ParentTaskID       *string
	CreatedInSessionID *string
	Title              string
	Description        *string
	Details            *string
	Status             string
	Priority           int
	TaskType           string
	Assignee           *string
	Labels             []string
	WorkflowName       *string
	SequenceOrder      *int
	ValidationCriteria *string
}

// Filters narrows ListTasks output. Zero values mean "any".
type Filters struct {
	Status       string
	ParentTaskID *string
	TaskType     string
	Assignee     string
	Limit        int
}

// Dependency is one edge in the task dependency graph.
type Dependency struct {
	TaskID    string `db:"task_id" json:"task_id"`
	DependsOn string `db:"depends_on" json:"depends_on"`
	DepType   string `db:"dep_type" json:"dep_type"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// ValidationRecord is one append-only entry in a task's validation history.
type ValidationRecord struct {
	ID               string  `db:"id" json:"id"`
	TaskID           string  `db:"task_id" json:"task_id"`
	ValidationStatus string  `db:"validation_status" json:"validation_status"`
	Feedback         *string `db:"feedback" json:"feedback,omitempty"`
	SessionID        *string `db:"session_id" json:"session_id,omitempty"`
	ValidatedAt      string  `db:"validated_at" json:"validated_at"`
}
