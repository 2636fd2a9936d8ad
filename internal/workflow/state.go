// Package workflow runs the per-session action engine: YAML-defined steps
// whose actions fire on hook events.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Zeeeepa/gobby-sub002/internal/common/sqlite"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// ErrStateNotFound is returned when a session has no workflow state row.
var ErrStateNotFound = errors.New("workflow state not found")

// WorkflowState is the per-session engine state. One row per session.
type WorkflowState struct {
	SessionID             string         `json:"session_id"`
	WorkflowName          string         `json:"workflow_name"`
	Step                  string         `json:"step"`
	StepEnteredAt         *string        `json:"step_entered_at,omitempty"`
	StepActionCount       int            `json:"step_action_count"`
	TotalActionCount      int            `json:"total_action_count"`
	Artifacts             map[string]any `json:"artifacts"`
	Observations          []string       `json:"observations"`
	ReflectionPending     bool           `json:"reflection_pending"`
	ContextInjected       bool           `json:"context_injected"`
	Variables             map[string]any `json:"variables"`
	TaskList              []any          `json:"task_list"`
	CurrentTaskIndex      int            `json:"current_task_index"`
	FilesModifiedThisTask int            `json:"files_modified_this_task"`
	CreatedAt             string         `json:"created_at"`
	UpdatedAt             string         `json:"updated_at"`
}

// stateRow mirrors the workflow_states table; JSON columns stay TEXT.
type stateRow struct {
	SessionID             string  `db:"session_id"`
	WorkflowName          string  `db:"workflow_name"`
	Step                  string  `db:"step"`
	StepEnteredAt         *string `db:"step_entered_at"`
	StepActionCount       int     `db:"step_action_count"`
	TotalActionCount      int     `db:"total_action_count"`
	Artifacts             string  `db:"artifacts"`
	Observations          string  `db:"observations"`
	ReflectionPending     bool    `db:"reflection_pending"`
	ContextInjected       bool    `db:"context_injected"`
	Variables             string  `db:"variables"`
	TaskList              string  `db:"task_list"`
	CurrentTaskIndex      int     `db:"current_task_index"`
	FilesModifiedThisTask int     `db:"files_modified_this_task"`
	CreatedAt             string  `db:"created_at"`
	UpdatedAt             string  `db:"updated_at"`
}

func (r *stateRow) toState() (*WorkflowState, error) {
	s := &WorkflowState{
		SessionID:             r.SessionID,
		WorkflowName:          r.WorkflowName,
		Step:                  r.Step,
		StepEnteredAt:         r.StepEnteredAt,
		StepActionCount:       r.StepActionCount,
		TotalActionCount:      r.TotalActionCount,
		ReflectionPending:     r.ReflectionPending,
		ContextInjected:       r.ContextInjected,
		CurrentTaskIndex:      r.CurrentTaskIndex,
		FilesModifiedThisTask: r.FilesModifiedThisTask,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	for _, field := range []struct {
		col  string
		dest any
	}{
		{r.Artifacts, &s.Artifacts},
		{r.Observations, &s.Observations},
		{r.Variables, &s.Variables},
		{r.TaskList, &s.TaskList},
	} {
		if field.col == "" {
			continue
		}
		if err := json.Unmarshal([]byte(field.col), field.dest); err != nil {
			return nil, fmt.Errorf("decoding workflow state for %s: %w", r.SessionID, err)
		}
	}
	if s.Artifacts == nil {
		s.Artifacts = map[string]any{}
	}
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	return s, nil
}

// StateManager persists WorkflowState rows.
type StateManager struct {
	store *db.Store
}

// NewStateManager creates the workflow state persistence layer.
func NewStateManager(store *db.Store) *StateManager {
	return &StateManager{store: store}
}

// Load fetches the state for a session.
func (m *StateManager) Load(ctx context.Context, sessionID string) (*WorkflowState, error) {
	var row stateRow
	err := m.store.FetchOne(ctx, &row,
		"SELECT * FROM workflow_states WHERE session_id = ?", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toState()
}

// GetOrCreate loads the session's state, creating a fresh one bound to
// workflowName on first touch.
func (m *StateManager) GetOrCreate(ctx context.Context, sessionID, workflowName string) (*WorkflowState, error) {
	state, err := m.Load(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	now := db.NowUTC()
	state = &WorkflowState{
		SessionID:    sessionID,
		WorkflowName: workflowName,
		Artifacts:    map[string]any{},
		Variables:    map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Save upserts the entire state row.
func (m *StateManager) Save(ctx context.Context, s *WorkflowState) error {
	artifacts, err := json.Marshal(s.Artifacts)
	if err != nil {
		return err
	}
	observations, err := json.Marshal(orEmptyList(s.Observations))
	if err != nil {
		return err
	}
	variables, err := json.Marshal(s.Variables)
	if err != nil {
		return err
	}
	taskList, err := json.Marshal(orEmptyAnyList(s.TaskList))
	if err != nil {
		return err
	}

	s.UpdatedAt = db.NowUTC()
	if s.CreatedAt == "" {
		s.CreatedAt = s.UpdatedAt
	}

	_, err = m.store.Execute(ctx, `
		INSERT INTO workflow_states (session_id, workflow_name, step, step_entered_at,
			step_action_count, total_action_count, artifacts, observations,
			reflection_pending, context_injected, variables, task_list,
			current_task_index, files_modified_this_task, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			workflow_name = excluded.workflow_name, step = excluded.step,
			step_entered_at = excluded.step_entered_at,
			step_action_count = excluded.step_action_count,
			total_action_count = excluded.total_action_count,
			artifacts = excluded.artifacts, observations = excluded.observations,
			reflection_pending = excluded.reflection_pending,
			context_injected = excluded.context_injected,
			variables = excluded.variables, task_list = excluded.task_list,
			current_task_index = excluded.current_task_index,
			files_modified_this_task = excluded.files_modified_this_task,
			updated_at = excluded.updated_at`,
		s.SessionID, s.WorkflowName, s.Step, s.StepEnteredAt,
		s.StepActionCount, s.TotalActionCount, string(artifacts), string(observations),
		sqlite.BoolToInt(s.ReflectionPending), sqlite.BoolToInt(s.ContextInjected),
		string(variables), string(taskList),
		s.CurrentTaskIndex, s.FilesModifiedThisTask, s.CreatedAt, s.UpdatedAt)
	return err
}

// Delete removes the state row for a session.
func (m *StateManager) Delete(ctx context.Context, sessionID string) error {
	_, err := m.store.Execute(ctx,
		"DELETE FROM workflow_states WHERE session_id = ?", sessionID)
	return err
}

func orEmptyList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyAnyList(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}
