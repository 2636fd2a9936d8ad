package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// updatableColumns is the set of task columns UpdateTask will touch. Fields
// outside this set are ignored silently, which lets workflow actions pass
// through loosely shaped parameter bags.
var updatableColumns = map[string]bool{
	"parent_task_id":       true,
	"title":                true,
	"description":          true,
	"details":              true,
	"status":               true,
	"priority":             true,
	"task_type":            true,
	"assignee":             true,
	"labels":               true,
	"validation_status":    true,
	"validation_feedback":  true,
	"validation_criteria":  true,
	"validation_fail_count": true,
	"use_external_validator": true,
	"complexity_score":     true,
	"estimated_subtasks":   true,
	"expansion_context":    true,
	"workflow_name":        true,
	"verification":         true,
	"sequence_order":       true,
	"escalated_at":         true,
	"escalation_reason":    true,
	"github_issue_number":  true,
	"github_pr_number":     true,
	"linear_issue_id":      true,
}

var taskSeqRefPattern = regexp.MustCompile(`^#(\d+)$`)

// Registry provides task CRUD, hierarchy, and dependency operations.
type Registry struct {
	store  *db.Store
	logger *logger.Logger
}

// NewRegistry creates a task registry.
func NewRegistry(store *db.Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithFields(zap.String("component", "task_registry")),
	}
}

// CreateTask inserts a new task, allocating its per-project seq_num and
// materializing its path_cache from the parent chain. seq_num values are
// never reused, even after deletes.
func (r *Registry) CreateTask(ctx context.Context, p CreateParams) (*Task, error) {
	if p.ProjectID == "" || p.Title == "" {
		return nil, fmt.Errorf("create task: project_id and title are required")
	}
	if p.Status == "" {
		p.Status = StatusOpen
	}
	if p.TaskType == "" {
		p.TaskType = "task"
	}
	labels, err := json.Marshal(p.Labels)
	if err != nil || p.Labels == nil {
		labels = []byte("[]")
	}

	id := uuid.New().String()
	now := db.NowUTC()

	err = r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var nextSeq int64
		if err := tx.QueryRowxContext(ctx,
			"SELECT COALESCE(MAX(seq_num), 0) + 1 FROM tasks WHERE project_id = ?",
			p.ProjectID).Scan(&nextSeq); err != nil {
			return fmt.Errorf("allocating seq_num: %w", err)
		}

		path := strconv.FormatInt(nextSeq, 10)
		if p.ParentTaskID != nil {
			var parentPath string
			err := tx.QueryRowxContext(ctx,
				"SELECT path_cache FROM tasks WHERE id = ?", *p.ParentTaskID).Scan(&parentPath)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent task %s: %w", *p.ParentTaskID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			path = parentPath + "." + path
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, project_id, parent_task_id, created_in_session_id,
				title, description, details, status, priority, task_type,
				assignee, labels, workflow_name, sequence_order,
				validation_criteria, seq_num, path_cache, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.ProjectID, p.ParentTaskID, p.CreatedInSessionID,
			p.Title, p.Description, p.Details, p.Status, p.Priority, p.TaskType,
			p.Assignee, string(labels), p.WorkflowName, p.SequenceOrder,
			p.ValidationCriteria, nextSeq, path, now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return r.GetTask(ctx, id)
}

// GetTask retrieves a task by id.
func (r *Registry) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := r.store.FetchOne(ctx, &t, "SELECT * FROM tasks WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies the given column-keyed fields. Unknown keys are ignored
// silently; a parent_task_id change rebuilds path_cache for the whole
// subtree. Returns the mutated task or ErrNotFound.
func (r *Registry) UpdateTask(ctx context.Context, id string, fields map[string]any) (*Task, error) {
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+2)
	parentChanged := false
	for col, val := range fields {
		if !updatableColumns[col] {
			continue
		}
		if col == "parent_task_id" {
			parentChanged = true
		}
		sets = append(sets, col+" = ?")
		args = append(args, normalizeValue(val))
	}
	if len(sets) == 0 {
		return r.GetTask(ctx, id)
	}

	stmt := fmt.Sprintf("UPDATE tasks SET %s, updated_at = ? WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, db.NowUTC(), id)

	res, err := r.store.Execute(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if parentChanged {
		if err := r.UpdatePathCache(ctx, id); err != nil {
			return nil, err
		}
	}
	return r.GetTask(ctx, id)
}

// normalizeValue makes loosely typed workflow parameters storable: slices
// and maps become JSON text, everything else passes through.
func normalizeValue(v any) any {
	switch v.(type) {
	case nil, string, int, int64, float64, bool, *string, *int:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// DeleteTask removes a task. Dependencies and join rows cascade; children
// keep existing with parent_task_id cleared by the schema.
func (r *Registry) DeleteTask(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns project tasks matching the filters, ordered by path so
// parents precede children.
func (r *Registry) ListTasks(ctx context.Context, projectID string, f Filters) ([]*Task, error) {
	query := "SELECT * FROM tasks WHERE project_id = ?"
	args := []any{projectID}

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.ParentTaskID != nil {
		if *f.ParentTaskID == "" {
			query += " AND parent_task_id IS NULL"
		} else {
			query += " AND parent_task_id = ?"
			args = append(args, *f.ParentTaskID)
		}
	}
	if f.TaskType != "" {
		query += " AND task_type = ?"
		args = append(args, f.TaskType)
	}
	if f.Assignee != "" {
		query += " AND assignee = ?"
		args = append(args, f.Assignee)
	}
	query += " ORDER BY path_cache ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []*Task
	err := r.store.FetchAll(ctx, &out, query, args...)
	return out, err
}

// AddDependency records that taskID depends on dependsOn. The composite key
// makes repeats a no-op.
func (r *Registry) AddDependency(ctx context.Context, taskID, dependsOn, depType string) error {
	if depType == "" {
		depType = "blocks"
	}
	if taskID == dependsOn {
		return fmt.Errorf("task %s cannot depend on itself", taskID)
	}
	_, err := r.store.Execute(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, dep_type, created_at)
		VALUES (?, ?, ?, ?)`,
		taskID, dependsOn, depType, db.NowUTC())
	return err
}

// ListDependencies returns the outbound dependency edges of a task.
func (r *Registry) ListDependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	var out []Dependency
	err := r.store.FetchAll(ctx, &out,
		"SELECT * FROM task_dependencies WHERE task_id = ? ORDER BY created_at ASC", taskID)
	return out, err
}

// UpdatePathCache recomputes path_cache for the task and its whole subtree.
// Called after a parent change; the recursive CTE walks down from the moved
// task so every descendant picks up the new prefix.
func (r *Registry) UpdatePathCache(ctx context.Context, id string) error {
	return r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			WITH RECURSIVE subtree(id, path) AS (
				SELECT t.id,
					CASE WHEN t.parent_task_id IS NULL
						THEN CAST(t.seq_num AS TEXT)
						ELSE COALESCE((SELECT p.path_cache FROM tasks p WHERE p.id = t.parent_task_id), '')
							|| '.' || CAST(t.seq_num AS TEXT)
					END
				FROM tasks t WHERE t.id = ?
				UNION ALL
				SELECT c.id, s.path || '.' || CAST(c.seq_num AS TEXT)
				FROM tasks c
				JOIN subtree s ON c.parent_task_id = s.id
			)
			UPDATE tasks SET path_cache = (SELECT path FROM subtree WHERE subtree.id = tasks.id)
			WHERE tasks.id IN (SELECT id FROM subtree)`, id)
		return err
	})
}

// RecordValidation appends to the task's validation history and mirrors the
// outcome onto the task row, bumping the fail counter on invalid.
func (r *Registry) RecordValidation(ctx context.Context, taskID, status string, feedback, sessionID *string) error {
	return r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_validation_history (id, task_id, validation_status, feedback, session_id, validated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), taskID, status, feedback, sessionID, db.NowUTC()); err != nil {
			return err
		}

		failBump := 0
		if status == ValidationInvalid {
			failBump = 1
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET validation_status = ?, validation_feedback = ?,
				validation_fail_count = validation_fail_count + ?, updated_at = ?
			WHERE id = ?`,
			status, feedback, failBump, db.NowUTC(), taskID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ValidationHistory returns the append-only validation records, oldest first.
func (r *Registry) ValidationHistory(ctx context.Context, taskID string) ([]ValidationRecord, error) {
	var out []ValidationRecord
	err := r.store.FetchAll(ctx, &out,
		"SELECT * FROM task_validation_history WHERE task_id = ? ORDER BY validated_at ASC", taskID)
	return out, err
}

// LinkCommit appends a short commit hash to the task's commits list.
func (r *Registry) LinkCommit(ctx context.Context, taskID, sha string) error {
	t, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	var commits []string
	if t.Commits != nil && *t.Commits != "" {
		if err := json.Unmarshal([]byte(*t.Commits), &commits); err != nil {
			commits = nil
		}
	}
	for _, c := range commits {
		if c == sha {
			return nil
		}
	}
	commits = append(commits, sha)
	data, err := json.Marshal(commits)
	if err != nil {
		return err
	}

	_, err = r.store.Execute(ctx,
		"UPDATE tasks SET commits = ?, updated_at = ? WHERE id = ?",
		string(data), db.NowUTC(), taskID)
	return err
}

// LinkCommitByRef resolves a task reference ("#N" or a UUID) within the
// project and links the commit to it.
func (r *Registry) LinkCommitByRef(ctx context.Context, projectID, taskRef, commitSHA string) error {
	t, err := r.ResolveTaskReference(ctx, taskRef, &projectID)
	if err != nil {
		return err
	}
	if t.ProjectID != projectID {
		return ErrNotFound
	}
	return r.LinkCommit(ctx, t.ID, commitSHA)
}

// CloseTask marks a task completed, recording the closing session and
// commit.
func (r *Registry) CloseTask(ctx context.Context, taskID string, sessionID, commitSHA *string) (*Task, error) {
	now := db.NowUTC()
	res, err := r.store.Execute(ctx, `
		UPDATE tasks SET status = ?, closed_in_session_id = ?, closed_commit_sha = ?,
			closed_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusCompleted, sessionID, commitSHA, now, now, taskID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetTask(ctx, taskID)
}

// ResolveTaskReference resolves "#N" to the project-scoped task with seq_num
// N; anything else is treated as a task UUID.
func (r *Registry) ResolveTaskReference(ctx context.Context, ref string, projectID *string) (*Task, error) {
	if m := taskSeqRefPattern.FindStringSubmatch(ref); m != nil {
		if projectID == nil {
			return nil, fmt.Errorf("resolving %q requires a project", ref)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid task reference %q", ref)
		}
		var t Task
		err = r.store.FetchOne(ctx, &t,
			"SELECT * FROM tasks WHERE project_id = ? AND seq_num = ?", *projectID, n)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return r.GetTask(ctx, ref)
}
