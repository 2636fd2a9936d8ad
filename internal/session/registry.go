package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// seqRefPattern matches human-friendly session references like "#12".
var seqRefPattern = regexp.MustCompile(`^#(\d+)$`)

// Registry provides session CRUD and lifecycle operations over the store.
type Registry struct {
	store  *db.Store
	logger *logger.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(store *db.Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithFields(zap.String("component", "session_registry")),
	}
}

// Register upserts a session by its composite key (external_id, machine_id,
// source). On conflict the row is updated and its status reset to active; on
// insert a per-project dense seq_num is allocated. The written row is read
// back inside the same transaction; if it is gone, ErrConsistency surfaces
// and the operation aborts.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*Session, error) {
	if p.ExternalID == "" || p.MachineID == "" || p.Source == "" || p.ProjectID == "" {
		return nil, fmt.Errorf("register: external_id, machine_id, source, and project_id are required")
	}

	now := db.NowUTC()
	var out Session
	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var nextSeq int64
		if err := tx.QueryRowxContext(ctx,
			"SELECT COALESCE(MAX(seq_num), 0) + 1 FROM sessions WHERE project_id = ?",
			p.ProjectID).Scan(&nextSeq); err != nil {
			return fmt.Errorf("allocating seq_num: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, external_id, machine_id, source, project_id, seq_num,
				title, status, jsonl_path, git_branch, parent_session_id,
				agent_depth, spawned_by_agent_id, workflow_name, model,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (external_id, machine_id, source) DO UPDATE SET
				project_id = excluded.project_id,
				title = COALESCE(excluded.title, sessions.title),
				status = 'active',
				jsonl_path = COALESCE(excluded.jsonl_path, sessions.jsonl_path),
				git_branch = COALESCE(excluded.git_branch, sessions.git_branch),
				model = COALESCE(excluded.model, sessions.model),
				updated_at = excluded.updated_at`,
			uuid.New().String(), p.ExternalID, p.MachineID, p.Source, p.ProjectID, nextSeq,
			p.Title, StatusActive, p.JSONLPath, p.GitBranch, p.ParentSessionID,
			p.AgentDepth, p.SpawnedByAgentID, p.WorkflowName, p.Model,
			now, now)
		if err != nil {
			return fmt.Errorf("upserting session: %w", err)
		}

		err = tx.GetContext(ctx, &out, `
			SELECT * FROM sessions
			WHERE external_id = ? AND machine_id = ? AND source = ?`,
			p.ExternalID, p.MachineID, p.Source)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConsistency
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get retrieves a session by internal id.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.store.FetchOne(ctx, &s, "SELECT * FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindByExternalID looks up a session by the full composite key scoped to a
// project.
func (r *Registry) FindByExternalID(ctx context.Context, externalID, machineID, projectID, source string) (*Session, error) {
	var s Session
	err := r.store.FetchOne(ctx, &s, `
		SELECT * FROM sessions
		WHERE external_id = ? AND machine_id = ? AND project_id = ? AND source = ?`,
		externalID, machineID, projectID, source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindCurrent looks up a session by the composite key alone. The key is
// unique, so project scoping is unnecessary.
func (r *Registry) FindCurrent(ctx context.Context, externalID, machineID, source string) (*Session, error) {
	var s Session
	err := r.store.FetchOne(ctx, &s, `
		SELECT * FROM sessions
		WHERE external_id = ? AND machine_id = ? AND source = ?`,
		externalID, machineID, source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindParent returns the most recently updated session on this machine and
// project matching status, optionally filtered by source. The hook pipeline
// calls this only for clear-type session starts; calling it on compact or
// resume events is how sessions end up as their own parents.
func (r *Registry) FindParent(ctx context.Context, machineID string, source *string, projectID, status string) (*Session, error) {
	if status == "" {
		status = StatusHandoffReady
	}
	query := `
		SELECT * FROM sessions
		WHERE machine_id = ? AND project_id = ? AND status = ?`
	args := []any{machineID, projectID, status}
	if source != nil {
		query += " AND source = ?"
		args = append(args, *source)
	}
	query += " ORDER BY updated_at DESC LIMIT 1"

	var s Session
	err := r.store.FetchOne(ctx, &s, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindChildren returns sessions one lineage level below parentID.
func (r *Registry) FindChildren(ctx context.Context, parentID string) ([]*Session, error) {
	var out []*Session
	err := r.store.FetchAll(ctx, &out,
		"SELECT * FROM sessions WHERE parent_session_id = ? ORDER BY created_at ASC", parentID)
	return out, err
}

// UpdateStatus sets the session status. Returns nil, nil when the session
// does not exist.
func (r *Registry) UpdateStatus(ctx context.Context, id, status string) (*Session, error) {
	return r.mutate(ctx, id, "status = ?", status)
}

// UpdateTitle sets the session title.
func (r *Registry) UpdateTitle(ctx context.Context, id, title string) (*Session, error) {
	return r.mutate(ctx, id, "title = ?", title)
}

// UpdateModel records which model the session is running.
func (r *Registry) UpdateModel(ctx context.Context, id, model string) (*Session, error) {
	return r.mutate(ctx, id, "model = ?", model)
}

// UpdateSummary stores the handoff summary location and/or content.
func (r *Registry) UpdateSummary(ctx context.Context, id string, summaryPath, summaryMarkdown *string) (*Session, error) {
	return r.mutate(ctx, id, "summary_path = COALESCE(?, summary_path), summary_markdown = COALESCE(?, summary_markdown)",
		summaryPath, summaryMarkdown)
}

// UpdateCompactMarkdown stores the compact handoff blob.
func (r *Registry) UpdateCompactMarkdown(ctx context.Context, id, markdown string) (*Session, error) {
	return r.mutate(ctx, id, "compact_markdown = ?", markdown)
}

// UpdateParentSessionID attaches a parent session for handoff lineage.
func (r *Registry) UpdateParentSessionID(ctx context.Context, id, parentID string) (*Session, error) {
	if id == parentID {
		return nil, fmt.Errorf("session %s cannot be its own parent", id)
	}
	return r.mutate(ctx, id, "parent_session_id = ?", parentID)
}

// UpdateTerminalPickupMetadata records how a spawned terminal picked up this
// session. Nil fields are left untouched.
func (r *Registry) UpdateTerminalPickupMetadata(ctx context.Context, id string, workflowName, agentRunID *string, contextInjected *bool, originalPrompt *string) (*Session, error) {
	return r.mutate(ctx, id, `
		workflow_name = COALESCE(?, workflow_name),
		agent_run_id = COALESCE(?, agent_run_id),
		context_injected = COALESCE(?, context_injected),
		original_prompt = COALESCE(?, original_prompt)`,
		workflowName, agentRunID, contextInjected, originalPrompt)
}

// UpdateUsage accumulates token and cost usage onto the session.
func (r *Registry) UpdateUsage(ctx context.Context, id string, u Usage) (*Session, error) {
	return r.mutate(ctx, id, `
		usage_input_tokens = usage_input_tokens + ?,
		usage_output_tokens = usage_output_tokens + ?,
		usage_cache_creation_tokens = usage_cache_creation_tokens + ?,
		usage_cache_read_tokens = usage_cache_read_tokens + ?,
		usage_total_cost_usd = usage_total_cost_usd + ?`,
		u.InputTokens, u.OutputTokens, u.CacheCreationTokens, u.CacheReadTokens, u.TotalCostUSD)
}

// MarkTranscriptProcessed flags a session's transcript as consumed.
func (r *Registry) MarkTranscriptProcessed(ctx context.Context, id string) (*Session, error) {
	return r.mutate(ctx, id, "transcript_processed = 1")
}

// mutate applies a SET clause plus updated_at touch to one session and
// returns the mutated row, or nil, nil when the id matches nothing.
func (r *Registry) mutate(ctx context.Context, id, setClause string, args ...any) (*Session, error) {
	stmt := fmt.Sprintf("UPDATE sessions SET %s, updated_at = ? WHERE id = ?", setClause)
	args = append(args, db.NowUTC(), id)

	res, err := r.store.Execute(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return r.Get(ctx, id)
}

// PauseInactiveActiveSessions transitions active sessions idle longer than
// timeoutMinutes to paused. updated_at is deliberately left alone so the
// expiry sweeper still sees the true inactivity window.
func (r *Registry) PauseInactiveActiveSessions(ctx context.Context, timeoutMinutes int) (int64, error) {
	cutoff := db.FormatTime(time.Now().UTC().Add(-time.Duration(timeoutMinutes) * time.Minute))
	res, err := r.store.Execute(ctx,
		"UPDATE sessions SET status = ? WHERE status = ? AND updated_at < ?",
		StatusPaused, StatusActive, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireStaleSessions transitions any non-expired, non-completed session
// idle longer than timeoutHours to expired.
func (r *Registry) ExpireStaleSessions(ctx context.Context, timeoutHours int) (int64, error) {
	cutoff := db.FormatTime(time.Now().UTC().Add(-time.Duration(timeoutHours) * time.Hour))
	res, err := r.store.Execute(ctx,
		"UPDATE sessions SET status = ? WHERE status NOT IN (?, ?) AND updated_at < ?",
		StatusExpired, StatusExpired, StatusCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetPendingTranscriptSessions returns expired sessions whose transcripts
// have not yet been processed, oldest first.
func (r *Registry) GetPendingTranscriptSessions(ctx context.Context, limit int) ([]*Session, error) {
	var out []*Session
	err := r.store.FetchAll(ctx, &out, `
		SELECT * FROM sessions
		WHERE status = ? AND transcript_processed = 0 AND jsonl_path IS NOT NULL
		ORDER BY updated_at ASC LIMIT ?`,
		StatusExpired, limit)
	return out, err
}

// ResolveSessionReference resolves "#N" to the project-scoped session with
// seq_num N; anything else is treated as an internal UUID.
func (r *Registry) ResolveSessionReference(ctx context.Context, ref string, projectID *string) (*Session, error) {
	if m := seqRefPattern.FindStringSubmatch(ref); m != nil {
		if projectID == nil {
			return nil, fmt.Errorf("resolving %q requires a project", ref)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session reference %q", ref)
		}
		var s Session
		err = r.store.FetchOne(ctx, &s,
			"SELECT * FROM sessions WHERE project_id = ? AND seq_num = ?", *projectID, n)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return &s, nil
	}
	return r.Get(ctx, ref)
}

// LinkTask records a session-task association with an action discriminator
// (created, worked_on, closed). Duplicate links are ignored.
func (r *Registry) LinkTask(ctx context.Context, sessionID, taskID, action string) error {
	_, err := r.store.Execute(ctx, `
		INSERT OR IGNORE INTO session_tasks (id, session_id, task_id, action, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, taskID, action, db.NowUTC())
	return err
}

// ActiveTaskID returns the most recently worked-on task for a session, or
// "" when there is none.
func (r *Registry) ActiveTaskID(ctx context.Context, sessionID string) (string, error) {
	var taskID string
	err := r.store.FetchValue(ctx, &taskID, `
		SELECT task_id FROM session_tasks
		WHERE session_id = ? AND action = 'worked_on'
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return taskID, err
}

// AppendMessage stores one message in the session's append-only log.
func (r *Registry) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	_, err := r.store.Execute(ctx, `
		INSERT INTO session_messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, role, content, db.NowUTC())
	return err
}

// RecentMessages returns up to limit most recent messages, oldest first.
func (r *Registry) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	var out []Message
	err := r.store.FetchAll(ctx, &out, `
		SELECT * FROM (
			SELECT id, session_id, role, content, created_at FROM session_messages
			WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, sessionID, limit)
	return out, err
}

// Message is one row in the session message log.
type Message struct {
	ID        string `db:"id" json:"id"`
	SessionID string `db:"session_id" json:"session_id"`
	Role      string `db:"role" json:"role"`
	Content   string `db:"content" json:"content"`
	CreatedAt string `db:"created_at" json:"created_at"`
}
