package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// Registry provides memory CRUD, recall scoring, and importance decay.
type Registry struct {
	store  *db.Store
	cfg    config.MemoryConfig
	logger *logger.Logger

	// lastAccess debounces access-count updates per memory id.
	mu         sync.Mutex
	lastAccess map[string]time.Time

	now func() time.Time
}

// NewRegistry creates a memory registry.
func NewRegistry(store *db.Store, cfg config.MemoryConfig, log *logger.Logger) *Registry {
	return &Registry{
		store:      store,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "memory_registry")),
		lastAccess: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Enabled reports whether the memory subsystem is switched on.
func (r *Registry) Enabled() bool { return r.cfg.Enabled }

// Remember stores a memory, idempotent on (content, project_id). A duplicate
// returns the existing row with Saved=false and reason "duplicate".
func (r *Registry) Remember(ctx context.Context, p RememberParams) (*RememberResult, error) {
	if !r.cfg.Enabled {
		return &RememberResult{Saved: false, Reason: "disabled"}, nil
	}
	if strings.TrimSpace(p.Content) == "" {
		return &RememberResult{Saved: false, Reason: "missing content"}, nil
	}

	if existing, err := r.findByContent(ctx, p.Content, p.ProjectID); err == nil {
		return &RememberResult{Saved: false, MemoryID: existing.ID, Reason: "duplicate", Memory: existing}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if p.MemoryType == "" {
		p.MemoryType = TypeFact
	}
	if p.Importance <= 0 {
		p.Importance = 0.5
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil || p.Tags == nil {
		tags = []byte("[]")
	}

	m := &Memory{
		ID:              uuid.New().String(),
		ProjectID:       p.ProjectID,
		MemoryType:      p.MemoryType,
		Content:         p.Content,
		SourceType:      p.SourceType,
		SourceSessionID: p.SourceSessionID,
		Importance:      p.Importance,
		Tags:            string(tags),
		CreatedAt:       db.NowUTC(),
		UpdatedAt:       db.NowUTC(),
	}
	_, err = r.store.Execute(ctx, `
		INSERT INTO memories (
			id, project_id, memory_type, content, source_type,
			source_session_id, importance, tags, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.MemoryType, m.Content, m.SourceType,
		m.SourceSessionID, m.Importance, m.Tags, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("saving memory: %w", err)
	}
	return &RememberResult{Saved: true, MemoryID: m.ID, Memory: m}, nil
}

// ContentExists reports whether the exact content is already stored for the
// project scope.
func (r *Registry) ContentExists(ctx context.Context, content string, projectID *string) (bool, error) {
	_, err := r.findByContent(ctx, content, projectID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) findByContent(ctx context.Context, content string, projectID *string) (*Memory, error) {
	query := "SELECT * FROM memories WHERE content = ?"
	args := []any{content}
	if projectID != nil {
		query += " AND project_id = ?"
		args = append(args, *projectID)
	} else {
		query += " AND project_id IS NULL"
	}

	var m Memory
	err := r.store.FetchOne(ctx, &m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Get retrieves a memory by id.
func (r *Registry) Get(ctx context.Context, id string) (*Memory, error) {
	var m Memory
	err := r.store.FetchOne(ctx, &m, "SELECT * FROM memories WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Recall returns up to limit memories relevant to the query, ordered by
// importance weighted by recency. The query narrows candidates with a
// substring match when non-empty; recall also records an access on each
// returned memory, debounced per the configured window.
func (r *Registry) Recall(ctx context.Context, query string, projectID *string, limit int, importanceFloor float64) ([]*Memory, error) {
	if !r.cfg.Enabled {
		return nil, nil
	}
	if limit <= 0 {
		limit = r.cfg.AutoRecallLimit
	}
	if limit <= 0 {
		limit = 5
	}

	// Recency-weighted ordering: importance dominates, last touch breaks
	// ties. julianday differences give fractional days.
	stmt := `
		SELECT * FROM memories
		WHERE importance >= ?
		  AND (project_id = ? OR (? IS NULL AND project_id IS NULL) OR project_id IS NULL)`
	args := []any{importanceFloor, projectID, projectID}

	if q := strings.TrimSpace(query); q != "" {
		stmt += " AND content LIKE ?"
		args = append(args, "%"+q+"%")
	}
	stmt += `
		ORDER BY importance * (1.0 / (1.0 + julianday('now') - julianday(COALESCE(last_accessed_at, created_at)))) DESC
		LIMIT ?`
	args = append(args, limit)

	var out []*Memory
	if err := r.store.FetchAll(ctx, &out, stmt, args...); err != nil {
		return nil, err
	}

	for _, m := range out {
		if err := r.recordAccess(ctx, m.ID); err != nil {
			r.logger.WithError(err).Warn("recording memory access", zap.String("memory_id", m.ID))
		}
	}
	return out, nil
}

// recordAccess bumps access_count and last_accessed_at, at most once per
// memory per debounce window (wall clock).
func (r *Registry) recordAccess(ctx context.Context, id string) error {
	window := time.Duration(r.cfg.AccessDebounceSeconds) * time.Second
	if window <= 0 {
		window = 60 * time.Second
	}
	now := r.now()

	r.mu.Lock()
	if last, ok := r.lastAccess[id]; ok && now.Sub(last) < window {
		r.mu.Unlock()
		return nil
	}
	r.lastAccess[id] = now
	r.mu.Unlock()

	_, err := r.store.Execute(ctx,
		"UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?",
		db.FormatTime(now), id)
	return err
}

// DecayImportance multiplies each memory's importance by (1-rate) per
// elapsed month since its last update, floored at the configured minimum.
// Returns the number of memories touched.
func (r *Registry) DecayImportance(ctx context.Context) (int64, error) {
	rate := r.cfg.DecayRatePerMonth
	floor := r.cfg.DecayFloor
	if rate <= 0 {
		return 0, nil
	}

	// One month of elapsed time applies one decay step; partial months decay
	// proportionally via the julianday fraction.
	res, err := r.store.Execute(ctx, `
		UPDATE memories
		SET importance = MAX(?, importance * (1.0 - ? * ((julianday('now') - julianday(updated_at)) / 30.0))),
			updated_at = ?
		WHERE importance > ?`,
		floor, rate, db.NowUTC(), floor)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddCrossref links two related memories with a similarity score. Repeats
// update the score.
func (r *Registry) AddCrossref(ctx context.Context, sourceID, targetID string, similarity float64) error {
	_, err := r.store.Execute(ctx, `
		INSERT INTO memory_crossrefs (source_id, target_id, similarity)
		VALUES (?, ?, ?)
		ON CONFLICT (source_id, target_id) DO UPDATE SET similarity = excluded.similarity`,
		sourceID, targetID, similarity)
	return err
}

// Crossrefs returns the memories linked from sourceID, strongest first.
func (r *Registry) Crossrefs(ctx context.Context, sourceID string) ([]*Memory, error) {
	var out []*Memory
	err := r.store.FetchAll(ctx, &out, `
		SELECT m.* FROM memories m
		JOIN memory_crossrefs x ON x.target_id = m.id
		WHERE x.source_id = ?
		ORDER BY x.similarity DESC`, sourceID)
	return out, err
}

// LinkSession records a session-memory association with an action
// discriminator (created, recalled). Duplicates are ignored.
func (r *Registry) LinkSession(ctx context.Context, sessionID, memoryID, action string) error {
	_, err := r.store.Execute(ctx, `
		INSERT OR IGNORE INTO session_memories (id, session_id, memory_id, action, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, memoryID, action, db.NowUTC())
	return err
}

// ListByProject returns all memories in a project scope, newest first.
func (r *Registry) ListByProject(ctx context.Context, projectID *string) ([]*Memory, error) {
	var out []*Memory
	var err error
	if projectID != nil {
		err = r.store.FetchAll(ctx, &out,
			"SELECT * FROM memories WHERE project_id = ? ORDER BY created_at DESC", *projectID)
	} else {
		err = r.store.FetchAll(ctx, &out,
			"SELECT * FROM memories WHERE project_id IS NULL ORDER BY created_at DESC")
	}
	return out, err
}

// Delete removes a memory; crossrefs and session links cascade.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
