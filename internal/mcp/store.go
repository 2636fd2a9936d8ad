package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// ServerStore persists server configs, cached tool schemas, and call metrics.
type ServerStore struct {
	store *db.Store
}

// NewServerStore creates the persistence layer for the pool.
func NewServerStore(store *db.Store) *ServerStore {
	return &ServerStore{store: store}
}

// ListEnabled returns every enabled server config.
func (s *ServerStore) ListEnabled(ctx context.Context) ([]*ServerConfig, error) {
	var out []*ServerConfig
	err := s.store.FetchAll(ctx, &out,
		"SELECT * FROM mcp_servers WHERE enabled = 1 ORDER BY name ASC")
	return out, err
}

// Get returns the config for a server by name and project.
func (s *ServerStore) Get(ctx context.Context, name, projectID string) (*ServerConfig, error) {
	var cfg ServerConfig
	err := s.store.FetchOne(ctx, &cfg,
		"SELECT * FROM mcp_servers WHERE name = ? AND project_id = ?", name, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownServer
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save upserts the server row and cascade-replaces its cached tools.
func (s *ServerStore) Save(ctx context.Context, cfg *ServerConfig, tools []mcp.Tool) ([]ToolRecord, error) {
	now := db.NowUTC()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	var records []ToolRecord
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mcp_servers (id, name, project_id, transport, url, command,
				args, env, headers, enabled, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name, project_id) DO UPDATE SET
				transport = excluded.transport, url = excluded.url,
				command = excluded.command, args = excluded.args,
				env = excluded.env, headers = excluded.headers,
				enabled = excluded.enabled, description = excluded.description,
				updated_at = excluded.updated_at`,
			cfg.ID, cfg.Name, cfg.ProjectID, cfg.Transport, cfg.URL, cfg.Command,
			cfg.Args, cfg.Env, cfg.Headers, cfg.Enabled, cfg.Description,
			cfg.CreatedAt, cfg.UpdatedAt)
		if err != nil {
			return err
		}

		// The upsert keeps the original id on conflict; read it back.
		var serverID string
		if err := tx.QueryRowxContext(ctx,
			"SELECT id FROM mcp_servers WHERE name = ? AND project_id = ?",
			cfg.Name, cfg.ProjectID).Scan(&serverID); err != nil {
			return err
		}
		cfg.ID = serverID

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM tools WHERE mcp_server_id = ?", serverID); err != nil {
			return err
		}
		for _, t := range tools {
			rec := ToolRecord{
				ID:          uuid.NewString(),
				McpServerID: serverID,
				Name:        t.Name,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if t.Description != "" {
				desc := t.Description
				rec.Description = &desc
			}
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				sc := string(schema)
				rec.InputSchema = &sc
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tools (id, mcp_server_id, name, description, input_schema,
					created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.McpServerID, rec.Name, rec.Description, rec.InputSchema,
				rec.CreatedAt, rec.UpdatedAt); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the server row; tools and embeddings cascade.
func (s *ServerStore) Delete(ctx context.Context, name, projectID string) error {
	_, err := s.store.Execute(ctx,
		"DELETE FROM mcp_servers WHERE name = ? AND project_id = ?", name, projectID)
	return err
}

// CachedTools returns the persisted tool schemas for a server by name.
func (s *ServerStore) CachedTools(ctx context.Context, name, projectID string) ([]ToolRecord, error) {
	var out []ToolRecord
	err := s.store.FetchAll(ctx, &out, `
		SELECT t.* FROM tools t
		JOIN mcp_servers s ON s.id = t.mcp_server_id
		WHERE s.name = ? AND s.project_id = ?
		ORDER BY t.name ASC`, name, projectID)
	return out, err
}

// RecordMetric appends one tool call outcome to tool_metrics.
func (s *ServerStore) RecordMetric(ctx context.Context, serverID, toolName string, durationMs float64, callErr error) error {
	var errStr *string
	success := 1
	if callErr != nil {
		success = 0
		msg := callErr.Error()
		errStr = &msg
	}
	_, err := s.store.Execute(ctx, `
		INSERT INTO tool_metrics (id, mcp_server_id, tool_name, duration_ms, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), serverID, toolName, durationMs, success, errStr, db.NowUTC())
	return err
}
