// Package project owns project rows: the scoping root for sessions, tasks,
// memories, and MCP servers.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// OrphanedProjectID is the fixed id of the synthetic project that receives
// sessions whose original project is gone.
const OrphanedProjectID = "00000000-0000-0000-0000-000000000000"

// ErrNotFound is returned when a project lookup matches nothing.
var ErrNotFound = errors.New("project not found")

// Project is the root scoping entity.
type Project struct {
	ID           string  `db:"id" json:"id"`
	Name         string  `db:"name" json:"name"`
	RepoPath     string  `db:"repo_path" json:"repo_path"`
	GithubRepo   *string `db:"github_repo" json:"github_repo,omitempty"`
	LinearTeamID *string `db:"linear_team_id" json:"linear_team_id,omitempty"`
	CreatedAt    string  `db:"created_at" json:"created_at"`
	UpdatedAt    string  `db:"updated_at" json:"updated_at"`
}

// marker is the on-disk file InitAt writes under <repo>/.gobby so a later
// hook event can resolve the project without a daemon round trip.
type marker struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// Registry provides project CRUD over the store.
type Registry struct {
	store *db.Store
}

// NewRegistry creates a project registry.
func NewRegistry(store *db.Store) *Registry {
	return &Registry{store: store}
}

// Create inserts a new project. Name must be unique.
func (r *Registry) Create(ctx context.Context, name, repoPath string) (*Project, error) {
	p := &Project{
		ID:        uuid.New().String(),
		Name:      name,
		RepoPath:  repoPath,
		CreatedAt: db.NowUTC(),
		UpdatedAt: db.NowUTC(),
	}
	_, err := r.store.Execute(ctx, `
		INSERT INTO projects (id, name, repo_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoPath, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating project %q: %w", name, err)
	}
	return p, nil
}

// Get retrieves a project by id.
func (r *Registry) Get(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := r.store.FetchOne(ctx, &p, "SELECT * FROM projects WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByName retrieves a project by its unique name.
func (r *Registry) GetByName(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := r.store.FetchOne(ctx, &p, "SELECT * FROM projects WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByPath retrieves the project whose repo_path matches the given path.
func (r *Registry) GetByPath(ctx context.Context, repoPath string) (*Project, error) {
	var p Project
	err := r.store.FetchOne(ctx, &p, "SELECT * FROM projects WHERE repo_path = ?", repoPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureOrphaned makes sure the synthetic _orphaned project exists and
// returns it. Normally seeded by a migration; this covers databases created
// before that migration shipped.
func (r *Registry) EnsureOrphaned(ctx context.Context) (*Project, error) {
	p, err := r.Get(ctx, OrphanedProjectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	_, err = r.store.Execute(ctx, `
		INSERT OR IGNORE INTO projects (id, name, repo_path, created_at, updated_at)
		VALUES (?, '_orphaned', '', ?, ?)`,
		OrphanedProjectID, db.NowUTC(), db.NowUTC())
	if err != nil {
		return nil, fmt.Errorf("seeding orphaned project: %w", err)
	}
	return r.Get(ctx, OrphanedProjectID)
}

// Delete removes a project; sessions, tasks, memories, and MCP servers
// cascade at the schema level.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InitAt resolves or creates the project for a working directory and writes
// the .gobby/project.json marker. Resolution order: marker file, repo_path
// match, then a fresh project named after the directory.
func (r *Registry) InitAt(ctx context.Context, dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	if p, err := r.resolveMarker(ctx, abs); err == nil {
		return p, nil
	}
	if p, err := r.GetByPath(ctx, abs); err == nil {
		return p, r.writeMarker(abs, p)
	}

	name := filepath.Base(abs)
	p, err := r.Create(ctx, name, abs)
	if err != nil {
		// Name collision with a project rooted elsewhere: qualify with a
		// short random suffix rather than failing the hook.
		p, err = r.Create(ctx, fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]), abs)
		if err != nil {
			return nil, err
		}
	}
	return p, r.writeMarker(abs, p)
}

// ResolveAt reads the .gobby/project.json marker under dir without creating
// anything. Returns ErrNotFound when the marker is absent or stale.
func (r *Registry) ResolveAt(ctx context.Context, dir string) (*Project, error) {
	return r.resolveMarker(ctx, dir)
}

func (r *Registry) resolveMarker(ctx context.Context, dir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, ".gobby", "project.json"))
	if err != nil {
		return nil, ErrNotFound
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil || m.ProjectID == "" {
		return nil, ErrNotFound
	}
	return r.Get(ctx, m.ProjectID)
}

func (r *Registry) writeMarker(dir string, p *Project) error {
	markerDir := filepath.Join(dir, ".gobby")
	if err := os.MkdirAll(markerDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", markerDir, err)
	}
	data, err := json.MarshalIndent(marker{ProjectID: p.ID, Name: p.Name}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(markerDir, "project.json"), append(data, '\n'), 0o644)
}
