package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// SkillParams carries the fields settable when creating a skill.
type SkillParams struct {
	Name         string
	ProjectID    *string
	Description  *string
	Instructions string
	Tags         []string
}

// CreateSkill stores a named reusable instruction block. Names are unique
// per project scope.
func (r *Registry) CreateSkill(ctx context.Context, p SkillParams) (*Skill, error) {
	if p.Name == "" || strings.TrimSpace(p.Instructions) == "" {
		return nil, fmt.Errorf("create skill: name and instructions are required")
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil || p.Tags == nil {
		tags = []byte("[]")
	}

	s := &Skill{
		ID:           uuid.New().String(),
		Name:         p.Name,
		ProjectID:    p.ProjectID,
		Description:  p.Description,
		Instructions: p.Instructions,
		Tags:         string(tags),
		Enabled:      true,
		CreatedAt:    db.NowUTC(),
		UpdatedAt:    db.NowUTC(),
	}
	_, err = r.store.Execute(ctx, `
		INSERT INTO skills (id, name, project_id, description, instructions, tags, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		s.ID, s.Name, s.ProjectID, s.Description, s.Instructions, s.Tags, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating skill %q: %w", p.Name, err)
	}
	return s, nil
}

// GetSkillByName retrieves an enabled skill by name, preferring the project
// scope over global.
func (r *Registry) GetSkillByName(ctx context.Context, name string, projectID *string) (*Skill, error) {
	var s Skill
	err := r.store.FetchOne(ctx, &s, `
		SELECT * FROM skills
		WHERE name = ? AND enabled = 1 AND (project_id = ? OR project_id IS NULL)
		ORDER BY project_id IS NULL LIMIT 1`, name, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSkills returns enabled skills visible in the project scope.
func (r *Registry) ListSkills(ctx context.Context, projectID *string) ([]*Skill, error) {
	var out []*Skill
	err := r.store.FetchAll(ctx, &out, `
		SELECT * FROM skills
		WHERE enabled = 1 AND (project_id = ? OR project_id IS NULL)
		ORDER BY name ASC`, projectID)
	return out, err
}

// RenderSkill formats a skill as the markdown block inject_context emits.
func (r *Registry) RenderSkill(ctx context.Context, name string, projectID *string) (string, error) {
	s, err := r.GetSkillByName(ctx, name, projectID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Skill: %s\n\n", s.Name)
	if s.Description != nil && *s.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", *s.Description)
	}
	b.WriteString(s.Instructions)
	return b.String(), nil
}
