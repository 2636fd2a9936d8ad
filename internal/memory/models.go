// Package memory owns content-addressed memories and named skills. Memories
// carry an importance score that decays over time; recall orders by
// importance and recency, and access bookkeeping is debounced per memory.
package memory

import "errors"

// Memory types.
const (
	TypeFact       = "fact"
	TypePreference = "preference"
	TypePattern    = "pattern"
	TypeContext    = "context"
)

// ErrNotFound is returned when a memory or skill lookup matches nothing.
var ErrNotFound = errors.New("memory not found")

// Memory is one stored fact, preference, pattern, or context blob.
type Memory struct {
	ID              string   `db:"id" json:"id"`
	ProjectID       *string  `db:"project_id" json:"project_id,omitempty"`
	MemoryType      string   `db:"memory_type" json:"memory_type"`
	Content         string   `db:"content" json:"content"`
	SourceType      *string  `db:"source_type" json:"source_type,omitempty"`
	SourceSessionID *string  `db:"source_session_id" json:"source_session_id,omitempty"`
	Importance      float64  `db:"importance" json:"importance"`
	AccessCount     int64    `db:"access_count" json:"access_count"`
	LastAccessedAt  *string  `db:"last_accessed_at" json:"last_accessed_at,omitempty"`
	Embedding       []byte   `db:"embedding" json:"-"`
	Tags            string   `db:"tags" json:"tags"`
	CreatedAt       string   `db:"created_at" json:"created_at"`
	UpdatedAt       string   `db:"updated_at" json:"updated_at"`
}

// RememberParams carries everything a memory save may set.
type RememberParams struct {
	Content         string
	MemoryType      string
	ProjectID       *string
	SourceType      *string
	SourceSessionID *string
	Importance      float64
	Tags            []string
}

// RememberResult reports the outcome of an idempotent save.
type RememberResult struct {
	Saved    bool    `json:"saved"`
	MemoryID string  `json:"memory_id,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Memory   *Memory `json:"-"`
}

// Skill is a named reusable instruction block.
type Skill struct {
	ID           string  `db:"id" json:"id"`
	Name         string  `db:"name" json:"name"`
	ProjectID    *string `db:"project_id" json:"project_id,omitempty"`
	Description  *string `db:"description" json:"description,omitempty"`
	Instructions string  `db:"instructions" json:"instructions"`
	Tags         string  `db:"tags" json:"tags"`
	Enabled      bool    `db:"enabled" json:"enabled"`
	CreatedAt    string  `db:"created_at" json:"created_at"`
	UpdatedAt    string  `db:"updated_at" json:"updated_at"`
}
