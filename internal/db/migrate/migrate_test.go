package migrate

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func countVersions(t *testing.T, store *db.Store) int {
	t.Helper()
	var n int
	require.NoError(t, store.FetchValue(context.Background(), &n,
		"SELECT COUNT(*) FROM schema_version"))
	return n
}

func TestRunIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Run(ctx, store, nil))
	first := countVersions(t, store)
	require.Equal(t, len(migrations), first)

	// Second run applies nothing.
	require.NoError(t, Run(ctx, store, nil))
	assert.Equal(t, first, countVersions(t, store))
}

func TestRunCreatesAllTables(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, Run(ctx, store, nil))

	tables := []string{
		"projects", "sessions", "tasks", "task_dependencies", "session_tasks",
		"task_validation_history", "task_selection_history", "worktrees",
		"memories", "memory_crossrefs", "session_memories", "workflow_states",
		"mcp_servers", "tools", "tool_embeddings", "session_messages",
		"skills", "tool_metrics", "schema_version",
	}
	for _, table := range tables {
		var name string
		err := store.FetchValue(ctx, &name,
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table)
		require.NoError(t, err, "table %s should exist", table)
	}

	// The orphaned project seed ran.
	var orphanName string
	require.NoError(t, store.FetchValue(ctx, &orphanName,
		"SELECT name FROM projects WHERE id = '00000000-0000-0000-0000-000000000000'"))
	assert.Equal(t, "_orphaned", orphanName)
}

func TestTaskIDUUIDRewrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Replay history up to the legacy-id era, then seed gt- rows.
	require.NoError(t, RunTo(ctx, store, nil, 8))

	now := db.NowUTC()
	_, err := store.Execute(ctx,
		"INSERT INTO projects (id, name, repo_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		"p1", "demo", "/demo", now, now)
	require.NoError(t, err)

	for _, id := range []string{"gt-abcdef", "gt-123456"} {
		_, err = store.Execute(ctx,
			"INSERT INTO tasks (id, project_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			id, "p1", "task "+id, now, now)
		require.NoError(t, err)
	}
	_, err = store.Execute(ctx,
		"UPDATE tasks SET parent_task_id = 'gt-abcdef' WHERE id = 'gt-123456'")
	require.NoError(t, err)
	_, err = store.Execute(ctx,
		"INSERT INTO task_dependencies (task_id, depends_on, dep_type, created_at) VALUES (?, ?, ?, ?)",
		"gt-abcdef", "gt-123456", "blocks", now)
	require.NoError(t, err)

	require.NoError(t, Run(ctx, store, nil))

	var ids []string
	require.NoError(t, store.FetchAll(ctx, &ids, "SELECT id FROM tasks ORDER BY id"))
	require.Len(t, ids, 2)

	uuidWithHash := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	var newAbcdef, new123456 string
	for _, id := range ids {
		require.Regexp(t, uuidWithHash, id)
		switch id[24:30] {
		case "abcdef":
			newAbcdef = id
		case "123456":
			new123456 = id
		default:
			t.Fatalf("task id %s does not embed a legacy short hash", id)
		}
	}
	require.NotEmpty(t, newAbcdef)
	require.NotEmpty(t, new123456)

	// Referring columns follow the rewrite.
	var parentID string
	require.NoError(t, store.FetchValue(ctx, &parentID,
		"SELECT parent_task_id FROM tasks WHERE id = ?", new123456))
	assert.Equal(t, newAbcdef, parentID)

	var depTaskID, dependsOn string
	require.NoError(t, store.FetchValue(ctx, &depTaskID, "SELECT task_id FROM task_dependencies"))
	require.NoError(t, store.FetchValue(ctx, &dependsOn, "SELECT depends_on FROM task_dependencies"))
	assert.Equal(t, newAbcdef, depTaskID)
	assert.Equal(t, new123456, dependsOn)
}

func TestSeqNumBackfillIsDensePerProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, RunTo(ctx, store, nil, 9))

	now := db.NowUTC()
	for _, p := range []string{"p1", "p2"} {
		_, err := store.Execute(ctx,
			"INSERT INTO projects (id, name, repo_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			p, p, "/"+p, now, now)
		require.NoError(t, err)
	}

	seed := []struct{ id, project, createdAt string }{
		{"t-b", "p1", "2024-01-02T00:00:00Z"},
		{"t-a", "p1", "2024-01-01T00:00:00Z"},
		{"t-c", "p2", "2024-01-01T00:00:00Z"},
	}
	for _, s := range seed {
		_, err := store.Execute(ctx,
			"INSERT INTO tasks (id, project_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			s.id, s.project, s.id, s.createdAt, s.createdAt)
		require.NoError(t, err)
	}

	require.NoError(t, Run(ctx, store, nil))

	var seq int
	require.NoError(t, store.FetchValue(ctx, &seq, "SELECT seq_num FROM tasks WHERE id = 't-a'"))
	assert.Equal(t, 1, seq, "oldest task in p1 gets seq 1")
	require.NoError(t, store.FetchValue(ctx, &seq, "SELECT seq_num FROM tasks WHERE id = 't-b'"))
	assert.Equal(t, 2, seq)
	require.NoError(t, store.FetchValue(ctx, &seq, "SELECT seq_num FROM tasks WHERE id = 't-c'"))
	assert.Equal(t, 1, seq, "p2 numbering starts fresh")
}

func TestPathCacheBackfillRootsFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, RunTo(ctx, store, nil, 9))

	now := db.NowUTC()
	_, err := store.Execute(ctx,
		"INSERT INTO projects (id, name, repo_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		"p1", "demo", "/demo", now, now)
	require.NoError(t, err)

	seed := []struct{ id, parent, createdAt string }{
		{"root", "", "2024-01-01T00:00:00Z"},
		{"child", "root", "2024-01-02T00:00:00Z"},
		{"grandchild", "child", "2024-01-03T00:00:00Z"},
	}
	for _, s := range seed {
		var parent any
		if s.parent != "" {
			parent = s.parent
		}
		_, err := store.Execute(ctx,
			"INSERT INTO tasks (id, project_id, parent_task_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			s.id, "p1", parent, s.id, s.createdAt, s.createdAt)
		require.NoError(t, err)
	}

	require.NoError(t, Run(ctx, store, nil))

	paths := map[string]string{}
	for _, id := range []string{"root", "child", "grandchild"} {
		var p string
		require.NoError(t, store.FetchValue(ctx, &p, "SELECT path_cache FROM tasks WHERE id = ?", id))
		paths[id] = p
	}
	assert.Equal(t, "1", paths["root"])
	assert.Equal(t, "1.2", paths["child"])
	assert.Equal(t, "1.2.3", paths["grandchild"])
}

func TestSplitStatements(t *testing.T) {
	script := `
CREATE TABLE a (id TEXT);

; ;
PRAGMA foreign_keys = OFF;
DROP TABLE a;
`
	stmts := SplitStatements(script)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", stmts[0])
	assert.Equal(t, "PRAGMA foreign_keys = OFF", stmts[1])
	assert.Equal(t, "DROP TABLE a", stmts[2])
}

func TestUUIDWithShortHashShape(t *testing.T) {
	id := uuidWithShortHash("ABCDEF")
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-abcdef[0-9a-f]{6}$`, id)
	assert.Len(t, id, 36)
}

func TestMigrationVersionsAreOrdered(t *testing.T) {
	for i := 1; i < len(migrations); i++ {
		require.Greater(t, migrations[i].Version, migrations[i-1].Version)
	}
	for _, m := range migrations {
		hasSQL := m.SQL != ""
		hasFn := m.Fn != nil
		require.True(t, hasSQL != hasFn, "migration %d must have exactly one action", m.Version)
	}
}
