package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"github.com/Zeeeepa/gobby-sub002/internal/db/migrate"
	"github.com/Zeeeepa/gobby-sub002/internal/project"
)

func testConfig() config.MemoryConfig {
	return config.MemoryConfig{
		Enabled:               true,
		AutoRecallLimit:       5,
		AccessDebounceSeconds: 60,
		DecayRatePerMonth:     0.05,
		DecayFloor:            0.1,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *project.Project) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, migrate.Run(context.Background(), store, logger.Default()))

	proj, err := project.NewRegistry(store).Create(context.Background(), "test", "/tmp/test")
	require.NoError(t, err)
	return NewRegistry(store, testConfig(), logger.Default()), proj
}

func TestRememberAndDuplicate(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Remember(ctx, RememberParams{
		Content: "prefers tabs over spaces", MemoryType: TypePreference, ProjectID: &proj.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Saved)
	require.NotEmpty(t, res.MemoryID)

	dup, err := r.Remember(ctx, RememberParams{
		Content: "prefers tabs over spaces", ProjectID: &proj.ID,
	})
	require.NoError(t, err)
	assert.False(t, dup.Saved)
	assert.Equal(t, "duplicate", dup.Reason)
	assert.Equal(t, res.MemoryID, dup.MemoryID)

	// Same content in a different scope is a fresh memory.
	global, err := r.Remember(ctx, RememberParams{Content: "prefers tabs over spaces"})
	require.NoError(t, err)
	assert.True(t, global.Saved)
}

func TestRememberValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Remember(ctx, RememberParams{Content: "   "})
	require.NoError(t, err)
	assert.False(t, res.Saved)
	assert.Equal(t, "missing content", res.Reason)
}

func TestRememberDisabled(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.cfg.Enabled = false

	res, err := r.Remember(context.Background(), RememberParams{Content: "x"})
	require.NoError(t, err)
	assert.False(t, res.Saved)
	assert.Equal(t, "disabled", res.Reason)
}

func TestRecallOrdersByImportance(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Remember(ctx, RememberParams{Content: "low importance note", ProjectID: &proj.ID, Importance: 0.2})
	require.NoError(t, err)
	hi, err := r.Remember(ctx, RememberParams{Content: "high importance note", ProjectID: &proj.ID, Importance: 0.9})
	require.NoError(t, err)

	got, err := r.Recall(ctx, "note", &proj.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, hi.MemoryID, got[0].ID)

	// Importance floor filters out the weak one.
	got, err = r.Recall(ctx, "", &proj.ID, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hi.MemoryID, got[0].ID)
}

func TestAccessDebounce(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Remember(ctx, RememberParams{Content: "debounced", ProjectID: &proj.ID})
	require.NoError(t, err)

	fakeNow := time.Now()
	r.now = func() time.Time { return fakeNow }

	_, err = r.Recall(ctx, "debounced", &proj.ID, 1, 0)
	require.NoError(t, err)
	_, err = r.Recall(ctx, "debounced", &proj.ID, 1, 0)
	require.NoError(t, err)

	m, err := r.Get(ctx, res.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.AccessCount)

	// Past the window, the next access counts again.
	fakeNow = fakeNow.Add(61 * time.Second)
	_, err = r.Recall(ctx, "debounced", &proj.ID, 1, 0)
	require.NoError(t, err)

	m, err = r.Get(ctx, res.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.AccessCount)
}

func TestDecayImportanceFloored(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Remember(ctx, RememberParams{Content: "old memory", ProjectID: &proj.ID, Importance: 0.8})
	require.NoError(t, err)

	// Backdate updated_at by six months.
	old := db.FormatTime(time.Now().UTC().Add(-6 * 30 * 24 * time.Hour))
	_, err = r.store.Execute(ctx, "UPDATE memories SET updated_at = ? WHERE id = ?", old, res.MemoryID)
	require.NoError(t, err)

	n, err := r.DecayImportance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	m, err := r.Get(ctx, res.MemoryID)
	require.NoError(t, err)
	assert.Less(t, m.Importance, 0.8)
	assert.GreaterOrEqual(t, m.Importance, 0.1)
}

func TestCrossrefs(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Remember(ctx, RememberParams{Content: "uses sqlite", ProjectID: &proj.ID})
	require.NoError(t, err)
	b, err := r.Remember(ctx, RememberParams{Content: "single writer connection", ProjectID: &proj.ID})
	require.NoError(t, err)

	require.NoError(t, r.AddCrossref(ctx, a.MemoryID, b.MemoryID, 0.7))
	// Upsert on repeat.
	require.NoError(t, r.AddCrossref(ctx, a.MemoryID, b.MemoryID, 0.9))

	linked, err := r.Crossrefs(ctx, a.MemoryID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, b.MemoryID, linked[0].ID)
}

func TestSkills(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.CreateSkill(ctx, SkillParams{
		Name:         "review-checklist",
		ProjectID:    &proj.ID,
		Instructions: "1. Run the tests\n2. Check error paths",
	})
	require.NoError(t, err)

	s, err := r.GetSkillByName(ctx, "review-checklist", &proj.ID)
	require.NoError(t, err)
	assert.True(t, s.Enabled)

	rendered, err := r.RenderSkill(ctx, "review-checklist", &proj.ID)
	require.NoError(t, err)
	assert.Contains(t, rendered, "## Skill: review-checklist")
	assert.Contains(t, rendered, "Run the tests")

	_, err = r.GetSkillByName(ctx, "nope", &proj.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncExportImport(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()
	projectDir := t.TempDir()

	_, err := r.Remember(ctx, RememberParams{Content: "exported fact", ProjectID: &proj.ID})
	require.NoError(t, err)

	sm := NewSyncManager(r, config.MemorySyncConfig{Enabled: true, Stealth: false, DebounceSeconds: 30}, logger.Default())

	path, err := sm.Export(ctx, proj.ID, projectDir, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, ".gobby", "memories.md"), path)

	// Debounced second export is skipped.
	path2, err := sm.Export(ctx, proj.ID, projectDir, false)
	require.NoError(t, err)
	assert.Empty(t, path2)

	// Import is idempotent against existing content.
	saved, err := sm.Import(ctx, proj.ID, projectDir)
	require.NoError(t, err)
	assert.Equal(t, 0, saved)
}
