package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"github.com/Zeeeepa/gobby-sub002/internal/db/migrate"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, migrate.Run(context.Background(), store, logger.Default()))
	return NewRegistry(store)
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "myproj", "/tmp/myproj")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := r.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "myproj", got.Name)
	assert.Equal(t, "/tmp/myproj", got.RepoPath)

	byName, err := r.GetByName(ctx, "myproj")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	byPath, err := r.GetByPath(ctx, "/tmp/myproj")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byPath.ID)
}

func TestGetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureOrphaned(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.EnsureOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, OrphanedProjectID, p.ID)
	assert.Equal(t, "_orphaned", p.Name)

	// Second call is idempotent.
	again, err := r.EnsureOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
}

func TestInitAtWritesMarkerAndResolves(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()

	p, err := r.InitAt(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), p.Name)

	// A second InitAt resolves the marker instead of creating a new project.
	again, err := r.InitAt(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	resolved, err := r.ResolveAt(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, p.ID, resolved.ID)
}

func TestInitAtNameCollision(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := t.TempDir()
	dirA := filepath.Join(base, "a", "app")
	dirB := filepath.Join(base, "b", "app")
	require.NoError(t, os.MkdirAll(dirA, 0o755))
	require.NoError(t, os.MkdirAll(dirB, 0o755))

	pa, err := r.InitAt(ctx, dirA)
	require.NoError(t, err)
	pb, err := r.InitAt(ctx, dirB)
	require.NoError(t, err)

	assert.NotEqual(t, pa.ID, pb.ID)
	assert.NotEqual(t, pa.Name, pb.Name)
}
