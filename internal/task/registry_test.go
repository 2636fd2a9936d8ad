package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"github.com/Zeeeepa/gobby-sub002/internal/db/migrate"
	"github.com/Zeeeepa/gobby-sub002/internal/project"
)

func newTestRegistry(t *testing.T) (*Registry, *project.Project) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, migrate.Run(context.Background(), store, logger.Default()))

	proj, err := project.NewRegistry(store).Create(context.Background(), "test", "/tmp/test")
	require.NoError(t, err)
	return NewRegistry(store, logger.Default()), proj
}

func strPtr(s string) *string { return &s }

func TestCreateTaskAllocatesSeqAndPath(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	root, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "root"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), root.SeqNum)
	assert.Equal(t, "1", root.PathCache)
	assert.Equal(t, StatusOpen, root.Status)

	child, err := r.CreateTask(ctx, CreateParams{
		ProjectID: proj.ID, Title: "child", ParentTaskID: &root.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), child.SeqNum)
	assert.Equal(t, "1.2", child.PathCache)

	grandchild, err := r.CreateTask(ctx, CreateParams{
		ProjectID: proj.ID, Title: "grandchild", ParentTaskID: &child.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", grandchild.PathCache)
}

func TestSeqNumNotReusedAfterDelete(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	t1, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "one"})
	require.NoError(t, err)
	t2, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "two"})
	require.NoError(t, err)

	// Deleting an earlier task leaves a gap; its number is never handed out
	// again.
	require.NoError(t, r.DeleteTask(ctx, t1.ID))

	t3, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "three"})
	require.NoError(t, err)
	assert.Equal(t, t2.SeqNum+1, t3.SeqNum)
	assert.NotEqual(t, t1.SeqNum, t3.SeqNum)
}

func TestUpdateTaskIgnoresUnknownFields(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "t"})
	require.NoError(t, err)

	got, err := r.UpdateTask(ctx, task.ID, map[string]any{
		"status":         StatusInProgress,
		"outcome":        "not a column",
		"something_else": 42,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	_, err = r.UpdateTask(ctx, "no-such-id", map[string]any{"status": StatusOpen})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReparentRebuildsSubtreePaths(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "a"})
	require.NoError(t, err)
	b, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "b"})
	require.NoError(t, err)
	child, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "c", ParentTaskID: &a.ID})
	require.NoError(t, err)
	leaf, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "d", ParentTaskID: &child.ID})
	require.NoError(t, err)

	assert.Equal(t, "1.3", child.PathCache)
	assert.Equal(t, "1.3.4", leaf.PathCache)

	// Move child (and its subtree) under b.
	_, err = r.UpdateTask(ctx, child.ID, map[string]any{"parent_task_id": b.ID})
	require.NoError(t, err)

	child, err = r.GetTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.3", child.PathCache)

	leaf, err = r.GetTask(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.3.4", leaf.PathCache)
}

func TestListTasksFilters(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	open, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "open"})
	require.NoError(t, err)
	done, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "done"})
	require.NoError(t, err)
	_, err = r.CloseTask(ctx, done.ID, nil, nil)
	require.NoError(t, err)

	all, err := r.ListTasks(ctx, proj.ID, Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	openOnly, err := r.ListTasks(ctx, proj.ID, Filters{Status: StatusOpen})
	require.NoError(t, err)
	require.Len(t, openOnly, 1)
	assert.Equal(t, open.ID, openOnly[0].ID)

	roots, err := r.ListTasks(ctx, proj.ID, Filters{ParentTaskID: strPtr("")})
	require.NoError(t, err)
	assert.Len(t, roots, 2)
}

func TestDependencies(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "a"})
	require.NoError(t, err)
	b, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "b"})
	require.NoError(t, err)

	require.NoError(t, r.AddDependency(ctx, a.ID, b.ID, ""))
	// Repeat is a no-op thanks to the composite key.
	require.NoError(t, r.AddDependency(ctx, a.ID, b.ID, ""))
	require.Error(t, r.AddDependency(ctx, a.ID, a.ID, ""))

	deps, err := r.ListDependencies(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, b.ID, deps[0].DependsOn)
	assert.Equal(t, "blocks", deps[0].DepType)

	// Deleting the dependee cascades the edge away.
	require.NoError(t, r.DeleteTask(ctx, b.ID))
	deps, err = r.ListDependencies(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestValidationHistoryAppendOnly(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "t"})
	require.NoError(t, err)

	require.NoError(t, r.RecordValidation(ctx, task.ID, ValidationInvalid, strPtr("missing tests"), nil))
	require.NoError(t, r.RecordValidation(ctx, task.ID, ValidationValid, nil, nil))

	history, err := r.ValidationHistory(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ValidationInvalid, history[0].ValidationStatus)
	assert.Equal(t, ValidationValid, history[1].ValidationStatus)

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ValidationFailCount)
	assert.Equal(t, ValidationValid, *got.ValidationStatus)
}

func TestLinkCommitAndClose(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "t"})
	require.NoError(t, err)

	require.NoError(t, r.LinkCommit(ctx, task.ID, "abc123"))
	require.NoError(t, r.LinkCommit(ctx, task.ID, "abc123")) // dedup
	require.NoError(t, r.LinkCommit(ctx, task.ID, "def456"))

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `["abc123","def456"]`, *got.Commits)

	closed, err := r.CloseTask(ctx, task.ID, nil, strPtr("def456"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, closed.Status)
	assert.Equal(t, "def456", *closed.ClosedCommitSHA)
	assert.NotNil(t, closed.ClosedAt)
}

func TestResolveTaskReference(t *testing.T) {
	r, proj := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, CreateParams{ProjectID: proj.ID, Title: "t"})
	require.NoError(t, err)

	bySeq, err := r.ResolveTaskReference(ctx, "#1", &proj.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, bySeq.ID)

	byID, err := r.ResolveTaskReference(ctx, task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, task.ID, byID.ID)
}
