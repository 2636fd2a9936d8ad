package gitutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

func TestExtractTaskRefs(t *testing.T) {
	refs := ExtractTaskRefs("fix login flow for #12 and #12 again")
	assert.Equal(t, []string{"#12"}, refs)

	refs = ExtractTaskRefs("task 550e8400-e29b-41d4-a716-446655440000 done, closes #3")
	assert.Equal(t, []string{"550e8400-e29b-41d4-a716-446655440000", "#3"}, refs)

	assert.Empty(t, ExtractTaskRefs("routine cleanup, no references"))
}

type recordingLinker struct {
	calls [][3]string
}

func (r *recordingLinker) LinkCommitByRef(_ context.Context, projectID, ref, sha string) error {
	r.calls = append(r.calls, [3]string{projectID, ref, sha})
	return nil
}

func TestLinkCommitsNonRepoIsNoop(t *testing.T) {
	linker := &recordingLinker{}
	n := LinkCommits(context.Background(), linker, "proj", t.TempDir(), time.Now().Add(-time.Hour), logger.Default())
	assert.Equal(t, 0, n)
	assert.Empty(t, linker.calls)
}
