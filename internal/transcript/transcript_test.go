package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractTurns(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"fix the login bug"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at auth.go"}]}}`,
		`{"type":"system","message":{"role":"system","content":"ignored"}}`,
		`not valid json`,
		`{"type":"user","message":{"role":"user","content":"also add a test"}}`,
	)

	turns, err := NewProcessor().ExtractTurns(context.Background(), path, 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "fix the login bug", turns[0].Content)
	assert.Equal(t, "Looking at auth.go", turns[1].Content)

	limited, err := NewProcessor().ExtractTurns(context.Background(), path, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "also add a test", limited[0].Content)
}

func TestExtractTurnsMissingFile(t *testing.T) {
	_, err := NewProcessor().ExtractTurns(context.Background(), "/no/such/file.jsonl", 0)
	assert.Error(t, err)
}

func TestAnalyzeHandoff(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"implement rate limiting"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/proj/limiter.go"}}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{"command":"git commit -m 'add limiter'"}}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Added the token bucket."}]}}`,
	)

	hc, err := NewProcessor().AnalyzeHandoff(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "implement rate limiting", hc.InitialGoal)
	assert.Equal(t, []string{"/proj/limiter.go"}, hc.ModifiedFiles)
	require.Len(t, hc.RecentCommits, 1)
	assert.Contains(t, hc.RecentCommits[0], "git commit")
	assert.Equal(t, []string{"Added the token bucket."}, hc.RecentActivity)

	md := hc.Markdown()
	assert.Contains(t, md, "# Handoff Context")
	assert.Contains(t, md, "implement rate limiting")
	assert.Contains(t, md, "/proj/limiter.go")
}
