package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	good := `
name: dev
steps:
  - name: start
    on: [session_start]
    actions:
      - action: inject_message
        params:
          content: hello
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.yaml"), []byte(good), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("steps: ["), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs := LoadDefinitions(dir, logger.Default())
	require.Len(t, defs, 1)
	def := defs["dev"]
	require.NotNil(t, def)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "start", def.Steps[0].Name)
	assert.True(t, def.Steps[0].Matches("session_start"))
	assert.False(t, def.Steps[0].Matches("session_end"))
	assert.Equal(t, "inject_message", def.Steps[0].Actions[0].Action)
	assert.Equal(t, "hello", def.Steps[0].Actions[0].Params["content"])
}

func TestLoadDefinitionsMissingDir(t *testing.T) {
	defs := LoadDefinitions("/no/such/dir", logger.Default())
	assert.Empty(t, defs)
}
