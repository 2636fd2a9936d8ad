package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func scope() map[string]any {
	return map[string]any{
		"variables": map[string]any{
			"name":  "gobby",
			"count": float64(3),
			"deep":  map[string]any{"key": "value"},
		},
		"artifacts": map[string]any{"plan": "/tmp/plan.md"},
		"event":     map[string]any{"event_type": "session_start"},
	}
}

func TestRenderResolvesReferences(t *testing.T) {
	e := NewEngine(EmptyOnMissing)
	assert.Equal(t, "hello gobby", e.Render("hello {{ variables.name }}", scope()))
	assert.Equal(t, "count=3", e.Render("count={{variables.count}}", scope()))
	assert.Equal(t, "value", e.Render("{{ variables.deep.key }}", scope()))
	assert.Equal(t, "/tmp/plan.md", e.Render("{{ artifacts.plan }}", scope()))
	assert.Equal(t, "session_start", e.Render("{{ event.event_type }}", scope()))
}

func TestMissingReferencePolicies(t *testing.T) {
	empty := NewEngine(EmptyOnMissing)
	assert.Equal(t, "x  y", empty.Render("x {{ variables.nope }} y", scope()))

	preserve := NewEngine(PreserveOnMissing)
	assert.Equal(t, "x {{ variables.nope }} y", preserve.Render("x {{ variables.nope }} y", scope()))
}

func TestRenderParams(t *testing.T) {
	e := NewEngine(EmptyOnMissing)
	out := e.RenderParams(map[string]any{
		"content": "hi {{ variables.name }}",
		"todos":   []any{"do {{ variables.name }}", 42},
		"number":  7,
	}, scope())
	assert.Equal(t, "hi gobby", out["content"])
	assert.Equal(t, []any{"do gobby", 42}, out["todos"])
	assert.Equal(t, 7, out["number"])
}
