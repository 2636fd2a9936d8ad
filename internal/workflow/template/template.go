// Package template renders the {{ ... }} references workflow action params
// carry, resolving against workflow variables, artifacts, and event context.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Policy controls what an unresolved reference renders as.
type Policy int

const (
	// EmptyOnMissing renders unresolved references as "".
	EmptyOnMissing Policy = iota
	// PreserveOnMissing leaves the literal {{ ref }} text in place.
	PreserveOnMissing
)

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Engine resolves dotted references against a nested scope. One policy per
// instance keeps rendering behavior consistent across a whole workflow run.
type Engine struct {
	policy Policy
}

// NewEngine creates a template engine with the given missing-reference
// policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Render substitutes every {{ ref }} in s using scope. Scalars render with
// fmt; composite values render as their fmt form only when explicitly
// resolved, never as a fallback for a missing reference.
func (e *Engine) Render(s string, scope map[string]any) string {
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := Lookup(scope, ref)
		if !ok {
			if e.policy == PreserveOnMissing {
				return match
			}
			return ""
		}
		return stringify(val)
	})
}

// RenderParams renders every string value in params, descending one level
// into list parameters.
func (e *Engine) RenderParams(params map[string]any, scope map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch tv := v.(type) {
		case string:
			out[k] = e.Render(tv, scope)
		case []any:
			rendered := make([]any, len(tv))
			for i, item := range tv {
				if s, ok := item.(string); ok {
					rendered[i] = e.Render(s, scope)
				} else {
					rendered[i] = item
				}
			}
			out[k] = rendered
		default:
			out[k] = v
		}
	}
	return out
}

// Lookup resolves a dotted reference against nested maps.
func Lookup(scope map[string]any, ref string) (any, bool) {
	parts := strings.Split(ref, ".")
	var cur any = scope
	for _, part := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func stringify(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case float64:
		// JSON numbers decode as float64; render whole values without a
		// trailing .0.
		if tv == float64(int64(tv)) {
			return strconv.FormatInt(int64(tv), 10)
		}
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", tv)
	}
}
