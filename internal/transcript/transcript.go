// Package transcript parses front-end JSONL transcripts. The workflow
// engine consumes it for summary generation and compact handoff analysis.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Turn is one user or assistant exchange extracted from a transcript.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HandoffContext is the compact state blob extract_handoff_context builds.
type HandoffContext struct {
	ActiveTask     string   `json:"active_task,omitempty"`
	InitialGoal    string   `json:"initial_goal,omitempty"`
	RecentCommits  []string `json:"recent_commits,omitempty"`
	ModifiedFiles  []string `json:"modified_files,omitempty"`
	RecentActivity []string `json:"recent_activity,omitempty"`
}

// Processor is the capability the workflow engine consumes.
type Processor interface {
	ExtractTurns(ctx context.Context, jsonlPath string, limit int) ([]Turn, error)
	AnalyzeHandoff(ctx context.Context, jsonlPath string) (*HandoffContext, error)
}

// JSONLProcessor parses Claude-style JSONL transcripts line by line. Lines
// that fail to parse are skipped; transcripts routinely carry event types we
// do not care about.
type JSONLProcessor struct{}

// NewProcessor creates a JSONL transcript processor.
func NewProcessor() *JSONLProcessor { return &JSONLProcessor{} }

// transcriptLine covers the two shapes content arrives in: a bare string or
// a list of typed blocks.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	ToolUseResult json.RawMessage `json:"toolUseResult,omitempty"`
}

type contentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Name  string `json:"name,omitempty"`
	Input struct {
		FilePath string `json:"file_path,omitempty"`
		Command  string `json:"command,omitempty"`
	} `json:"input,omitempty"`
}

// ExtractTurns reads user/assistant turns from the transcript. limit > 0
// keeps only the most recent turns.
func (p *JSONLProcessor) ExtractTurns(ctx context.Context, jsonlPath string, limit int) ([]Turn, error) {
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer file.Close()

	var turns []Turn
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "user" && line.Type != "assistant" {
			continue
		}
		text := flattenContent(line.Message.Content)
		if strings.TrimSpace(text) == "" {
			continue
		}
		role := line.Message.Role
		if role == "" {
			role = line.Type
		}
		turns = append(turns, Turn{Role: role, Content: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// AnalyzeHandoff scans the transcript for the signals a compact handoff
// needs: the opening goal, files touched, and the tail of activity.
func (p *JSONLProcessor) AnalyzeHandoff(ctx context.Context, jsonlPath string) (*HandoffContext, error) {
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer file.Close()

	hc := &HandoffContext{}
	seenFiles := map[string]bool{}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}

		switch line.Type {
		case "user":
			text := flattenContent(line.Message.Content)
			if hc.InitialGoal == "" && strings.TrimSpace(text) != "" {
				hc.InitialGoal = firstLine(text)
			}
		case "assistant":
			var blocks []contentBlock
			if err := json.Unmarshal(line.Message.Content, &blocks); err != nil {
				continue
			}
			for _, b := range blocks {
				switch {
				case b.Type == "tool_use" && b.Input.FilePath != "" && !seenFiles[b.Input.FilePath]:
					seenFiles[b.Input.FilePath] = true
					hc.ModifiedFiles = append(hc.ModifiedFiles, b.Input.FilePath)
				case b.Type == "tool_use" && strings.HasPrefix(b.Input.Command, "git commit"):
					hc.RecentCommits = append(hc.RecentCommits, firstLine(b.Input.Command))
				case b.Type == "text" && strings.TrimSpace(b.Text) != "":
					hc.RecentActivity = append(hc.RecentActivity, firstLine(b.Text))
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}

	const tail = 5
	if len(hc.RecentActivity) > tail {
		hc.RecentActivity = hc.RecentActivity[len(hc.RecentActivity)-tail:]
	}
	if len(hc.RecentCommits) > tail {
		hc.RecentCommits = hc.RecentCommits[len(hc.RecentCommits)-tail:]
	}
	return hc, nil
}

// Markdown renders the handoff context as the compact blob stored on the
// session.
func (hc *HandoffContext) Markdown() string {
	var b strings.Builder
	b.WriteString("# Handoff Context\n\n")
	if hc.ActiveTask != "" {
		fmt.Fprintf(&b, "**Active task:** %s\n\n", hc.ActiveTask)
	}
	if hc.InitialGoal != "" {
		fmt.Fprintf(&b, "**Initial goal:** %s\n\n", hc.InitialGoal)
	}
	writeList(&b, "Recent commits", hc.RecentCommits)
	writeList(&b, "Modified files", hc.ModifiedFiles)
	writeList(&b, "Recent activity", hc.RecentActivity)
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s:**\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

// flattenContent joins text blocks, accepting both the string form and the
// block-list form.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
