package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// SyncManager exports project memories as markdown. Stealth mode writes
// under ~/.gobby/memories/, non-stealth under <project>/.gobby/ so the file
// can be committed. Exports are debounced per project.
type SyncManager struct {
	registry *Registry
	cfg      config.MemorySyncConfig
	logger   *logger.Logger

	mu         sync.Mutex
	lastExport map[string]time.Time
}

// NewSyncManager creates a markdown export manager.
func NewSyncManager(registry *Registry, cfg config.MemorySyncConfig, log *logger.Logger) *SyncManager {
	return &SyncManager{
		registry:   registry,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "memory_sync")),
		lastExport: make(map[string]time.Time),
	}
}

// Export writes the markdown snapshot for a project, honoring the debounce
// window unless force is set. Returns the path written, or "" when skipped.
func (s *SyncManager) Export(ctx context.Context, projectID, projectPath string, force bool) (string, error) {
	if !s.cfg.Enabled {
		return "", nil
	}

	window := time.Duration(s.cfg.DebounceSeconds) * time.Second
	s.mu.Lock()
	if last, ok := s.lastExport[projectID]; !force && ok && time.Since(last) < window {
		s.mu.Unlock()
		return "", nil
	}
	s.lastExport[projectID] = time.Now()
	s.mu.Unlock()

	memories, err := s.registry.ListByProject(ctx, &projectID)
	if err != nil {
		return "", fmt.Errorf("listing memories for export: %w", err)
	}

	path := s.exportPath(projectID, projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(renderMarkdown(memories)), 0o644); err != nil {
		return "", fmt.Errorf("writing memory export: %w", err)
	}
	return path, nil
}

// Import reads a previously exported markdown file and saves each entry as a
// memory. Duplicates are skipped by the registry's content idempotence.
// Returns the number of newly saved memories.
func (s *SyncManager) Import(ctx context.Context, projectID, projectPath string) (int, error) {
	data, err := os.ReadFile(s.exportPath(projectID, projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	saved := 0
	for _, block := range strings.Split(string(data), "\n- ") {
		content := strings.TrimSpace(strings.TrimPrefix(block, "- "))
		if content == "" || strings.HasPrefix(content, "#") {
			continue
		}
		res, err := s.registry.Remember(ctx, RememberParams{
			Content:   content,
			ProjectID: &projectID,
		})
		if err != nil {
			return saved, err
		}
		if res.Saved {
			saved++
		}
	}
	return saved, nil
}

func (s *SyncManager) exportPath(projectID, projectPath string) string {
	if s.cfg.Stealth || projectPath == "" {
		return filepath.Join(config.GobbyHome(), "memories", projectID+".md")
	}
	return filepath.Join(projectPath, ".gobby", "memories.md")
}

func renderMarkdown(memories []*Memory) string {
	var b strings.Builder
	b.WriteString("# Memories\n\n")
	byType := map[string][]*Memory{}
	order := []string{TypeFact, TypePreference, TypePattern, TypeContext}
	for _, m := range memories {
		byType[m.MemoryType] = append(byType[m.MemoryType], m)
	}
	for _, t := range order {
		ms := byType[t]
		if len(ms) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", strings.ToUpper(t[:1])+t[1:])
		for _, m := range ms {
			fmt.Fprintf(&b, "- %s\n", strings.ReplaceAll(m.Content, "\n", " "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
