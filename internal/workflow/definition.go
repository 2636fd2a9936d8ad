package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// ActionSpec is one action invocation inside a step.
type ActionSpec struct {
	Action string         `yaml:"action"`
	Params map[string]any `yaml:"params"`
}

// Step fires its actions when the event type matches On and every When
// condition holds.
type Step struct {
	Name    string       `yaml:"name"`
	On      []string     `yaml:"on"`
	When    []string     `yaml:"when"`
	Actions []ActionSpec `yaml:"actions"`
}

// Definition is one named workflow.
type Definition struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// StepByName returns the named step, or nil.
func (d *Definition) StepByName(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Matches reports whether the step fires for the event type. An empty On
// list matches every event.
func (s *Step) Matches(eventType string) bool {
	if len(s.On) == 0 {
		return true
	}
	for _, t := range s.On {
		if t == eventType {
			return true
		}
	}
	return false
}

// LoadDefinitions reads every *.yaml/*.yml workflow in dir. A file that
// fails to parse is logged and skipped; definitions never abort startup.
func LoadDefinitions(dir string, log *logger.Logger) map[string]*Definition {
	out := map[string]*Definition{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("reading workflow dir failed", zap.String("dir", dir), zap.Error(err))
		}
		return out
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		def, err := loadDefinition(filepath.Join(dir, name))
		if err != nil {
			log.Warn("skipping workflow definition",
				zap.String("file", name), zap.Error(err))
			continue
		}
		out[def.Name] = def
	}
	log.Info("workflow definitions loaded", zap.Int("count", len(out)), zap.String("dir", dir))
	return out
}

func loadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("%s: workflow name is required", filepath.Base(path))
	}
	return &def, nil
}
