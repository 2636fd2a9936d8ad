// Package spawn launches detached agent processes for workflow actions.
package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// Spec describes one process to launch.
type Spec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	LogPath string            `json:"log_path,omitempty"`
}

// Spawner launches detached processes. Workflow actions hold this interface
// so tests can substitute a recorder.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (pid int, err error)
}

// ExecSpawner starts real processes via os/exec. The child is released
// immediately so it outlives the daemon request that triggered it.
type ExecSpawner struct {
	logger *logger.Logger
}

// NewExecSpawner creates a process spawner.
func NewExecSpawner(log *logger.Logger) *ExecSpawner {
	return &ExecSpawner{logger: log.WithFields(zap.String("component", "spawn"))}
}

// Spawn starts the process detached and returns its pid. Stdout and stderr
// go to the spec's log file when set, otherwise they are discarded.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (int, error) {
	if spec.Command == "" {
		return 0, fmt.Errorf("spawn: empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return 0, fmt.Errorf("spawn: creating log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("spawn: opening log file: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn: starting %s: %w", spec.Command, err)
	}
	pid := cmd.Process.Pid

	// Release the child so it keeps running after we return. Reap it in the
	// background to avoid zombies while the daemon lives.
	go func() { _ = cmd.Wait() }()

	s.logger.Info("spawned process",
		zap.String("command", spec.Command),
		zap.Int("pid", pid),
		zap.String("dir", spec.Dir))
	return pid, nil
}
