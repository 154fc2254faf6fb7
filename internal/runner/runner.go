// Package runner starts stage processes. The executor only sees the
// StageRunner and Process interfaces, so tests can substitute an in-memory
// implementation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vk/stagegrid/internal/ctxlog"
)

// Invocation is everything needed to start one attempt of a stage.
type Invocation struct {
	StageID string
	Attempt int
	Argv    []string
	// Env holds overrides applied on top of the parent environment.
	Env     map[string]string
	Dir     string
	LogPath string
}

// Process is a started stage attempt.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is reported
	// through the exit code with a nil error; a process terminated by a
	// signal reports -1.
	Wait() (exitCode int, err error)
	// Kill terminates the process. Killing an exited process is a no-op.
	Kill() error
}

// StageRunner starts processes.
type StageRunner interface {
	Start(ctx context.Context, inv Invocation) (Process, error)
}

// ExecRunner runs stages as operating system processes.
type ExecRunner struct{}

// NewExecRunner returns a runner backed by os/exec.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Start launches inv. Standard output and error are both written to
// inv.LogPath. The process is not tied to ctx: the caller decides when to
// kill it so that cancellation can honour a grace period.
func (r *ExecRunner) Start(ctx context.Context, inv Invocation) (Process, error) {
	if len(inv.Argv) == 0 {
		return nil, fmt.Errorf("stage %q: empty command", inv.StageID)
	}
	logger := ctxlog.FromContext(ctx)

	var logFile *os.File
	if inv.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(inv.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(inv.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open stage log: %w", err)
		}
		logFile = f
	}

	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start stage %q: %w", inv.StageID, err)
	}
	logger.Debug("Process started.", "pid", cmd.Process.Pid, "argv", inv.Argv, "dir", inv.Dir)
	return &execProcess{cmd: cmd, logFile: logFile}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logFile *os.File
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.logFile != nil {
		_ = p.logFile.Close()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// mergeEnv returns base with overrides applied. Overridden variables are
// removed from base; overrides are appended in key order.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[name]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
