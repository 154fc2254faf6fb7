package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/fsutil"
	"github.com/vk/stagegrid/internal/ledger"
	"github.com/vk/stagegrid/internal/notify"
	"github.com/vk/stagegrid/internal/runner"
	"github.com/vk/stagegrid/internal/stage"
)

// Environment variables every stage process receives.
const (
	EnvRunID      = "STAGEGRID_RUN_ID"
	EnvStageID    = "STAGEGRID_STAGE_ID"
	EnvAttempt    = "STAGEGRID_ATTEMPT"
	EnvParamsFile = "STAGEGRID_PARAMS_FILE"
)

type waitOutcome int

const (
	exited waitOutcome = iota
	timedOut
	killedOnCancel
)

// runAttempt executes one attempt of d. Only run cancellation abandons an
// attempt that is still waiting for admission.
func (e *Executor) runAttempt(ctx context.Context, d *stage.Descriptor, attempt int) completion {
	id := d.ID()
	ctx, logger := ctxlog.With(ctx, "attempt", attempt)
	c := completion{stageID: id, attempt: attempt, exitCode: -1}

	release, err := e.limiter.Acquire(ctx, d.Resources())
	if err != nil {
		logger.Debug("Admission abandoned.", "error", err)
		return c
	}
	defer release()
	if ctx.Err() != nil {
		return c
	}
	c.started = true
	units := min(d.Resources().Units(), e.limiter.Capacity().Units)

	start := time.Now().UTC()
	if err := e.ledger.Append(ledger.Attempt{
		StageID:   id,
		Attempt:   attempt,
		Status:    ledger.StatusRunning,
		StartTime: start,
		ExitCode:  -1,
	}); err != nil {
		logger.Error("Failed to append ledger record.", "error", err)
		c.ledgerErr = err
	}
	e.metrics.StageStarted(units)
	e.emit(ctx, notify.Event{Name: notify.EventStageStarted, StageID: id, Attempt: attempt, Status: string(ledger.StatusRunning)})
	logger.Info("Stage started.", "kind", d.Kind(), "units", units)

	c.exitCode, c.cancelled, c.err = e.execute(ctx, d, attempt)
	if c.err == nil {
		c.err = e.recordOutputs(ctx, d, attempt)
	}
	c.status = ledger.StatusSucceeded
	cause := ""
	if c.err != nil {
		c.status = ledger.StatusFailed
		cause = c.err.Error()
	}

	end := time.Now().UTC()
	if err := e.ledger.Append(ledger.Attempt{
		StageID:   id,
		Attempt:   attempt,
		Status:    c.status,
		StartTime: start,
		EndTime:   &end,
		ExitCode:  c.exitCode,
		Cause:     cause,
	}); err != nil {
		logger.Error("Failed to append ledger record.", "error", err)
		c.ledgerErr = err
	}
	e.metrics.StageFinished(id, string(c.status), units, end.Sub(start))
	e.emit(ctx, notify.Event{Name: notify.EventStageFinished, StageID: id, Attempt: attempt, Status: string(c.status), ExitCode: c.exitCode, Cause: cause})

	if c.err != nil {
		logger.Warn("Stage attempt failed.", "exitCode", c.exitCode, "error", c.err, "duration", end.Sub(start))
	} else {
		logger.Info("Stage succeeded.", "duration", end.Sub(start))
	}
	return c
}

// execute starts the process and waits for it under the stage timeout and
// run cancellation.
func (e *Executor) execute(ctx context.Context, d *stage.Descriptor, attempt int) (int, bool, error) {
	inv, err := e.invocation(d, attempt)
	if err != nil {
		return -1, false, &StageExecutionError{StageID: d.ID(), Attempt: attempt, ExitCode: -1, Err: err}
	}
	proc, err := e.runner.Start(ctx, inv)
	if err != nil {
		return -1, false, &StageExecutionError{StageID: d.ID(), Attempt: attempt, ExitCode: -1, Err: err}
	}

	timeout := d.Timeout()
	if timeout == 0 {
		timeout = e.cfg.StageTimeout
	}
	code, outcome, waitErr := e.wait(ctx, proc, timeout)
	switch {
	case outcome == timedOut:
		return code, false, &TimeoutError{StageID: d.ID(), Attempt: attempt, Timeout: timeout}
	case outcome == killedOnCancel:
		return code, true, ErrCancelled
	case waitErr != nil:
		return code, false, &StageExecutionError{StageID: d.ID(), Attempt: attempt, ExitCode: code, Err: waitErr}
	case code != 0:
		return code, false, &StageExecutionError{StageID: d.ID(), Attempt: attempt, ExitCode: code}
	}
	return 0, false, nil
}

// wait blocks until proc exits. The process is killed when timeout elapses,
// or when ctx is cancelled and the grace period runs out.
func (e *Executor) wait(ctx context.Context, proc runner.Process, timeout time.Duration) (int, waitOutcome, error) {
	logger := ctxlog.FromContext(ctx)

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := proc.Wait()
		done <- result{code: code, err: err}
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}
	var graceC <-chan time.Time
	cancelC := ctx.Done()
	outcome := exited

	kill := func(why waitOutcome) {
		outcome = why
		timeoutC, graceC, cancelC = nil, nil, nil
		if err := proc.Kill(); err != nil {
			logger.Warn("Failed to kill stage process.", "error", err)
		}
	}

	for {
		select {
		case res := <-done:
			return res.code, outcome, res.err
		case <-timeoutC:
			logger.Warn("Stage attempt timed out, killing process.", "timeout", timeout)
			kill(timedOut)
		case <-cancelC:
			cancelC = nil
			if e.cfg.CancelGrace <= 0 {
				logger.Warn("Run cancelled, killing process.")
				kill(killedOnCancel)
				continue
			}
			logger.Info("Run cancelled, waiting for process to finish.", "grace", e.cfg.CancelGrace)
			g := time.NewTimer(e.cfg.CancelGrace)
			defer g.Stop()
			graceC = g.C
		case <-graceC:
			logger.Warn("Grace period elapsed, killing process.")
			kill(killedOnCancel)
		}
	}
}

// invocation prepares the working directory, output directories and
// parameter deck of d and builds its runner invocation.
func (e *Executor) invocation(d *stage.Descriptor, attempt int) (runner.Invocation, error) {
	cmd := d.Command()
	dir := e.resolve(cmd.Dir)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return runner.Invocation{}, fmt.Errorf("create working directory: %w", err)
		}
	}
	for _, o := range d.Outputs() {
		if err := os.MkdirAll(filepath.Dir(e.resolve(o.Path)), 0o755); err != nil {
			return runner.Invocation{}, fmt.Errorf("create output directory for %q: %w", o.Key, err)
		}
	}

	env := make(map[string]string, len(cmd.Env)+4)
	for k, v := range cmd.Env {
		env[k] = v
	}
	env[EnvRunID] = e.cfg.RunID
	env[EnvStageID] = d.ID()
	env[EnvAttempt] = strconv.Itoa(attempt)

	if d.HasParameters() {
		path := e.ParamsFile(d.ID())
		data, err := json.MarshalIndent(d.Parameters(), "", "  ")
		if err != nil {
			return runner.Invocation{}, fmt.Errorf("encode parameters: %w", err)
		}
		if err := fsutil.WriteAtomic(path, data); err != nil {
			return runner.Invocation{}, fmt.Errorf("write parameters: %w", err)
		}
		env[EnvParamsFile] = path
	}

	var logPath string
	if e.cfg.LogDir != "" {
		logPath = LogPath(e.cfg.LogDir, d.ID(), attempt)
	}
	return runner.Invocation{
		StageID: d.ID(),
		Attempt: attempt,
		Argv:    cmd.Argv,
		Env:     env,
		Dir:     dir,
		LogPath: logPath,
	}, nil
}

// LogPath returns the log file of one attempt of stageID under logDir.
func LogPath(logDir, stageID string, attempt int) string {
	return filepath.Join(logDir, fmt.Sprintf("%s.%d.log", stageID, attempt))
}

// ParamsFile returns where the parameter deck of stageID is written.
func (e *Executor) ParamsFile(stageID string) string {
	return stage.ParamsFile(e.cfg.ParamsDir, stageID)
}

// recordOutputs checksums every declared output of d into the store. The
// store is used with cancellation detached so outputs of a process that
// finished during the grace period are still recorded.
func (e *Executor) recordOutputs(ctx context.Context, d *stage.Descriptor, attempt int) error {
	storeCtx := context.WithoutCancel(ctx)
	for _, o := range d.Outputs() {
		if _, err := e.store.Record(storeCtx, o.Key, e.resolve(o.Path), d.ID()); err != nil {
			return &StageExecutionError{StageID: d.ID(), Attempt: attempt, Err: fmt.Errorf("declared output %q: %w", o.Key, err)}
		}
	}
	return nil
}

func (e *Executor) resolve(p string) string {
	if p == "" {
		return e.cfg.WorkDir
	}
	if filepath.IsAbs(p) || e.cfg.WorkDir == "" {
		return p
	}
	return filepath.Join(e.cfg.WorkDir, p)
}
