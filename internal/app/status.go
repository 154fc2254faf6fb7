package app

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/ledger"
	"github.com/vk/stagegrid/internal/runstate"
)

// StageStatus is one row of a status report.
type StageStatus struct {
	StageID  string
	Status   ledger.Status
	Attempts int
	ExitCode int
	Duration time.Duration
	Reused   bool
	// LogPath is the log of the latest attempt, empty if it does not exist.
	LogPath string
}

// StatusReport describes a run as recorded on disk.
type StatusReport struct {
	Manifest *runstate.Manifest
	Stages   []StageStatus
}

// Status reads the manifest and ledger of runID. Stages are listed in
// dependency order when the pipeline can still be loaded, and in ledger
// order otherwise.
func (a *App) Status(ctx context.Context, runID string) (*StatusReport, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	r, m, err := runstate.Open(a.config.StateDir, runID)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Load(r.LedgerPath())
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	var ids []string
	if p, err := a.prepare(ctx, r, m.PipelinePaths); err != nil {
		a.logger.Warn("Pipeline could not be loaded, listing ledger stages only.", "error", err)
	} else {
		for _, layer := range p.graph.Layers() {
			ids = append(ids, layer...)
		}
	}
	for _, id := range led.StageIDs() {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	report := &StatusReport{Manifest: m, Stages: make([]StageStatus, 0, len(ids))}
	for _, id := range ids {
		report.Stages = append(report.Stages, stageStatus(r, led, id))
	}
	return report, nil
}

func stageStatus(r runstate.Run, led *ledger.Ledger, id string) StageStatus {
	s := StageStatus{StageID: id, Status: ledger.StatusPending, ExitCode: -1}
	latest, ok := led.Latest(id)
	if !ok {
		return s
	}
	s.Status = latest.Status
	s.ExitCode = latest.ExitCode
	s.Duration = latest.Duration()
	s.Reused = latest.Reused

	lastRun := 0
	for _, a := range led.AttemptsFor(id) {
		if a.Attempt > 0 && a.Status == ledger.StatusRunning {
			s.Attempts++
			lastRun = max(lastRun, a.Attempt)
		}
	}
	if lastRun > 0 {
		path := executor.LogPath(r.LogDir(), id, lastRun)
		if _, err := os.Stat(path); err == nil {
			s.LogPath = path
		}
	}
	return s
}

// Runs lists the runs under the state directory, newest first.
func (a *App) Runs(ctx context.Context) ([]*runstate.Manifest, error) {
	return runstate.List(a.config.StateDir)
}

// Validation is the result of Validate.
type Validation struct {
	Files     []string
	Batches   [][]string
	Externals map[string]string
	Settings  config.Resolved
}

// Validate loads the configured pipeline, evaluates it against a
// placeholder run and builds its graph without creating anything on disk.
func (a *App) Validate(ctx context.Context) (*Validation, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	if len(a.config.PipelinePaths) == 0 {
		return nil, ErrNoPipeline
	}
	p, err := a.prepare(ctx, runstate.Locate(a.config.StateDir, "validate"), a.config.PipelinePaths)
	if err != nil {
		return nil, err
	}
	return &Validation{
		Files:     p.files,
		Batches:   p.graph.Layers(),
		Externals: p.pipeline.Externals,
		Settings:  p.settings,
	}, nil
}
