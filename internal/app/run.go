package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/vk/stagegrid/internal/admission"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/dag"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/ledger"
	"github.com/vk/stagegrid/internal/notify"
	"github.com/vk/stagegrid/internal/runstate"
)

// ErrNoPipeline is returned when an operation needs pipeline paths and none
// were configured.
var ErrNoPipeline = errors.New("no pipeline path given")

// Outcome is the result of Run or Resume.
type Outcome struct {
	Run      runstate.Run
	Manifest *runstate.Manifest
	Result   *executor.Result
}

// plan is a loaded, evaluated and validated pipeline.
type plan struct {
	files    []string
	pipeline *config.Pipeline
	graph    *dag.Graph
	settings config.Resolved
}

// Run starts a new run of the configured pipeline, or continues the run
// owning ResumeFromLedger when that is set. Pipeline errors are returned
// before any run directory is created.
func (a *App) Run(ctx context.Context) (*Outcome, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.ResumeFromLedger != "" {
		r := runstate.FromDir(filepath.Dir(a.config.ResumeFromLedger))
		m, err := runstate.LoadManifest(r)
		if err != nil {
			return nil, fmt.Errorf("resume from ledger %s: %w", a.config.ResumeFromLedger, err)
		}
		return a.resume(ctx, r, m)
	}

	if len(a.config.PipelinePaths) == 0 {
		return nil, ErrNoPipeline
	}
	paths := make([]string, 0, len(a.config.PipelinePaths))
	for _, p := range a.config.PipelinePaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve pipeline path %s: %w", p, err)
		}
		paths = append(paths, abs)
	}

	now := a.now()
	runID := runstate.NewRunID(now)
	p, err := a.prepare(ctx, runstate.Locate(a.config.StateDir, runID), paths)
	if err != nil {
		return nil, err
	}
	r, m, err := runstate.Create(a.config.StateDir, runID, paths, now)
	if err != nil {
		return nil, err
	}
	a.logger.Info("🚀 Run created.", "run", r.ID, "dir", r.Dir, "stages", p.graph.Len())
	return a.execute(ctx, r, m, p)
}

// Resume continues runID from its ledger. Stages whose outputs are still
// valid are not run again.
func (a *App) Resume(ctx context.Context, runID string) (*Outcome, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	r, m, err := runstate.Open(a.config.StateDir, runID)
	if err != nil {
		return nil, err
	}
	return a.resume(ctx, r, m)
}

func (a *App) resume(ctx context.Context, r runstate.Run, m *runstate.Manifest) (*Outcome, error) {
	p, err := a.prepare(ctx, r, m.PipelinePaths)
	if err != nil {
		return nil, err
	}
	a.logger.Info("🚀 Resuming run.", "run", r.ID, "previous_state", m.State, "stages", p.graph.Len())
	return a.execute(ctx, r, m, p)
}

// prepare loads and evaluates the pipeline for run r and builds its graph.
func (a *App) prepare(ctx context.Context, r runstate.Run, paths []string) (*plan, error) {
	model, err := a.loader.Load(ctx, paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	pipeline, err := a.evaluator.Evaluate(ctx, model, a.scope(r))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate pipeline: %w", err)
	}
	settings, err := pipeline.Settings.Override(a.config.Settings).Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	g, err := dag.Build(pipeline.Stages)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "stages", g.Len(), "externals", g.ExternalInputs())
	return &plan{files: model.Files, pipeline: pipeline, graph: g, settings: settings}, nil
}

// execute opens the run's store and ledger and drives the executor to the
// end. The manifest state is saved before and after.
func (a *App) execute(ctx context.Context, r runstate.Run, m *runstate.Manifest, p *plan) (*Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	a.startServer(ctx)
	defer func() { _ = a.closeServer(ctx) }()

	store, err := artifact.Open(r.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	defer store.Close()
	if err := recordExternals(ctx, store, p.pipeline.Externals); err != nil {
		return nil, err
	}

	led, err := ledger.Open(r.LedgerPath())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	lim, err := admission.New(admission.Capacity{
		Units:    int64(p.settings.MaxConcurrency),
		MemoryMB: int64(p.settings.MaxMemoryMB),
		GPUSlots: int64(p.settings.GPUSlots),
	})
	if err != nil {
		return nil, err
	}

	notifier, closeNotifier := a.openNotifier(ctx)
	defer closeNotifier()

	m.State = runstate.StateRunning
	m.UpdatedAt = a.now().UTC()
	if err := runstate.SaveManifest(r, m); err != nil {
		return nil, err
	}

	exec := executor.New(executor.Config{
		RunID:        r.ID,
		RetryLimit:   p.settings.RetryLimit,
		StageTimeout: p.settings.StageTimeout,
		CancelGrace:  p.settings.CancelGrace,
		WorkDir:      r.WorkDir(),
		LogDir:       r.LogDir(),
		ParamsDir:    r.ParamsDir(),
	}, p.graph, store, led, lim, a.runner,
		executor.WithNotifier(notifier),
		executor.WithMetrics(a.metrics),
	)
	res, runErr := exec.Run(ctx)

	m.State = manifestState(res.State)
	m.UpdatedAt = a.now().UTC()
	if err := runstate.SaveManifest(r, m); err != nil {
		runErr = errors.Join(runErr, err)
	}
	logger.Info("🏁 Execution finished.", "run", r.ID, "state", res.State)
	return &Outcome{Run: r, Manifest: m, Result: res}, runErr
}

// recordExternals checksums every declared external artifact. A missing file
// is not an error here; stages that need it are skipped by the executor.
func recordExternals(ctx context.Context, store *artifact.Store, externals map[string]string) error {
	logger := ctxlog.FromContext(ctx)
	for _, key := range slices.Sorted(maps.Keys(externals)) {
		path := externals[key]
		_, err := store.Record(ctx, key, path, "")
		if errors.Is(err, artifact.ErrMissingArtifact) {
			logger.Warn("External artifact is missing.", "artifact", key, "path", path)
			continue
		}
		if err != nil {
			return fmt.Errorf("record external artifact: %w", err)
		}
	}
	return nil
}

// openNotifier returns the configured notifier. A notifier that cannot be
// reached is logged and replaced by a no-op; progress events are best effort.
func (a *App) openNotifier(ctx context.Context) (notify.Notifier, func()) {
	if a.notifier != nil {
		return a.notifier, func() {}
	}
	if a.config.NotifyURL == "" {
		return notify.Nop{}, func() {}
	}
	n, err := notify.Dial(ctx, notify.Options{URL: a.config.NotifyURL, ConnectTimeout: 10 * time.Second})
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Notifier unavailable, continuing without it.", "error", err)
		return notify.Nop{}, func() {}
	}
	return n, func() { _ = n.Close() }
}

func manifestState(s executor.RunState) runstate.State {
	switch s {
	case executor.RunCompleted:
		return runstate.StateCompleted
	case executor.RunCancelled:
		return runstate.StateCancelled
	case executor.RunFailed:
		return runstate.StateFailed
	}
	return runstate.StateRunning
}
