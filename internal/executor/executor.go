// Package executor drives a pipeline run. A single coordinating goroutine walks
// the topological batches of the dependency graph, decides for every stage
// whether to skip, reuse or dispatch it, and reacts to attempt completions.
// Each attempt runs in its own goroutine and reports back over a channel; the
// coordinator is the only writer of per-stage state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/stagegrid/internal/admission"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/dag"
	"github.com/vk/stagegrid/internal/ledger"
	"github.com/vk/stagegrid/internal/metrics"
	"github.com/vk/stagegrid/internal/notify"
	"github.com/vk/stagegrid/internal/runner"
	"github.com/vk/stagegrid/internal/stage"
)

// RunState is the outcome of a run.
type RunState string

const (
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

// Config holds the run-wide execution settings.
type Config struct {
	RunID string
	// RetryLimit is the number of attempts a stage gets per invocation when it
	// does not set its own. Values below 1 mean 1.
	RetryLimit int
	// StageTimeout bounds every attempt unless the stage sets its own. Zero
	// disables the bound.
	StageTimeout time.Duration
	// CancelGrace is how long running processes may keep running after the
	// run is cancelled.
	CancelGrace time.Duration
	// WorkDir is the base for relative stage directories and output paths.
	WorkDir   string
	LogDir    string
	ParamsDir string
}

// Executor runs one pipeline. It is not reusable across runs.
type Executor struct {
	cfg      Config
	graph    *dag.Graph
	store    *artifact.Store
	ledger   *ledger.Ledger
	limiter  *admission.Limiter
	runner   runner.StageRunner
	notifier notify.Notifier
	metrics  *metrics.Metrics
}

type Option func(*Executor)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor over the given graph and run handles.
func New(
	cfg Config,
	g *dag.Graph,
	store *artifact.Store,
	led *ledger.Ledger,
	lim *admission.Limiter,
	r runner.StageRunner,
	opts ...Option,
) *Executor {
	e := &Executor{
		cfg:      cfg,
		graph:    g,
		store:    store,
		ledger:   led,
		limiter:  lim,
		runner:   r,
		notifier: notify.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes a finished run.
type Result struct {
	RunID  string
	State  RunState
	Stages map[string]ledger.Status
}

// completion is what an attempt goroutine reports to the coordinator.
type completion struct {
	stageID  string
	attempt  int
	started  bool // false when admission was abandoned before the attempt began
	status   ledger.Status
	exitCode int
	err      error
	// cancelled marks an attempt killed because the run was cancelled.
	cancelled bool
	ledgerErr error
}

// run is the coordinator state of one Run call.
type run struct {
	*Executor

	ctx context.Context

	states      map[string]ledger.Status // absent means pending
	attempts    map[string]int           // attempts started in this invocation
	inflight    int
	done        chan completion
	halted      bool
	aborted     bool
	interrupted bool
	errs        []error
}

// Run executes the pipeline until every batch is settled, a stage exhausts
// its retry budget, or ctx is cancelled. The returned error reports
// infrastructure failures (such as ledger writes); stage failures are
// reflected in the Result.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	ctx, logger := ctxlog.With(ctx, "run", e.cfg.RunID)

	r := &run{
		Executor: e,
		ctx:      ctx,
		states:   make(map[string]ledger.Status),
		attempts: make(map[string]int),
		done:     make(chan completion),
	}

	logger.Info("Run started.", "stages", e.graph.Len())
	e.emit(ctx, notify.Event{Name: notify.EventRunStarted, Status: string(RunRunning)})

	for batch := range e.graph.Batches() {
		if r.stopped() {
			break
		}
		logger.Debug("Dispatching batch.", "stages", batch)
		for _, id := range batch {
			if r.stopped() {
				break
			}
			r.schedule(id)
		}
		r.drain()
	}

	if r.aborted {
		r.skipDownstreamOfFailures()
	}

	state := r.finalState()
	res := &Result{RunID: e.cfg.RunID, State: state, Stages: make(map[string]ledger.Status, e.graph.Len())}
	for _, id := range e.graph.IDs() {
		res.Stages[id] = r.status(id)
		if res.Stages[id] == ledger.StatusSkipped && state == RunCompleted {
			logger.Warn("Run completed with skipped stage.", "stage", id)
		}
	}

	e.metrics.RunFinished(string(state))
	e.emit(ctx, notify.Event{Name: notify.EventRunFinished, Status: string(state)})
	logger.Info("Run finished.", "state", state)
	return res, errors.Join(r.errs...)
}

func (r *run) stopped() bool {
	return r.halted || r.ctx.Err() != nil
}

// finalState never reports COMPLETED while a stage is left failed.
func (r *run) finalState() RunState {
	switch {
	case r.aborted:
		return RunFailed
	case r.ctx.Err() != nil && (r.interrupted || r.anyFailed() || len(r.states) < r.graph.Len()):
		return RunCancelled
	case r.anyFailed():
		return RunFailed
	default:
		return RunCompleted
	}
}

func (r *run) anyFailed() bool {
	for _, st := range r.states {
		if st == ledger.StatusFailed {
			return true
		}
	}
	return false
}

func (r *run) status(id string) ledger.Status {
	if st, ok := r.states[id]; ok {
		return st
	}
	return ledger.StatusPending
}

func (r *run) retryLimit(d *stage.Descriptor) int {
	n := d.RetryLimit()
	if n == 0 {
		n = r.cfg.RetryLimit
	}
	return max(n, 1)
}

// schedule decides what happens to a pending stage whose batch has come up.
func (r *run) schedule(id string) {
	d, _ := r.graph.Stage(id)
	ctx, _ := ctxlog.With(r.ctx, "stage", id)

	for _, p := range r.graph.Producers(id) {
		if st := r.status(p); st != ledger.StatusSucceeded {
			r.skip(ctx, id, fmt.Errorf("upstream stage %q is %s", p, st))
			return
		}
	}

	if r.reusable(ctx, d) {
		r.reuse(ctx, d)
		return
	}

	for _, key := range d.Inputs() {
		ok, err := r.store.Has(ctx, key)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			r.skip(ctx, id, err)
			return
		}
		if !ok {
			r.skip(ctx, id, &artifact.MissingArtifactError{Key: key})
			return
		}
	}

	r.dispatch(ctx, d)
}

// reusable reports whether d can be satisfied without running it: every
// declared output is recorded at its declared path and verifies on disk. A
// stage without outputs is reusable only if the ledger already shows it
// succeeded.
func (r *run) reusable(ctx context.Context, d *stage.Descriptor) bool {
	outputs := d.Outputs()
	if len(outputs) == 0 {
		return r.ledger.LatestStatus(d.ID()) == ledger.StatusSucceeded
	}
	for _, o := range outputs {
		a, err := r.store.Get(ctx, o.Key)
		if err != nil || a.Path != r.resolve(o.Path) {
			return false
		}
		ok, err := r.store.Has(ctx, o.Key)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func (r *run) reuse(ctx context.Context, d *stage.Descriptor) {
	id := d.ID()
	r.states[id] = ledger.StatusSucceeded
	if r.ledger.LatestStatus(id) != ledger.StatusSucceeded {
		now := time.Now().UTC()
		r.record(ledger.Attempt{
			StageID:   id,
			Status:    ledger.StatusSucceeded,
			StartTime: now,
			EndTime:   &now,
			ExitCode:  -1,
			Reused:    true,
		})
	}
	ctxlog.FromContext(ctx).Info("Stage outputs already valid, reusing.")
	r.metrics.StageSettled(id, "reused")
	r.emit(ctx, notify.Event{Name: notify.EventStageFinished, StageID: id, Status: string(ledger.StatusSucceeded), ExitCode: -1})
}

func (r *run) skip(ctx context.Context, id string, cause error) {
	r.states[id] = ledger.StatusSkipped
	now := time.Now().UTC()
	r.record(ledger.Attempt{
		StageID:   id,
		Status:    ledger.StatusSkipped,
		StartTime: now,
		EndTime:   &now,
		ExitCode:  -1,
		Cause:     cause.Error(),
	})
	ctxlog.FromContext(ctx).Warn("Stage skipped.", "stage", id, "cause", cause)
	r.metrics.StageSettled(id, string(ledger.StatusSkipped))
	r.emit(ctx, notify.Event{Name: notify.EventStageFinished, StageID: id, Status: string(ledger.StatusSkipped), ExitCode: -1, Cause: cause.Error()})
}

func (r *run) dispatch(ctx context.Context, d *stage.Descriptor) {
	attempt := r.ledger.NextAttempt(d.ID())
	r.attempts[d.ID()]++
	r.states[d.ID()] = ledger.StatusRunning
	r.inflight++
	go func() {
		r.done <- r.runAttempt(ctx, d, attempt)
	}()
}

// drain waits until no attempt is in flight, handling retries as failures
// come in.
func (r *run) drain() {
	for r.inflight > 0 {
		c := <-r.done
		r.inflight--
		r.settle(c)
	}
}

func (r *run) settle(c completion) {
	if c.ledgerErr != nil {
		r.errs = append(r.errs, c.ledgerErr)
	}
	d, _ := r.graph.Stage(c.stageID)
	ctx, logger := ctxlog.With(r.ctx, "stage", c.stageID)

	switch {
	case !c.started:
		delete(r.states, c.stageID)
		r.attempts[c.stageID]--
		if r.ctx.Err() != nil {
			r.interrupted = true
		}
	case c.status == ledger.StatusSucceeded:
		r.states[c.stageID] = ledger.StatusSucceeded
	case c.cancelled:
		r.states[c.stageID] = ledger.StatusFailed
		r.interrupted = true
	default:
		r.states[c.stageID] = ledger.StatusFailed
		if r.ctx.Err() != nil {
			// The process gave up on its own during the cancel grace period.
			r.interrupted = true
		}
		if r.stopped() {
			return
		}
		if limit := r.retryLimit(d); r.attempts[c.stageID] < limit {
			logger.Warn("Stage attempt failed, retrying.", "attempt", c.attempt, "limit", limit, "error", c.err)
			r.dispatch(ctx, d)
			return
		}
		r.abort(ctx, d, c)
	}
}

// abort marks d as having exhausted its retry budget and halts the run:
// no retries or batches start afterwards, but attempts already dispatched,
// including those still waiting for admission, run to completion.
func (r *run) abort(ctx context.Context, d *stage.Descriptor, c completion) {
	id := d.ID()
	r.states[id] = ledger.StatusAborted
	cause := fmt.Sprintf("retry budget of %d attempts exhausted: %v", r.retryLimit(d), c.err)
	now := time.Now().UTC()
	r.record(ledger.Attempt{
		StageID:   id,
		Attempt:   c.attempt,
		Status:    ledger.StatusAborted,
		StartTime: now,
		EndTime:   &now,
		ExitCode:  c.exitCode,
		Cause:     cause,
	})
	ctxlog.FromContext(ctx).Error("Stage aborted, halting run.", "attempt", c.attempt, "error", c.err)
	r.metrics.StageSettled(id, string(ledger.StatusAborted))
	r.emit(ctx, notify.Event{Name: notify.EventStageFinished, StageID: id, Attempt: c.attempt, Status: string(ledger.StatusAborted), ExitCode: c.exitCode, Cause: cause})

	r.aborted = true
	r.halted = true
}

// skipDownstreamOfFailures records every still pending descendant of a failed
// or aborted stage as skipped. Unrelated pending stages are left for resume.
func (r *run) skipDownstreamOfFailures() {
	for _, id := range r.graph.IDs() {
		st := r.status(id)
		if st != ledger.StatusFailed && st != ledger.StatusAborted {
			continue
		}
		for _, dep := range r.graph.Descendants(id) {
			if _, settled := r.states[dep]; settled {
				continue
			}
			ctx, _ := ctxlog.With(r.ctx, "stage", dep)
			r.skip(ctx, dep, fmt.Errorf("upstream stage %q is %s", id, st))
		}
	}
}

// record appends to the ledger from the coordinator goroutine.
func (r *run) record(a ledger.Attempt) {
	if err := r.ledger.Append(a); err != nil {
		ctxlog.FromContext(r.ctx).Error("Failed to append ledger record.", "stage", a.StageID, "error", err)
		r.errs = append(r.errs, err)
	}
}

func (e *Executor) emit(ctx context.Context, ev notify.Event) {
	ev.RunID = e.cfg.RunID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e.notifier.Notify(ctx, ev)
}
