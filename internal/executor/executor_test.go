package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/admission"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/dag"
	"github.com/vk/stagegrid/internal/ledger"
	"github.com/vk/stagegrid/internal/metrics"
	"github.com/vk/stagegrid/internal/notify"
	"github.com/vk/stagegrid/internal/stage"
	sgtest "github.com/vk/stagegrid/internal/testutil"
)

// fixture is one run directory: store, ledger and work dir survive across
// several executions so resume behaviour can be tested.
type fixture struct {
	t     *testing.T
	dir   string
	store *artifact.Store
	cfg   Config
	units int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := artifact.Open(filepath.Join(dir, "artifacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &fixture{
		t:     t,
		dir:   dir,
		store: store,
		units: 4,
		cfg: Config{
			RunID:       "run-1",
			RetryLimit:  1,
			CancelGrace: 10 * time.Millisecond,
			WorkDir:     filepath.Join(dir, "work"),
			LogDir:      filepath.Join(dir, "logs"),
			ParamsDir:   filepath.Join(dir, "params"),
		},
	}
}

func (f *fixture) work(name string) string {
	return filepath.Join(f.cfg.WorkDir, name)
}

type execution struct {
	res      *Result
	err      error
	ledger   *ledger.Ledger
	notifier *sgtest.RecordingNotifier
	metrics  *metrics.Metrics
}

func (f *fixture) execute(ctx context.Context, fr *sgtest.FakeRunner, stages ...*stage.Descriptor) execution {
	f.t.Helper()
	g, err := dag.Build(stages)
	require.NoError(f.t, err)
	led, err := ledger.Open(filepath.Join(f.dir, "ledger.jsonl"))
	require.NoError(f.t, err)
	defer led.Close()
	lim, err := admission.New(admission.Capacity{Units: f.units})
	require.NoError(f.t, err)

	rec := &sgtest.RecordingNotifier{}
	m := metrics.New(prometheus.NewRegistry())
	res, err := New(f.cfg, g, f.store, led, lim, fr, WithNotifier(rec), WithMetrics(m)).Run(ctx)
	return execution{res: res, err: err, ledger: led, notifier: rec, metrics: m}
}

type stageOpt func(*stage.Spec)

func retries(n int) stageOpt { return func(s *stage.Spec) { s.RetryLimit = n } }
func cores(n int) stageOpt   { return func(s *stage.Spec) { s.Resources.Cores = n } }
func params(p map[string]any) stageOpt {
	return func(s *stage.Spec) { s.Parameters = p }
}

func mkStage(t *testing.T, id string, inputs []string, outputs map[string]string, opts ...stageOpt) *stage.Descriptor {
	t.Helper()
	spec := stage.Spec{
		ID:      id,
		Inputs:  inputs,
		Outputs: outputs,
		Command: stage.Command{Argv: []string{id + "-bin"}},
	}
	for _, opt := range opts {
		opt(&spec)
	}
	d, err := stage.New(spec)
	require.NoError(t, err)
	return d
}

func statuses(records []ledger.Attempt, stageID string) []ledger.Status {
	var out []ledger.Status
	for _, a := range records {
		if a.StageID == stageID {
			out = append(out, a.Status)
		}
	}
	return out
}

// pipeline is the Source -> Diffract -> Detect chain.
func (f *fixture) pipeline() []*stage.Descriptor {
	return []*stage.Descriptor{
		mkStage(f.t, "source", nil, map[string]string{"beam": "source/beam.h5"}),
		mkStage(f.t, "diffract", []string{"beam"}, map[string]string{"pattern": "diffr/pattern.h5"}),
		mkStage(f.t, "detect", []string{"pattern"}, map[string]string{"peaks": "detect/peaks.txt"}),
	}
}

func (f *fixture) pipelineRunner() *sgtest.FakeRunner {
	return sgtest.NewFakeRunner().
		On("source", sgtest.Behavior{Files: map[string]string{f.work("source/beam.h5"): "photons"}}).
		On("diffract", sgtest.Behavior{Files: map[string]string{f.work("diffr/pattern.h5"): "pattern"}}).
		On("detect", sgtest.Behavior{Files: map[string]string{f.work("detect/peaks.txt"): "1 2 3"}})
}

func TestRunSourceDiffractDetect(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)
	fr := f.pipelineRunner()

	ex := f.execute(ctx, fr, f.pipeline()...)
	require.NoError(t, ex.err)
	assert.Equal(t, RunCompleted, ex.res.State)
	assert.Equal(t, map[string]ledger.Status{
		"source":   ledger.StatusSucceeded,
		"diffract": ledger.StatusSucceeded,
		"detect":   ledger.StatusSucceeded,
	}, ex.res.Stages)

	records := ex.ledger.Records()
	for _, id := range []string{"source", "diffract", "detect"} {
		assert.Equal(t, []ledger.Status{ledger.StatusRunning, ledger.StatusSucceeded}, statuses(records, id), id)
		latest, ok := ex.ledger.Latest(id)
		require.True(t, ok)
		assert.Equal(t, 0, latest.ExitCode)
		assert.Equal(t, 1, latest.Attempt)
		assert.NotNil(t, latest.EndTime)
	}

	var order []string
	for _, inv := range fr.Invocations() {
		order = append(order, inv.StageID)
	}
	assert.Equal(t, []string{"source", "diffract", "detect"}, order)

	inv := fr.Invocations()[1]
	assert.Equal(t, "run-1", inv.Env[EnvRunID])
	assert.Equal(t, "diffract", inv.Env[EnvStageID])
	assert.Equal(t, "1", inv.Env[EnvAttempt])
	assert.Equal(t, f.cfg.WorkDir, inv.Dir)
	assert.Equal(t, filepath.Join(f.cfg.LogDir, "diffract.1.log"), inv.LogPath)

	ok, err := f.store.Has(ctx, "peaks")
	require.NoError(t, err)
	assert.True(t, ok)
	a, err := f.store.Get(ctx, "pattern")
	require.NoError(t, err)
	assert.Equal(t, "diffract", a.ProducedBy)

	names := ex.notifier.Names()
	assert.Equal(t, notify.EventRunStarted, names[0])
	assert.Equal(t, notify.EventRunFinished, names[len(names)-1])
	assert.Equal(t, 1.0, testutil.ToFloat64(ex.metrics.Runs.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ex.metrics.StageAttempts.WithLabelValues("detect", "succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ex.metrics.StagesRunning))
}

func TestResumeRunsOnlyPendingStages(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)
	stages := []*stage.Descriptor{
		mkStage(t, "a", nil, map[string]string{"x": "x.dat"}),
		mkStage(t, "b", []string{"x"}, map[string]string{"y": "y.dat"}),
	}

	// First invocation: b keeps failing, so a succeeds and b is aborted.
	first := sgtest.NewFakeRunner().
		On("a", sgtest.Behavior{Files: map[string]string{f.work("x.dat"): "x"}}).
		On("b", sgtest.Behavior{ExitCode: 1})
	ex := f.execute(ctx, first, stages...)
	require.NoError(t, ex.err)
	require.Equal(t, RunFailed, ex.res.State)
	require.Equal(t, ledger.StatusAborted, ex.res.Stages["b"])

	second := sgtest.NewFakeRunner().
		On("b", sgtest.Behavior{Files: map[string]string{f.work("y.dat"): "y"}})
	ex = f.execute(ctx, second, stages...)
	require.NoError(t, ex.err)
	assert.Equal(t, RunCompleted, ex.res.State)
	assert.Equal(t, 0, second.Calls("a"))
	assert.Equal(t, 1, second.Calls("b"))
	assert.Equal(t, 2, second.Invocations()[0].Attempt, "attempt numbers continue from the ledger")

	// a already had a succeeded record, so no reuse record is added.
	assert.Equal(t, []ledger.Status{ledger.StatusRunning, ledger.StatusSucceeded}, statuses(ex.ledger.Records(), "a"))
}

func TestChecksumMismatchReexecutes(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)

	ex := f.execute(ctx, f.pipelineRunner(), f.pipeline()...)
	require.Equal(t, RunCompleted, ex.res.State)

	require.NoError(t, os.WriteFile(f.work("diffr/pattern.h5"), []byte("tampered"), 0o644))

	fr := f.pipelineRunner()
	ex = f.execute(ctx, fr, f.pipeline()...)
	require.NoError(t, ex.err)
	assert.Equal(t, RunCompleted, ex.res.State)
	assert.Equal(t, 0, fr.Calls("source"))
	assert.Equal(t, 1, fr.Calls("diffract"))
	// detect's output still verifies, so it is reused.
	assert.Equal(t, 0, fr.Calls("detect"))

	data, err := os.ReadFile(f.work("diffr/pattern.h5"))
	require.NoError(t, err)
	assert.Equal(t, "pattern", string(data))
}

func TestRetryExhaustionAbortsAndHalts(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)
	f.cfg.RetryLimit = 2

	stages := []*stage.Descriptor{
		mkStage(t, "bad", nil, map[string]string{"x": "x.dat"}),
		mkStage(t, "slow", nil, map[string]string{"s": "s.dat"}),
		mkStage(t, "after-bad", []string{"x"}, nil),
		mkStage(t, "after-slow", []string{"s"}, nil),
	}
	fr := sgtest.NewFakeRunner().
		On("bad", sgtest.Behavior{ExitCode: 2}).
		On("slow", sgtest.Behavior{Delay: 200 * time.Millisecond, Files: map[string]string{f.work("s.dat"): "s"}})

	ex := f.execute(ctx, fr, stages...)
	require.NoError(t, ex.err)
	assert.Equal(t, RunFailed, ex.res.State)
	assert.Equal(t, 2, fr.Calls("bad"))
	assert.Equal(t, 0, fr.Calls("after-slow"), "no new batch starts after an abort")

	assert.Equal(t, map[string]ledger.Status{
		"bad":        ledger.StatusAborted,
		"slow":       ledger.StatusSucceeded,
		"after-bad":  ledger.StatusSkipped,
		"after-slow": ledger.StatusPending,
	}, ex.res.Stages)

	records := ex.ledger.Records()
	assert.Equal(t, []ledger.Status{
		ledger.StatusRunning, ledger.StatusFailed,
		ledger.StatusRunning, ledger.StatusFailed,
		ledger.StatusAborted,
	}, statuses(records, "bad"))
	assert.Empty(t, statuses(records, "after-slow"))

	aborted, _ := ex.ledger.Latest("bad")
	assert.Contains(t, aborted.Cause, "retry budget of 2 attempts exhausted")
	assert.Equal(t, 2, aborted.ExitCode)
	skipped, _ := ex.ledger.Latest("after-bad")
	assert.Contains(t, skipped.Cause, `upstream stage "bad" is aborted`)
}

func TestPerStageRetryLimit(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)

	fr := sgtest.NewFakeRunner().On("flaky",
		sgtest.Behavior{ExitCode: 1},
		sgtest.Behavior{ExitCode: 1},
		sgtest.Behavior{Files: map[string]string{f.work("out.dat"): "ok"}},
	)
	ex := f.execute(ctx, fr, mkStage(t, "flaky", nil, map[string]string{"out": "out.dat"}, retries(3)))
	require.NoError(t, ex.err)
	assert.Equal(t, RunCompleted, ex.res.State)
	assert.Equal(t, 3, fr.Calls("flaky"))

	latest, _ := ex.ledger.Latest("flaky")
	assert.Equal(t, 3, latest.Attempt)
	assert.Equal(t, ledger.StatusSucceeded, latest.Status)
}

func TestTimeout(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)
	f.cfg.StageTimeout = 30 * time.Millisecond

	fr := sgtest.NewFakeRunner().On("hang", sgtest.Behavior{Block: true})
	ex := f.execute(ctx, fr, mkStage(t, "hang", nil, nil))
	require.NoError(t, ex.err)
	assert.Equal(t, RunFailed, ex.res.State)

	attempts := ex.ledger.AttemptsFor("hang")
	require.Len(t, attempts, 3)
	assert.Equal(t, ledger.StatusFailed, attempts[1].Status)
	assert.Contains(t, attempts[1].Cause, "timed out after 30ms")
	assert.Equal(t, -1, attempts[1].ExitCode)
}

func TestCancellation(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f := newFixture(t)

	stages := f.pipeline()
	fr := sgtest.NewFakeRunner().
		On("source", sgtest.Behavior{Files: map[string]string{f.work("source/beam.h5"): "photons"}}).
		On("diffract", sgtest.Behavior{Block: true})

	go func() {
		for inv := range fr.Started() {
			if inv.StageID == "diffract" {
				cancel()
				return
			}
		}
	}()

	ex := f.execute(ctx, fr, stages...)
	require.NoError(t, ex.err)
	assert.Equal(t, RunCancelled, ex.res.State)
	assert.Equal(t, ledger.StatusFailed, ex.res.Stages["diffract"])
	assert.Equal(t, ledger.StatusPending, ex.res.Stages["detect"], "cancel does not skip dependents")

	latest, _ := ex.ledger.Latest("diffract")
	assert.Equal(t, "cancelled", latest.Cause)
	assert.Equal(t, 1.0, testutil.ToFloat64(ex.metrics.Runs.WithLabelValues("CANCELLED")))

	// Resume continues where the cancelled run stopped.
	resume := f.pipelineRunner()
	ex = f.execute(context.Background(), resume, stages...)
	require.NoError(t, ex.err)
	assert.Equal(t, RunCompleted, ex.res.State)
	assert.Equal(t, 0, resume.Calls("source"))
	assert.Equal(t, 1, resume.Calls("diffract"))
	assert.Equal(t, 1, resume.Calls("detect"))
}

func TestCancelGraceLetsProcessFinish(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f := newFixture(t)
	f.cfg.CancelGrace = 5 * time.Second

	fr := sgtest.NewFakeRunner().On("a", sgtest.Behavior{
		Delay: 100 * time.Millisecond,
		Files: map[string]string{f.work("a.dat"): "a"},
	})
	go func() {
		<-fr.Started()
		cancel()
	}()

	ex := f.execute(ctx, fr,
		mkStage(t, "a", nil, map[string]string{"a": "a.dat"}),
		mkStage(t, "b", []string{"a"}, nil),
	)
	require.NoError(t, ex.err)
	assert.Equal(t, ledger.StatusSucceeded, ex.res.Stages["a"])
	assert.Equal(t, ledger.StatusPending, ex.res.Stages["b"])
	assert.Equal(t, RunCancelled, ex.res.State)
}

func TestCancelledStageExitingDuringGrace(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f := newFixture(t)
	f.cfg.CancelGrace = 5 * time.Second

	// The stage receives the interrupt too and exits non-zero before the
	// grace period ends.
	fr := sgtest.NewFakeRunner().On("a", sgtest.Behavior{Delay: 100 * time.Millisecond, ExitCode: 130})
	go func() {
		<-fr.Started()
		cancel()
	}()

	ex := f.execute(ctx, fr, mkStage(t, "a", nil, map[string]string{"a": "a.dat"}, retries(3)))
	require.NoError(t, ex.err)
	assert.Equal(t, RunCancelled, ex.res.State)
	assert.Equal(t, ledger.StatusFailed, ex.res.Stages["a"])
	assert.Equal(t, 1, fr.Calls("a"), "no retry after cancel")
	assert.Equal(t, 1.0, testutil.ToFloat64(ex.metrics.Runs.WithLabelValues("CANCELLED")))
}

func TestAbortLetsQueuedSiblingsRun(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)
	f.units = 1

	fr := sgtest.NewFakeRunner().
		On("a-bad", sgtest.Behavior{ExitCode: 1}).
		On("b-sib", sgtest.Behavior{Delay: 50 * time.Millisecond, Files: map[string]string{f.work("b.dat"): "b"}}).
		On("c-sib", sgtest.Behavior{Delay: 50 * time.Millisecond})

	ex := f.execute(ctx, fr,
		mkStage(t, "a-bad", nil, nil),
		mkStage(t, "b-sib", nil, map[string]string{"b": "b.dat"}),
		mkStage(t, "c-sib", nil, nil),
		mkStage(t, "next", []string{"b"}, nil),
	)
	require.NoError(t, ex.err)
	assert.Equal(t, RunFailed, ex.res.State)
	assert.Equal(t, map[string]ledger.Status{
		"a-bad": ledger.StatusAborted,
		"b-sib": ledger.StatusSucceeded,
		"c-sib": ledger.StatusSucceeded,
		"next":  ledger.StatusPending,
	}, ex.res.Stages)
	assert.Equal(t, 1, fr.Calls("b-sib"))
	assert.Equal(t, 0, fr.Calls("next"), "no new batch starts after an abort")
	assert.Equal(t, 1, fr.MaxConcurrent())
}

func TestMissingExternalInput(t *testing.T) {
	ctx, _ := sgtest.Context(t)

	t.Run("absent input skips the consumer and its dependents", func(t *testing.T) {
		f := newFixture(t)
		fr := sgtest.NewFakeRunner()
		ex := f.execute(ctx, fr,
			mkStage(t, "diffract", []string{"sample"}, map[string]string{"pattern": "p.h5"}),
			mkStage(t, "detect", []string{"pattern"}, nil),
			mkStage(t, "other", nil, nil),
		)
		require.NoError(t, ex.err)
		assert.Equal(t, RunCompleted, ex.res.State)
		assert.Equal(t, ledger.StatusSkipped, ex.res.Stages["diffract"])
		assert.Equal(t, ledger.StatusSkipped, ex.res.Stages["detect"])
		assert.Equal(t, ledger.StatusSucceeded, ex.res.Stages["other"])
		assert.Equal(t, 0, fr.Calls("diffract"))

		latest, _ := ex.ledger.Latest("diffract")
		assert.Contains(t, latest.Cause, `missing artifact "sample"`)
	})

	t.Run("recorded input lets the consumer run", func(t *testing.T) {
		f := newFixture(t)
		samplePath := filepath.Join(f.dir, "2nip.pdb")
		require.NoError(t, os.WriteFile(samplePath, []byte("ATOM"), 0o644))
		_, err := f.store.Record(ctx, "sample", samplePath, "")
		require.NoError(t, err)

		fr := sgtest.NewFakeRunner().
			On("diffract", sgtest.Behavior{Files: map[string]string{f.work("p.h5"): "p"}})
		ex := f.execute(ctx, fr, mkStage(t, "diffract", []string{"sample"}, map[string]string{"pattern": "p.h5"}))
		require.NoError(t, ex.err)
		assert.Equal(t, ledger.StatusSucceeded, ex.res.Stages["diffract"])
	})
}

func TestMissingDeclaredOutputFails(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)

	fr := sgtest.NewFakeRunner().On("lazy", sgtest.Behavior{})
	ex := f.execute(ctx, fr, mkStage(t, "lazy", nil, map[string]string{"out": "out.dat"}))
	require.NoError(t, ex.err)
	assert.Equal(t, RunFailed, ex.res.State)

	attempts := ex.ledger.AttemptsFor("lazy")
	require.GreaterOrEqual(t, len(attempts), 2)
	assert.Equal(t, ledger.StatusFailed, attempts[1].Status)
	assert.Equal(t, 0, attempts[1].ExitCode)
	assert.Contains(t, attempts[1].Cause, `declared output "out"`)
}

func TestStartFailureCountsAsAttempt(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)

	fr := sgtest.NewFakeRunner().On("ghost", sgtest.Behavior{StartErr: errors.New("exec: not found")})
	ex := f.execute(ctx, fr, mkStage(t, "ghost", nil, nil))
	require.NoError(t, ex.err)
	assert.Equal(t, RunFailed, ex.res.State)
	failed := ex.ledger.AttemptsFor("ghost")[1]
	assert.Contains(t, failed.Cause, "exec: not found")
}

func TestAdmissionBoundsConcurrency(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)
	f.units = 4

	fr := sgtest.NewFakeRunner()
	var stages []*stage.Descriptor
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		fr.On(id, sgtest.Behavior{Delay: 40 * time.Millisecond})
		stages = append(stages, mkStage(t, id, nil, nil, cores(2)))
	}

	ex := f.execute(ctx, fr, stages...)
	require.NoError(t, ex.err)
	assert.Equal(t, RunCompleted, ex.res.State)
	assert.LessOrEqual(t, fr.MaxConcurrent(), 2)
	assert.Equal(t, 5, len(fr.Invocations()))
}

func TestStageWithoutOutputsReusedFromLedger(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)
	stages := []*stage.Descriptor{mkStage(t, "report", nil, nil)}

	first := sgtest.NewFakeRunner()
	f.execute(ctx, first, stages...)
	require.Equal(t, 1, first.Calls("report"))

	second := sgtest.NewFakeRunner()
	ex := f.execute(ctx, second, stages...)
	assert.Equal(t, 0, second.Calls("report"))
	assert.Equal(t, ledger.StatusSucceeded, ex.res.Stages["report"])
}

func TestParametersFile(t *testing.T) {
	ctx, _ := sgtest.Context(t)
	f := newFixture(t)

	fr := sgtest.NewFakeRunner()
	ex := f.execute(ctx, fr, mkStage(t, "diffract", nil, nil, params(map[string]any{
		"number_of_diffraction_patterns": 10,
		"uniform_rotation":               true,
	})))
	require.Equal(t, RunCompleted, ex.res.State)

	inv := fr.Invocations()[0]
	path := inv.Env[EnvParamsFile]
	assert.Equal(t, filepath.Join(f.cfg.ParamsDir, "diffract.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"uniform_rotation": true`))
}

func TestErrors(t *testing.T) {
	err := error(&StageExecutionError{StageID: "a", Attempt: 2, ExitCode: 3})
	assert.ErrorIs(t, err, ErrStageExecution)
	assert.EqualError(t, err, `stage "a" attempt 2: exit code 3`)

	wrapped := error(&StageExecutionError{StageID: "a", Attempt: 1, Err: &artifact.MissingArtifactError{Key: "x"}})
	assert.ErrorIs(t, wrapped, ErrStageExecution)
	assert.ErrorIs(t, wrapped, artifact.ErrMissingArtifact)

	timeout := error(&TimeoutError{StageID: "a", Attempt: 1, Timeout: time.Second})
	assert.ErrorIs(t, timeout, ErrTimeout)
	assert.EqualError(t, timeout, `stage "a" attempt 1: timed out after 1s`)
}
