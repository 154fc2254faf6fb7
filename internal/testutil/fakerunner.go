package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vk/stagegrid/internal/runner"
)

// Behavior scripts one attempt of a fake stage.
type Behavior struct {
	// ExitCode is returned by Wait when the attempt is not killed.
	ExitCode int
	// Files are written (absolute path -> content) just before Wait returns a
	// zero exit code.
	Files map[string]string
	// Delay is how long Wait blocks before exiting on its own.
	Delay time.Duration
	// Block makes Wait return only after Kill.
	Block bool
	// StartErr makes Start fail.
	StartErr error
}

// FakeRunner is an in-memory runner.StageRunner. Behaviors are consumed per
// stage in order; the last one repeats. Stages without a script succeed
// immediately without writing anything.
type FakeRunner struct {
	mu          sync.Mutex
	scripts     map[string][]Behavior
	invocations []runner.Invocation
	running     int
	maxRunning  int
	started     chan runner.Invocation
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		scripts: make(map[string][]Behavior),
		started: make(chan runner.Invocation, 256),
	}
}

// On appends behaviors for stageID.
func (f *FakeRunner) On(stageID string, b ...Behavior) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[stageID] = append(f.scripts[stageID], b...)
	return f
}

// Started receives every successful Start.
func (f *FakeRunner) Started() <-chan runner.Invocation { return f.started }

// Invocations returns every started invocation in order.
func (f *FakeRunner) Invocations() []runner.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Invocation(nil), f.invocations...)
}

// Calls returns the number of starts of stageID.
func (f *FakeRunner) Calls(stageID string) int {
	n := 0
	for _, inv := range f.Invocations() {
		if inv.StageID == stageID {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the highest number of simultaneously running fakes.
func (f *FakeRunner) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func (f *FakeRunner) Start(_ context.Context, inv runner.Invocation) (runner.Process, error) {
	f.mu.Lock()
	var b Behavior
	if script := f.scripts[inv.StageID]; len(script) > 0 {
		b = script[0]
		if len(script) > 1 {
			f.scripts[inv.StageID] = script[1:]
		}
	}
	if b.StartErr != nil {
		f.mu.Unlock()
		return nil, b.StartErr
	}
	f.invocations = append(f.invocations, inv)
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	f.mu.Unlock()

	select {
	case f.started <- inv:
	default:
	}
	return &fakeProcess{owner: f, b: b, killed: make(chan struct{})}, nil
}

type fakeProcess struct {
	owner    *FakeRunner
	b        Behavior
	killOnce sync.Once
	killed   chan struct{}
}

func (p *fakeProcess) Wait() (int, error) {
	defer func() {
		p.owner.mu.Lock()
		p.owner.running--
		p.owner.mu.Unlock()
	}()

	var timer <-chan time.Time
	if !p.b.Block {
		timer = time.After(p.b.Delay)
	}
	select {
	case <-p.killed:
		return -1, nil
	case <-timer:
	}

	if p.b.ExitCode == 0 {
		for path, content := range p.b.Files {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return -1, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return -1, err
			}
		}
	}
	return p.b.ExitCode, nil
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}
