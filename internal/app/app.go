package app

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/hcl"
	"github.com/vk/stagegrid/internal/metrics"
	"github.com/vk/stagegrid/internal/notify"
	"github.com/vk/stagegrid/internal/runner"
	"github.com/vk/stagegrid/internal/runstate"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	loader     config.Loader
	evaluator  config.Evaluator
	runner     runner.StageRunner
	notifier   notify.Notifier
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	httpServer *http.Server
	now        func() time.Time
}

// Option customizes an App.
type Option func(*App)

// WithRunner replaces the process runner.
func WithRunner(r runner.StageRunner) Option {
	return func(a *App) { a.runner = r }
}

// WithNotifier sends progress events to n instead of dialing NotifyURL.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithConfigLoader replaces the HCL loader and evaluator.
func WithConfigLoader(l config.Loader, e config.Evaluator) Option {
	return func(a *App) {
		a.loader = l
		a.evaluator = e
	}
}

// WithClock replaces time.Now for run ids and manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// NewApp is the constructor for the main application. It returns an App with
// its own isolated logger and metrics registry.
func NewApp(outW io.Writer, cfg *Config, opts ...Option) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	reg := prometheus.NewRegistry()
	a := &App{
		outW:      outW,
		logger:    logger,
		config:    cfg,
		loader:    hcl.NewLoader(),
		evaluator: hcl.NewEvaluator(),
		runner:    runner.NewExecRunner(),
		registry:  reg,
		metrics:   metrics.New(reg),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	logger.Debug("Logger configured successfully.", "level", cfg.LogLevel, "format", cfg.LogFormat)
	return a
}

// Registry returns the metrics registry of the App. This is primarily for testing.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// scope is what pipeline expressions of run r may reference.
func (a *App) scope(r runstate.Run) config.Scope {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return config.Scope{
		RunID:     r.ID,
		RunDir:    r.Dir,
		WorkDir:   r.WorkDir(),
		ParamsDir: r.ParamsDir(),
		Env:       env,
	}
}
