package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vk/stagegrid/internal/app"
	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/report"
)

// Exit codes. ExitUsage is EX_USAGE from sysexits(3).
const (
	ExitFailed    = 1
	ExitCancelled = 2
	ExitUsage     = 64
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Setting flags, shared by every subcommand. Each is also read from
// STAGEGRID_<NAME> and from the config file.
const (
	keyConfig              = "config"
	keyStateDir            = "state-dir"
	keyLogLevel            = "log-level"
	keyLogFormat           = "log-format"
	keyHealthcheckPort     = "healthcheck-port"
	keyNotifyURL           = "notify-url"
	keyMaxConcurrency      = "max-concurrency"
	keyRetryLimit          = "retry-limit"
	keyStageTimeoutSeconds = "stage-timeout-seconds"
	keyCancelGraceSeconds  = "cancel-grace-seconds"
	keyGPUSlots            = "gpu-slots"
	keyMaxMemoryMB         = "max-memory-mb"
	keyResumeFromLedger    = "resume-from-ledger"
)

// cli holds the state of one invocation.
type cli struct {
	v       *viper.Viper
	outW    io.Writer
	errW    io.Writer
	appOpts []app.Option
}

// Run executes the command line args. Logs go to errW, reports to outW. A
// nil error means exit code 0; every other outcome is an *ExitError.
func Run(ctx context.Context, args []string, outW, errW io.Writer, opts ...app.Option) error {
	c := &cli{v: viper.New(), outW: outW, errW: errW, appOpts: opts}
	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(outW)
	root.SetErr(errW)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	// Anything cobra reports itself is a usage problem.
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("%s\nRun 'stagegrid --help' for usage.", err)}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "stagegrid",
		Short: "Run multi-stage simulation pipelines as a dependency graph of external programs",
		Long: `stagegrid runs experiment pipelines described in HCL. Each stage is an
external program; stages run as soon as the artifacts they consume exist, and
an interrupted or failed run can be resumed from its ledger.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.loadConfig,
	}

	pf := root.PersistentFlags()
	pf.String(keyConfig, "", "config file (yaml, json or toml) with default settings")
	pf.String(keyStateDir, app.DefaultStateDir, "directory holding run state")
	pf.String(keyLogLevel, "info", "log level: debug, info, warn or error")
	pf.String(keyLogFormat, "text", "log format: text or json")
	pf.Int(keyHealthcheckPort, 0, "port for the /health and /metrics server; 0 disables it")
	pf.String(keyNotifyURL, "", "Socket.IO server that receives progress events")
	pf.Int(keyMaxConcurrency, 0, "admission units (cores) shared by running stages")
	pf.Int(keyRetryLimit, 0, "attempts per stage and invocation")
	pf.Int(keyStageTimeoutSeconds, 0, "default per-attempt timeout; 0 disables it")
	pf.Int(keyCancelGraceSeconds, 0, "how long running stages may finish after a cancel")
	pf.Int(keyGPUSlots, 0, "GPU slots shared by stages that need a GPU; 0 means unlimited")
	pf.Int(keyMaxMemoryMB, 0, "memory budget shared by running stages; 0 means unlimited")

	root.AddCommand(
		c.runCommand(),
		c.resumeCommand(),
		c.statusCommand(),
		c.validateCommand(),
		c.runsCommand(),
	)
	return root
}

// loadConfig binds flags, the environment and the optional config file.
func (c *cli) loadConfig(cmd *cobra.Command, _ []string) error {
	c.v.SetEnvPrefix("STAGEGRID")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if file := c.v.GetString(keyConfig); file != "" {
		c.v.SetConfigFile(file)
		if err := c.v.ReadInConfig(); err != nil {
			return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("failed to read config file: %s", err)}
		}
	}
	return nil
}

// optionalInt returns the value of key only when a flag, the environment or
// the config file set it.
func (c *cli) optionalInt(key string) *int {
	if !c.v.IsSet(key) {
		return nil
	}
	return config.Int(c.v.GetInt(key))
}

// newApp builds the App from the layered configuration.
func (c *cli) newApp(pipelinePaths []string) (*app.App, error) {
	cfg, err := app.NewConfig(app.Config{
		PipelinePaths:    pipelinePaths,
		ResumeFromLedger: c.v.GetString(keyResumeFromLedger),
		StateDir:         c.v.GetString(keyStateDir),
		Settings: config.Settings{
			MaxConcurrency:      c.optionalInt(keyMaxConcurrency),
			RetryLimit:          c.optionalInt(keyRetryLimit),
			StageTimeoutSeconds: c.optionalInt(keyStageTimeoutSeconds),
			CancelGraceSeconds:  c.optionalInt(keyCancelGraceSeconds),
			GPUSlots:            c.optionalInt(keyGPUSlots),
			MaxMemoryMB:         c.optionalInt(keyMaxMemoryMB),
		},
		LogFormat:       c.v.GetString(keyLogFormat),
		LogLevel:        c.v.GetString(keyLogLevel),
		HealthcheckPort: c.v.GetInt(keyHealthcheckPort),
		NotifyURL:       c.v.GetString(keyNotifyURL),
	})
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return app.NewApp(c.errW, cfg, c.appOpts...), nil
}

// failed wraps an application error so it is not mistaken for a usage error.
func failed(err error) error {
	return &ExitError{Code: ExitFailed, Message: err.Error()}
}

// finish prints the outcome of a run and maps its state to an exit code.
func (c *cli) finish(o *app.Outcome, err error) error {
	if o == nil {
		return failed(err)
	}
	report.Summary(c.outW, o)
	if err != nil {
		return failed(err)
	}
	switch o.Result.State {
	case executor.RunCompleted:
		return nil
	case executor.RunCancelled:
		return &ExitError{Code: ExitCancelled, Message: fmt.Sprintf("run %s cancelled", o.Run.ID)}
	default:
		return &ExitError{Code: ExitFailed, Message: fmt.Sprintf("run %s failed", o.Run.ID)}
	}
}

func (c *cli) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [pipeline-config...]",
		Short: "Start a new run of a pipeline",
		Long: `Start a new run. A pipeline config is an .hcl file or a directory of .hcl
files. With --resume-from-ledger the run owning that ledger is continued
instead.

Exit codes: 0 when the run completes, 1 when it fails, 2 when it is
cancelled and 64 for usage or configuration errors.`,
		Example: `  stagegrid run pipeline.hcl
  stagegrid run --max-concurrency 8 pipelines/xfel/
  stagegrid run --resume-from-ledger .stagegrid/runs/20250301-120000-1b4e28ba/ledger.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && c.v.GetString(keyResumeFromLedger) == "" {
				return errors.New("requires a pipeline config or --resume-from-ledger")
			}
			a, err := c.newApp(args)
			if err != nil {
				return err
			}
			return c.finish(a.Run(cmd.Context()))
		},
	}
	cmd.Flags().String(keyResumeFromLedger, "", "continue the run that owns this ledger file")
	return cmd
}

func (c *cli) resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a run from its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(nil)
			if err != nil {
				return err
			}
			return c.finish(a.Resume(cmd.Context(), args[0]))
		},
	}
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the stages of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(nil)
			if err != nil {
				return err
			}
			r, err := a.Status(cmd.Context(), args[0])
			if err != nil {
				return failed(err)
			}
			report.Status(c.outW, r)
			return nil
		},
	}
}

func (c *cli) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-config...>",
		Short: "Check a pipeline and print its batches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(args)
			if err != nil {
				return err
			}
			v, err := a.Validate(cmd.Context())
			if err != nil {
				return failed(err)
			}
			report.Validation(c.outW, v)
			return nil
		},
	}
}

func (c *cli) runsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List known runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.newApp(nil)
			if err != nil {
				return err
			}
			runs, err := a.Runs(cmd.Context())
			if err != nil {
				return failed(err)
			}
			report.Runs(c.outW, runs)
			return nil
		},
	}
}
