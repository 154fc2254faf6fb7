package app

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/vk/stagegrid/internal/config"
)

// DefaultStateDir is where runs are kept when no state directory is given.
const DefaultStateDir = ".stagegrid"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// PipelinePaths are .hcl files or directories. Needed by run and validate.
	PipelinePaths []string
	// ResumeFromLedger, when set, makes Run continue the run that owns this
	// ledger file instead of starting a new one.
	ResumeFromLedger string
	StateDir         string
	// Settings override the pipeline's settings block field by field.
	Settings config.Settings

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	NotifyURL       string
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.LogLevel)
	}

	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	switch cfg.LogFormat {
	case "":
		cfg.LogFormat = "text"
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", cfg.LogFormat)
	}

	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort)
	}
	if cfg.NotifyURL != "" {
		u, err := url.Parse(cfg.NotifyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid notify URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("invalid notify URL: must be absolute")
		}
	}
	if _, err := cfg.Settings.Resolve(); err != nil {
		return nil, err
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	// Stages run in their own working directories, so every path handed to
	// them must be absolute.
	stateDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("invalid state dir: %w", err)
	}
	cfg.StateDir = stateDir
	if cfg.ResumeFromLedger != "" {
		if cfg.ResumeFromLedger, err = filepath.Abs(cfg.ResumeFromLedger); err != nil {
			return nil, fmt.Errorf("invalid ledger path: %w", err)
		}
	}
	return &cfg, nil
}
