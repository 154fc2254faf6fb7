package config

import "context"

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads every configuration file found under paths and merges them
	// into a single Model. A path may be a file or a directory.
	Load(ctx context.Context, paths ...string) (*Model, error)
}

// Evaluator resolves the expressions of a Model against a Scope.
type Evaluator interface {
	Evaluate(ctx context.Context, m *Model, scope Scope) (*Pipeline, error)
}
