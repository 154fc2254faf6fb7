package config

import (
	"github.com/hashicorp/hcl/v2"

	"github.com/vk/stagegrid/internal/stage"
)

// Model is the merged, unevaluated content of all pipeline files.
type Model struct {
	Files     []string
	Settings  Settings
	Artifacts []*Artifact
	Stages    []*Stage
}

// Artifact is an `artifact` block: an input that exists before the run.
type Artifact struct {
	Key  string
	Path hcl.Expression
	// BaseDir is the directory of the declaring file. Relative paths
	// resolve against it.
	BaseDir  string
	DefRange hcl.Range
}

// Stage is a `stage` block. Expressions are kept raw until evaluation.
type Stage struct {
	ID         string
	Kind       string
	Command    hcl.Expression
	Env        hcl.Expression
	Dir        hcl.Expression
	Outputs    hcl.Expression
	Parameters hcl.Expression
	Inputs     []string

	RetryLimit     *int
	TimeoutSeconds *int
	Resources      stage.Resources

	BaseDir  string
	DefRange hcl.Range
}

// Scope is what expressions may reference during evaluation.
type Scope struct {
	RunID     string
	RunDir    string
	WorkDir   string
	ParamsDir string
	Env       map[string]string
}

// Pipeline is the evaluated form of a Model.
type Pipeline struct {
	Stages []*stage.Descriptor
	// Externals maps the key of every `artifact` block to its absolute path.
	Externals map[string]string
	Settings  Settings
}
