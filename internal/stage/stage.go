// Package stage defines the immutable description of one simulation stage:
// the external program it runs, the artifacts it consumes and produces, and
// the resources it needs while running.
package stage

import (
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// idRegex restricts stage ids and artifact keys to names that are safe to use
// in file names (log files, parameter decks).
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidName reports whether s can be used as a stage id or artifact key.
func ValidName(s string) bool {
	return idRegex.MatchString(s) && s != "." && s != ".."
}

// Command is the external invocation of a stage.
type Command struct {
	// Argv is the program followed by its arguments. Argv[0] is resolved via PATH.
	Argv []string
	// Env holds overrides applied on top of the parent environment.
	Env map[string]string
	// Dir is the working directory. Relative values are resolved by the
	// executor against the run work directory.
	Dir string
}

func (c Command) clone() Command {
	return Command{
		Argv: slices.Clone(c.Argv),
		Env:  maps.Clone(c.Env),
		Dir:  c.Dir,
	}
}

// Resources is what a stage holds from the admission limiter while it runs.
type Resources struct {
	Cores    int
	MemoryMB int
	GPU      bool
}

// Units returns the number of admission units the stage occupies. Every
// stage occupies at least one unit.
func (r Resources) Units() int64 {
	if r.Cores < 1 {
		return 1
	}
	return int64(r.Cores)
}

// ParamsFile returns where the parameter deck of stageID is written under
// paramsDir.
func ParamsFile(paramsDir, stageID string) string {
	return filepath.Join(paramsDir, stageID+".json")
}

// Output is a declared output artifact of a stage.
type Output struct {
	Key  string
	Path string
}

// Spec is the mutable input used to construct a Descriptor.
type Spec struct {
	ID         string
	Kind       string
	Inputs     []string
	Outputs    map[string]string
	Command    Command
	Resources  Resources
	RetryLimit int           // 0 means "use the run default"
	Timeout    time.Duration // 0 means "use the run default"
	Parameters map[string]any
}

// Descriptor is the validated, immutable form of a stage. All accessors
// return copies.
type Descriptor struct {
	id         string
	kind       string
	inputs     []string
	outputs    []Output
	command    Command
	resources  Resources
	retryLimit int
	timeout    time.Duration
	parameters map[string]any
}

// New validates spec and builds a Descriptor from it.
func New(spec Spec) (*Descriptor, error) {
	if !ValidName(spec.ID) {
		return nil, fmt.Errorf("invalid stage id %q", spec.ID)
	}
	if len(spec.Command.Argv) == 0 || spec.Command.Argv[0] == "" {
		return nil, fmt.Errorf("stage %q: command must not be empty", spec.ID)
	}
	if spec.Resources.Cores < 0 || spec.Resources.MemoryMB < 0 {
		return nil, fmt.Errorf("stage %q: resources must not be negative", spec.ID)
	}
	if spec.RetryLimit < 0 {
		return nil, fmt.Errorf("stage %q: retry limit must not be negative", spec.ID)
	}
	if spec.Timeout < 0 {
		return nil, fmt.Errorf("stage %q: timeout must not be negative", spec.ID)
	}

	seen := make(map[string]struct{}, len(spec.Inputs))
	inputs := make([]string, 0, len(spec.Inputs))
	for _, in := range spec.Inputs {
		if !ValidName(in) {
			return nil, fmt.Errorf("stage %q: invalid input key %q", spec.ID, in)
		}
		if _, dup := seen[in]; dup {
			return nil, fmt.Errorf("stage %q: input %q listed twice", spec.ID, in)
		}
		seen[in] = struct{}{}
		inputs = append(inputs, in)
	}
	slices.Sort(inputs)

	outputs := make([]Output, 0, len(spec.Outputs))
	for key, path := range spec.Outputs {
		if !ValidName(key) {
			return nil, fmt.Errorf("stage %q: invalid output key %q", spec.ID, key)
		}
		if path == "" {
			return nil, fmt.Errorf("stage %q: output %q has no path", spec.ID, key)
		}
		if _, self := seen[key]; self {
			return nil, fmt.Errorf("stage %q: artifact %q is both an input and an output", spec.ID, key)
		}
		outputs = append(outputs, Output{Key: key, Path: path})
	}
	slices.SortFunc(outputs, func(a, b Output) int { return strings.Compare(a.Key, b.Key) })

	return &Descriptor{
		id:         spec.ID,
		kind:       spec.Kind,
		inputs:     inputs,
		outputs:    outputs,
		command:    spec.Command.clone(),
		resources:  spec.Resources,
		retryLimit: spec.RetryLimit,
		timeout:    spec.Timeout,
		parameters: cloneParameters(spec.Parameters),
	}, nil
}

func (d *Descriptor) ID() string   { return d.id }
func (d *Descriptor) Kind() string { return d.kind }

// Inputs returns the input artifact keys in ascending order.
func (d *Descriptor) Inputs() []string { return slices.Clone(d.inputs) }

// Outputs returns the declared outputs ordered by key.
func (d *Descriptor) Outputs() []Output { return slices.Clone(d.outputs) }

// OutputKeys returns the output artifact keys in ascending order.
func (d *Descriptor) OutputKeys() []string {
	keys := make([]string, len(d.outputs))
	for i, o := range d.outputs {
		keys[i] = o.Key
	}
	return keys
}

func (d *Descriptor) Command() Command       { return d.command.clone() }
func (d *Descriptor) Resources() Resources   { return d.resources }
func (d *Descriptor) RetryLimit() int        { return d.retryLimit }
func (d *Descriptor) Timeout() time.Duration { return d.timeout }
func (d *Descriptor) HasParameters() bool    { return len(d.parameters) > 0 }

// Parameters returns a copy of the stage parameter deck.
func (d *Descriptor) Parameters() map[string]any { return cloneParameters(d.parameters) }

func cloneParameters(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	return cloneValue(p).(map[string]any)
}

// cloneValue deep-copies the maps and slices a decoded JSON value is made of.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
