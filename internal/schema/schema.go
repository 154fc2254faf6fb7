// Package schema holds the gohcl-tagged structs that pipeline files are
// decoded into before they are translated to the config model.
package schema

import "github.com/hashicorp/hcl/v2"

// File is the top-level content of one pipeline file.
type File struct {
	Settings  *Settings   `hcl:"settings,block"`
	Artifacts []*Artifact `hcl:"artifact,block"`
	Stages    []*Stage    `hcl:"stage,block"`
}

// Settings is the `settings` block. At most one may exist across all files.
type Settings struct {
	MaxConcurrency      *int      `hcl:"max_concurrency,optional"`
	RetryLimit          *int      `hcl:"retry_limit,optional"`
	StageTimeoutSeconds *int      `hcl:"stage_timeout_seconds,optional"`
	CancelGraceSeconds  *int      `hcl:"cancel_grace_seconds,optional"`
	GPUSlots            *int      `hcl:"gpu_slots,optional"`
	MaxMemoryMB         *int      `hcl:"max_memory_mb,optional"`
	DefRange            hcl.Range `hcl:",def_range"`
}

// Artifact declares an input that exists before the run starts.
type Artifact struct {
	Key      string         `hcl:"key,label"`
	Path     hcl.Expression `hcl:"path"`
	DefRange hcl.Range      `hcl:",def_range"`
}

// Resources is the `resources` block within a stage.
type Resources struct {
	Cores    *int  `hcl:"cores,optional"`
	MemoryMB *int  `hcl:"memory_mb,optional"`
	GPU      *bool `hcl:"gpu,optional"`
}

// Stage represents a `stage` block: one external program in the pipeline.
type Stage struct {
	ID             string         `hcl:"id,label"`
	Kind           string         `hcl:"kind,optional"`
	Command        hcl.Expression `hcl:"command"`
	Env            hcl.Expression `hcl:"env,optional"`
	Dir            hcl.Expression `hcl:"dir,optional"`
	Inputs         []string       `hcl:"inputs,optional"`
	Outputs        hcl.Expression `hcl:"outputs,optional"`
	RetryLimit     *int           `hcl:"retry_limit,optional"`
	TimeoutSeconds *int           `hcl:"timeout_seconds,optional"`
	Parameters     hcl.Expression `hcl:"parameters,optional"`
	Resources      *Resources     `hcl:"resources,block"`
	DefRange       hcl.Range      `hcl:",def_range"`
}
