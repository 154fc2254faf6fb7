package hcl

import (
	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/schema"
	"github.com/vk/stagegrid/internal/stage"
)

func translateSettings(s *schema.Settings) config.Settings {
	return config.Settings{
		MaxConcurrency:      s.MaxConcurrency,
		RetryLimit:          s.RetryLimit,
		StageTimeoutSeconds: s.StageTimeoutSeconds,
		CancelGraceSeconds:  s.CancelGraceSeconds,
		GPUSlots:            s.GPUSlots,
		MaxMemoryMB:         s.MaxMemoryMB,
	}
}

func translateArtifact(a *schema.Artifact, baseDir string) *config.Artifact {
	return &config.Artifact{
		Key:      a.Key,
		Path:     a.Path,
		BaseDir:  baseDir,
		DefRange: a.DefRange,
	}
}

// translateStage converts the HCL stage schema into the agnostic model.
// Expressions stay unevaluated.
func translateStage(s *schema.Stage, baseDir string) *config.Stage {
	out := &config.Stage{
		ID:             s.ID,
		Kind:           s.Kind,
		Command:        s.Command,
		Env:            s.Env,
		Dir:            s.Dir,
		Outputs:        s.Outputs,
		Parameters:     s.Parameters,
		Inputs:         s.Inputs,
		RetryLimit:     s.RetryLimit,
		TimeoutSeconds: s.TimeoutSeconds,
		BaseDir:        baseDir,
		DefRange:       s.DefRange,
	}
	if r := s.Resources; r != nil {
		out.Resources = stage.Resources{
			Cores:    deref(r.Cores),
			MemoryMB: deref(r.MemoryMB),
			GPU:      deref(r.GPU),
		}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
