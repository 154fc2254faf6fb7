package hcl

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/stage"
)

// Evaluator is the HCL implementation of config.Evaluator.
type Evaluator struct{}

// NewEvaluator creates a new HCL evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// functions are the functions available to every pipeline expression.
func functions() map[string]function.Function {
	return map[string]function.Function{
		"upper":  stdlib.UpperFunc,
		"lower":  stdlib.LowerFunc,
		"join":   stdlib.JoinFunc,
		"format": stdlib.FormatFunc,
		"concat": stdlib.ConcatFunc,
	}
}

// Evaluate resolves m against scope in two passes. Output and artifact
// paths are evaluated first with only `run` and `env` in scope; every other
// stage attribute may then also reference `artifact` and `stage`.
func (e *Evaluator) Evaluate(ctx context.Context, m *config.Model, scope config.Scope) (*config.Pipeline, error) {
	logger := ctxlog.FromContext(ctx)

	base := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"run": cty.ObjectVal(map[string]cty.Value{
				"id":      cty.StringVal(scope.RunID),
				"dir":     cty.StringVal(scope.RunDir),
				"workdir": cty.StringVal(scope.WorkDir),
			}),
			"env": stringObject(scope.Env),
		},
		Functions: functions(),
	}

	var diags hcl.Diagnostics

	outputs := make([]map[string]string, len(m.Stages))
	producedBy := make(map[string]string)
	paths := make(map[string]string)
	for i, s := range m.Stages {
		outs, d := evalStringMap(s.Outputs, base, "outputs")
		diags = append(diags, d...)
		for key, p := range outs {
			if !filepath.IsAbs(p) {
				p = filepath.Join(scope.WorkDir, p)
			}
			outs[key] = p
			if _, dup := producedBy[key]; !dup {
				producedBy[key] = s.ID
				paths[key] = p
			}
		}
		outputs[i] = outs
	}

	externals := make(map[string]string, len(m.Artifacts))
	declared := make(map[string]*config.Artifact, len(m.Artifacts))
	for _, a := range m.Artifacts {
		if !stage.ValidName(a.Key) {
			diags = append(diags, errorDiag("Invalid artifact key", fmt.Sprintf("%q cannot be used as an artifact key.", a.Key), a.DefRange))
			continue
		}
		if prev, dup := declared[a.Key]; dup {
			diags = append(diags, errorDiag("Duplicate artifact block",
				fmt.Sprintf("Artifact %q was already declared at %s.", a.Key, prev.DefRange), a.DefRange))
			continue
		}
		declared[a.Key] = a
		if producer, ok := producedBy[a.Key]; ok {
			diags = append(diags, errorDiag("Artifact is produced by a stage",
				fmt.Sprintf("Artifact %q is declared as an external input but is an output of stage %q.", a.Key, producer), a.DefRange))
			continue
		}
		p, ok, d := evalString(a.Path, base, "path")
		diags = append(diags, d...)
		if d.HasErrors() {
			continue
		}
		if !ok || p == "" {
			diags = append(diags, errorDiag("Missing artifact path", fmt.Sprintf("Artifact %q has no path.", a.Key), a.DefRange))
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(a.BaseDir, p)
		}
		externals[a.Key] = p
		paths[a.Key] = p
	}
	if diags.HasErrors() {
		return nil, diags
	}

	full := base.NewChild()
	full.Variables = map[string]cty.Value{
		"artifact": artifactObject(paths),
		"stage":    stageObject(m.Stages, scope.ParamsDir),
	}

	descriptors := make([]*stage.Descriptor, 0, len(m.Stages))
	for i, s := range m.Stages {
		d, sd := e.evalStage(s, outputs[i], full)
		diags = append(diags, sd...)
		if d == nil {
			continue
		}
		for _, in := range d.Inputs() {
			if _, produced := producedBy[in]; produced {
				continue
			}
			if _, ok := externals[in]; !ok {
				logger.Warn("Stage input has no producer and no artifact declaration.", "stage", s.ID, "artifact", in)
			}
		}
		descriptors = append(descriptors, d)
	}
	if diags.HasErrors() {
		return nil, diags
	}

	logger.Debug("Pipeline evaluated.", "stages", len(descriptors), "externals", len(externals))
	return &config.Pipeline{
		Stages:    descriptors,
		Externals: externals,
		Settings:  m.Settings,
	}, nil
}

func (e *Evaluator) evalStage(s *config.Stage, outputs map[string]string, evalCtx *hcl.EvalContext) (*stage.Descriptor, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	argv, d := evalStringList(s.Command, evalCtx, "command")
	diags = append(diags, d...)
	env, d := evalStringMap(s.Env, evalCtx, "env")
	diags = append(diags, d...)
	dir, _, d := evalString(s.Dir, evalCtx, "dir")
	diags = append(diags, d...)
	params, d := evalParameters(s.Parameters, evalCtx)
	diags = append(diags, d...)
	if diags.HasErrors() {
		return nil, diags
	}

	spec := stage.Spec{
		ID:         s.ID,
		Kind:       s.Kind,
		Inputs:     s.Inputs,
		Outputs:    outputs,
		Command:    stage.Command{Argv: argv, Env: env, Dir: dir},
		Resources:  s.Resources,
		Parameters: params,
	}
	if s.RetryLimit != nil {
		if *s.RetryLimit < 1 {
			return nil, hcl.Diagnostics{errorDiag("Invalid retry_limit",
				fmt.Sprintf("Stage %q: retry_limit must be at least 1.", s.ID), s.DefRange)}
		}
		spec.RetryLimit = *s.RetryLimit
	}
	if s.TimeoutSeconds != nil {
		spec.Timeout = time.Duration(*s.TimeoutSeconds) * time.Second
	}

	desc, err := stage.New(spec)
	if err != nil {
		return nil, hcl.Diagnostics{errorDiag("Invalid stage", err.Error(), s.DefRange)}
	}
	return desc, nil
}

func stringObject(m map[string]string) cty.Value {
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}

func artifactObject(paths map[string]string) cty.Value {
	vals := make(map[string]cty.Value, len(paths))
	for key, p := range paths {
		vals[key] = cty.ObjectVal(map[string]cty.Value{
			"path": cty.StringVal(p),
		})
	}
	return cty.ObjectVal(vals)
}

func stageObject(stages []*config.Stage, paramsDir string) cty.Value {
	vals := make(map[string]cty.Value, len(stages))
	for _, s := range stages {
		vals[s.ID] = cty.ObjectVal(map[string]cty.Value{
			"id":          cty.StringVal(s.ID),
			"kind":        cty.StringVal(s.Kind),
			"params_file": cty.StringVal(stage.ParamsFile(paramsDir, s.ID)),
		})
	}
	return cty.ObjectVal(vals)
}

func errorDiag(summary, detail string, subject hcl.Range) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  summary,
		Detail:   detail,
		Subject:  subject.Ptr(),
	}
}
