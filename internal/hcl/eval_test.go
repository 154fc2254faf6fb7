package hcl

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/stage"
	"github.com/vk/stagegrid/internal/testutil"
)

const fullHCL = `
artifact "sample" {
  path = "inputs/2nip.pdb"
}

stage "source" {
  kind    = "source"
  command = ["sim-source", "--out", artifact.photons.path]
  outputs = { photons = "source/photons.h5" }
}

stage "diffract" {
  kind    = "diffraction"
  command = concat(
    ["pysingfel", "--input", artifact.photons.path],
    ["--sample", artifact.sample.path, "--params", stage.diffract.params_file]
  )
  env = {
    RUN_ID  = run.id
    SCRATCH = format("%s/scratch", env.SCRATCH_ROOT)
    MODE    = upper("fast")
  }
  dir     = "diffr"
  inputs  = ["photons", "sample"]
  outputs = { diffr = "diffr/diffr_out.h5" }

  retry_limit     = 3
  timeout_seconds = 600

  parameters = {
    number_of_diffraction_patterns = 10
    uniform_rotation               = true
    beam                           = { photon_energy = 4.96 }
  }
}

stage "archive" {
  command = ["tar", "-czf", "/data/archive.tgz", artifact.diffr.path]
  inputs  = ["diffr"]
  outputs = { archive = "/data/archive.tgz" }
}
`

func evaluate(t *testing.T, files map[string]string) (*config.Pipeline, config.Scope, string, error) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	root := testutil.WriteFiles(t, t.TempDir(), files)
	model, err := NewLoader().Load(ctx, root)
	require.NoError(t, err)

	runDir := filepath.Join(root, ".stagegrid", "runs", "r1")
	scope := config.Scope{
		RunID:     "r1",
		RunDir:    runDir,
		WorkDir:   filepath.Join(runDir, "work"),
		ParamsDir: filepath.Join(runDir, "params"),
		Env:       map[string]string{"SCRATCH_ROOT": "/scratch"},
	}
	p, err := NewEvaluator().Evaluate(ctx, model, scope)
	return p, scope, root, err
}

func byID(stages []*stage.Descriptor) map[string]*stage.Descriptor {
	out := make(map[string]*stage.Descriptor, len(stages))
	for _, s := range stages {
		out[s.ID()] = s
	}
	return out
}

func TestEvaluate(t *testing.T) {
	p, scope, root, err := evaluate(t, map[string]string{"pipeline.hcl": fullHCL})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"sample": filepath.Join(root, "inputs", "2nip.pdb")}, p.Externals)

	stages := byID(p.Stages)
	require.Len(t, stages, 3)

	photons := filepath.Join(scope.WorkDir, "source", "photons.h5")
	source := stages["source"]
	assert.Equal(t, []string{"sim-source", "--out", photons}, source.Command().Argv)
	assert.Equal(t, []stage.Output{{Key: "photons", Path: photons}}, source.Outputs())
	assert.False(t, source.HasParameters())

	d := stages["diffract"]
	wantCmd := stage.Command{
		Argv: []string{
			"pysingfel", "--input", photons,
			"--sample", filepath.Join(root, "inputs", "2nip.pdb"),
			"--params", filepath.Join(scope.ParamsDir, "diffract.json"),
		},
		Env: map[string]string{
			"RUN_ID":  "r1",
			"SCRATCH": "/scratch/scratch",
			"MODE":    "FAST",
		},
		Dir: "diffr",
	}
	if diff := cmp.Diff(wantCmd, d.Command()); diff != "" {
		t.Errorf("diffract command mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "diffraction", d.Kind())
	assert.Equal(t, 3, d.RetryLimit())
	assert.Equal(t, 600*time.Second, d.Timeout())
	assert.Equal(t, []string{"photons", "sample"}, d.Inputs())

	wantParams := map[string]any{
		"number_of_diffraction_patterns": json.Number("10"),
		"uniform_rotation":               true,
		"beam":                           map[string]any{"photon_energy": json.Number("4.96")},
	}
	if diff := cmp.Diff(wantParams, d.Parameters()); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}

	archive := stages["archive"]
	assert.Equal(t, []stage.Output{{Key: "archive", Path: "/data/archive.tgz"}}, archive.Outputs())
	assert.Equal(t, filepath.Join(scope.WorkDir, "diffr", "diffr_out.h5"), archive.Command().Argv[3])
	assert.Zero(t, archive.RetryLimit())
}

func TestEvaluateUndeclaredInputWarns(t *testing.T) {
	ctx, logs := testutil.Context(t)
	root := testutil.WriteFiles(t, t.TempDir(), map[string]string{
		"p.hcl": "stage \"detect\" {\n  command = [\"detect\"]\n  inputs  = [\"mystery\"]\n}\n",
	})
	model, err := NewLoader().Load(ctx, root)
	require.NoError(t, err)

	p, err := NewEvaluator().Evaluate(ctx, model, config.Scope{RunID: "r", WorkDir: root})
	require.NoError(t, err)
	assert.Empty(t, p.Externals)
	assert.Contains(t, logs.String(), "no producer and no artifact declaration")
}

func TestEvaluateErrors(t *testing.T) {
	testCases := []struct {
		name    string
		hcl     string
		wantErr []string
	}{
		{
			name:    "unknown variable",
			hcl:     "stage \"a\" {\n  command = [artifact.nope.path]\n}\n",
			wantErr: []string{"p.hcl:2", "Unsupported attribute"},
		},
		{
			name:    "unknown env var",
			hcl:     "stage \"a\" {\n  command = [\"x\", env.NOT_SET]\n}\n",
			wantErr: []string{"p.hcl:2", "NOT_SET"},
		},
		{
			name:    "command is not a list",
			hcl:     "stage \"a\" {\n  command = { a = 1 }\n}\n",
			wantErr: []string{`Invalid value for "command"`},
		},
		{
			name:    "parameters is not an object",
			hcl:     "stage \"a\" {\n  command = [\"x\"]\n  parameters = [1, 2]\n}\n",
			wantErr: []string{`Invalid value for "parameters"`, "p.hcl:3"},
		},
		{
			name:    "empty command",
			hcl:     "stage \"a\" {\n  command = []\n}\n",
			wantErr: []string{"Invalid stage", "command must not be empty"},
		},
		{
			name:    "zero retry limit",
			hcl:     "stage \"a\" {\n  command = [\"x\"]\n  retry_limit = 0\n}\n",
			wantErr: []string{"retry_limit must be at least 1"},
		},
		{
			name:    "invalid stage id",
			hcl:     "stage \"a/b\" {\n  command = [\"x\"]\n}\n",
			wantErr: []string{"invalid stage id"},
		},
		{
			name: "external artifact produced by a stage",
			hcl: `
artifact "beam" {
  path = "beam.h5"
}

stage "source" {
  command = ["x"]
  outputs = { beam = "beam.h5" }
}
`,
			wantErr: []string{"Artifact is produced by a stage", `"source"`},
		},
		{
			name: "duplicate artifact",
			hcl: `
artifact "beam" {
  path = "a.h5"
}

artifact "beam" {
  path = "b.h5"
}
`,
			wantErr: []string{"Duplicate artifact block", "p.hcl:6"},
		},
		{
			name:    "empty artifact path",
			hcl:     "artifact \"beam\" {\n  path = \"\"\n}\n",
			wantErr: []string{"Missing artifact path"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := evaluate(t, map[string]string{"p.hcl": tc.hcl})
			require.Error(t, err)
			for _, want := range tc.wantErr {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}
