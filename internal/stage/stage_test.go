package stage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() Spec {
	return Spec{
		ID:      "diffract",
		Kind:    "diffraction",
		Inputs:  []string{"sample", "photons"},
		Outputs: map[string]string{"diffr": "diffr/out.h5", "log": "diffr/log.txt"},
		Command: Command{
			Argv: []string{"pysingfel", "--input", "in.h5"},
			Env:  map[string]string{"OMP_NUM_THREADS": "4"},
			Dir:  "diffr",
		},
		Resources:  Resources{Cores: 8, MemoryMB: 1024},
		RetryLimit: 2,
		Timeout:    time.Minute,
		Parameters: map[string]any{"patterns": 10},
	}
}

func TestNew(t *testing.T) {
	d, err := New(validSpec())
	require.NoError(t, err)

	assert.Equal(t, "diffract", d.ID())
	assert.Equal(t, "diffraction", d.Kind())
	assert.Equal(t, []string{"photons", "sample"}, d.Inputs())
	assert.Equal(t, []Output{{Key: "diffr", Path: "diffr/out.h5"}, {Key: "log", Path: "diffr/log.txt"}}, d.Outputs())
	assert.Equal(t, []string{"diffr", "log"}, d.OutputKeys())
	assert.Equal(t, int64(8), d.Resources().Units())
	assert.Equal(t, 2, d.RetryLimit())
	assert.Equal(t, time.Minute, d.Timeout())
	assert.True(t, d.HasParameters())
}

func TestDescriptorIsImmutable(t *testing.T) {
	spec := validSpec()
	d, err := New(spec)
	require.NoError(t, err)

	spec.Command.Argv[0] = "changed"
	spec.Command.Env["OMP_NUM_THREADS"] = "1"
	spec.Parameters["patterns"] = 1

	cmd := d.Command()
	assert.Equal(t, "pysingfel", cmd.Argv[0])
	assert.Equal(t, "4", cmd.Env["OMP_NUM_THREADS"])
	assert.Equal(t, 10, d.Parameters()["patterns"])

	cmd.Argv[0] = "mutated"
	d.Inputs()[0] = "mutated"
	assert.Equal(t, "pysingfel", d.Command().Argv[0])
	assert.Equal(t, "photons", d.Inputs()[0])
}

func TestNestedParametersAreCopied(t *testing.T) {
	spec := validSpec()
	spec.Parameters = map[string]any{
		"detector": map[string]any{"distance": 0.13, "pixels": []any{512, 512}},
	}
	d, err := New(spec)
	require.NoError(t, err)

	spec.Parameters["detector"].(map[string]any)["distance"] = 1.0
	spec.Parameters["detector"].(map[string]any)["pixels"].([]any)[0] = 1

	got := d.Parameters()
	detector := got["detector"].(map[string]any)
	assert.Equal(t, 0.13, detector["distance"])
	assert.Equal(t, []any{512, 512}, detector["pixels"])

	detector["distance"] = 2.0
	detector["pixels"].([]any)[1] = 2
	assert.Equal(t, map[string]any{
		"detector": map[string]any{"distance": 0.13, "pixels": []any{512, 512}},
	}, d.Parameters())
}

func TestNewRejects(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Spec)
		want   string
	}{
		{"empty id", func(s *Spec) { s.ID = "" }, "invalid stage id"},
		{"path in id", func(s *Spec) { s.ID = "a/b" }, "invalid stage id"},
		{"dot id", func(s *Spec) { s.ID = ".." }, "invalid stage id"},
		{"no command", func(s *Spec) { s.Command.Argv = nil }, "command must not be empty"},
		{"blank program", func(s *Spec) { s.Command.Argv = []string{""} }, "command must not be empty"},
		{"negative cores", func(s *Spec) { s.Resources.Cores = -1 }, "resources must not be negative"},
		{"negative retry", func(s *Spec) { s.RetryLimit = -1 }, "retry limit"},
		{"negative timeout", func(s *Spec) { s.Timeout = -time.Second }, "timeout"},
		{"duplicate input", func(s *Spec) { s.Inputs = []string{"a", "a"} }, "listed twice"},
		{"bad input key", func(s *Spec) { s.Inputs = []string{"a b"} }, "invalid input key"},
		{"bad output key", func(s *Spec) { s.Outputs = map[string]string{"x/y": "p"} }, "invalid output key"},
		{"empty output path", func(s *Spec) { s.Outputs = map[string]string{"x": ""} }, "has no path"},
		{"self loop", func(s *Spec) { s.Outputs = map[string]string{"sample": "s.pdb"} }, "both an input and an output"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			_, err := New(spec)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestUnitsAndParamsFile(t *testing.T) {
	assert.Equal(t, int64(1), Resources{}.Units())
	assert.Equal(t, int64(1), Resources{Cores: 1, GPU: true}.Units())
	assert.Equal(t, int64(4), Resources{Cores: 4}.Units())
	assert.Equal(t, "/run/params/detect.json", ParamsFile("/run/params", "detect"))
}
