package hcl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/fsutil"
	"github.com/vk/stagegrid/internal/schema"
)

// ErrNoFiles is returned when none of the given paths contains a pipeline file.
var ErrNoFiles = errors.New("no .hcl files found")

// Loader is the HCL implementation of config.Loader.
type Loader struct{}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file under paths and merges their blocks into one
// model. Block order follows file order, then source order.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %v", ErrNoFiles, paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	model := &config.Model{Files: files}
	var settingsRange *hcl.Range

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root schema.File
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		baseDir := filepath.Dir(file)
		if root.Settings != nil {
			if settingsRange != nil {
				return nil, hcl.Diagnostics{{
					Severity: hcl.DiagError,
					Summary:  "Duplicate settings block",
					Detail:   fmt.Sprintf("Only one settings block is allowed. Another was defined at %s.", settingsRange),
					Subject:  root.Settings.DefRange.Ptr(),
				}}
			}
			settingsRange = root.Settings.DefRange.Ptr()
			model.Settings = translateSettings(root.Settings)
		}
		for _, a := range root.Artifacts {
			model.Artifacts = append(model.Artifacts, translateArtifact(a, baseDir))
		}
		for _, s := range root.Stages {
			model.Stages = append(model.Stages, translateStage(s, baseDir))
		}
	}

	logger.Debug("HCL loading complete.", "files", len(files), "stages", len(model.Stages), "artifacts", len(model.Artifacts))
	return model, nil
}

// findAllHCLFiles expands paths into a flat, de-duplicated list of .hcl
// files. Directories are walked recursively in lexical order.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		if _, wasSeen := seen[abs]; !wasSeen {
			allFiles = append(allFiles, abs)
			seen[abs] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		found, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("error walking %s: %w", path, err)
		}
		slices.Sort(found)
		for _, f := range found {
			add(f)
		}
	}
	return allFiles, nil
}
