// Package runstate owns the on-disk layout of runs below a state directory:
//
//	<stateDir>/runs/<runId>/
//	    run.json        manifest
//	    ledger.jsonl    attempt ledger
//	    artifacts.db    artifact store
//	    logs/           one file per stage attempt
//	    params/         parameter decks
//	    work/           default stage working directory
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vk/stagegrid/internal/fsutil"
	"github.com/vk/stagegrid/internal/stage"
)

// State is the persisted run state.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Manifest describes a run so it can be resumed.
type Manifest struct {
	RunID         string    `json:"runId"`
	PipelinePaths []string  `json:"pipelinePaths"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

var ErrRunNotFound = errors.New("run not found")

// NewRunID returns a sortable, unique run id such as
// 20250301-120000-1b4e28ba.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Run is the directory of one run.
type Run struct {
	ID  string
	Dir string
}

func (r Run) ManifestPath() string { return filepath.Join(r.Dir, "run.json") }
func (r Run) LedgerPath() string   { return filepath.Join(r.Dir, "ledger.jsonl") }
func (r Run) StorePath() string    { return filepath.Join(r.Dir, "artifacts.db") }
func (r Run) LogDir() string       { return filepath.Join(r.Dir, "logs") }
func (r Run) ParamsDir() string    { return filepath.Join(r.Dir, "params") }
func (r Run) WorkDir() string      { return filepath.Join(r.Dir, "work") }

func runsDir(stateDir string) string { return filepath.Join(stateDir, "runs") }

// Locate returns the run runID under stateDir without touching the disk.
func Locate(stateDir, runID string) Run {
	return Run{ID: runID, Dir: filepath.Join(runsDir(stateDir), runID)}
}

// Create makes the directory tree of a new run and writes its manifest.
func Create(stateDir, runID string, pipelinePaths []string, now time.Time) (Run, *Manifest, error) {
	if !stage.ValidName(runID) {
		return Run{}, nil, fmt.Errorf("invalid run id %q", runID)
	}
	r := Locate(stateDir, runID)
	if _, err := os.Stat(r.Dir); err == nil {
		return Run{}, nil, fmt.Errorf("run %q already exists", runID)
	}
	for _, dir := range []string{r.LogDir(), r.ParamsDir(), r.WorkDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Run{}, nil, fmt.Errorf("create run directory: %w", err)
		}
	}

	m := &Manifest{
		RunID:         runID,
		PipelinePaths: slices.Clone(pipelinePaths),
		State:         StateRunning,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if err := SaveManifest(r, m); err != nil {
		return Run{}, nil, err
	}
	return r, m, nil
}

// Open locates an existing run and loads its manifest.
func Open(stateDir, runID string) (Run, *Manifest, error) {
	if !stage.ValidName(runID) {
		return Run{}, nil, fmt.Errorf("invalid run id %q", runID)
	}
	r := Locate(stateDir, runID)
	m, err := LoadManifest(r)
	if err != nil {
		return Run{}, nil, err
	}
	return r, m, nil
}

// FromDir returns the run whose directory is dir.
func FromDir(dir string) Run {
	return Run{ID: filepath.Base(dir), Dir: dir}
}

// SaveManifest atomically replaces the manifest of r.
func SaveManifest(r Run, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsutil.WriteAtomic(r.ManifestPath(), append(data, '\n')); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest of r.
func LoadManifest(r Run) (*Manifest, error) {
	data, err := os.ReadFile(r.ManifestPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, r.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", r.ManifestPath(), err)
	}
	return &m, nil
}

// List returns the manifests of every run under stateDir, newest first.
// Directories without a readable manifest are ignored.
func List(stateDir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(runsDir(stateDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := LoadManifest(Run{ID: e.Name(), Dir: filepath.Join(runsDir(stateDir), e.Name())})
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Manifest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.RunID, a.RunID)
	})
	return out, nil
}
