// Package ledger is the durable, append-only record of stage attempts for one
// run. Each attempt is one JSON line; a line is fsynced before Append returns,
// so after a crash the ledger holds every transition that was reported.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"
)

// Status is the state of a stage as recorded in the ledger.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusAborted   Status = "aborted"
)

// Attempt is one ledger line.
type Attempt struct {
	StageID   string     `json:"stageId"`
	Attempt   int        `json:"attempt"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	// ExitCode is -1 when no process exit was observed.
	ExitCode int    `json:"exitCode"`
	Cause    string `json:"cause,omitempty"`
	// Reused marks a success that was satisfied by already valid outputs.
	Reused bool `json:"reused,omitempty"`
}

// Duration returns EndTime-StartTime, or zero for open attempts.
func (a Attempt) Duration() time.Duration {
	if a.EndTime == nil {
		return 0
	}
	return a.EndTime.Sub(a.StartTime)
}

var ErrReadOnly = errors.New("ledger is read-only")

// Ledger holds the attempts of a run in append order.
type Ledger struct {
	path string

	mu      sync.Mutex
	f       *os.File
	records []Attempt
}

// Open loads the ledger at path, creating it if needed, and opens it for
// appending. A torn trailing line left by a crash is discarded.
func Open(path string) (*Ledger, error) {
	records, good, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := f.Truncate(good); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate torn ledger line: %w", err)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek ledger: %w", err)
	}
	return &Ledger{path: path, f: f, records: records}, nil
}

// Load reads the ledger at path without opening it for writing. A missing
// file yields an empty ledger.
func Load(path string) (*Ledger, error) {
	records, _, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	return &Ledger{path: path, records: records}, nil
}

// readRecords parses path and returns the records plus the byte offset just
// past the last complete line.
func readRecords(path string) ([]Attempt, int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read ledger: %w", err)
	}

	var records []Attempt
	var offset int64
	for lineNo := 1; len(data) > 0; lineNo++ {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			// No terminating newline: the last write never completed.
			break
		}
		line := data[:i]
		data = data[i+1:]
		offset += int64(i + 1)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var a Attempt
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, 0, fmt.Errorf("ledger %s line %d: %w", path, lineNo, err)
		}
		records = append(records, a)
	}
	return records, offset, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append writes a to the ledger and syncs it to disk.
func (l *Ledger) Append(a Attempt) error {
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrReadOnly
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.records = append(l.records, a)
	return nil
}

// Records returns every attempt in append order.
func (l *Ledger) Records() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.records)
}

// AttemptsFor returns the attempts of stageID in append order.
func (l *Ledger) AttemptsFor(stageID string) []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Attempt
	for _, a := range l.records {
		if a.StageID == stageID {
			out = append(out, a)
		}
	}
	return out
}

// Latest returns the last attempt recorded for stageID.
func (l *Ledger) Latest(stageID string) (Attempt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].StageID == stageID {
			return l.records[i], true
		}
	}
	return Attempt{}, false
}

// LatestStatus returns the status of the last attempt for stageID, or
// StatusPending when there is none.
func (l *Ledger) LatestStatus(stageID string) Status {
	a, ok := l.Latest(stageID)
	if !ok {
		return StatusPending
	}
	return a.Status
}

// NextAttempt returns one more than the highest attempt number recorded for
// stageID.
func (l *Ledger) NextAttempt(stageID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	highest := 0
	for _, a := range l.records {
		if a.StageID == stageID {
			highest = max(highest, a.Attempt)
		}
	}
	return highest + 1
}

// StageIDs returns the ids that appear in the ledger in first-seen order.
func (l *Ledger) StageIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, a := range l.records {
		if _, ok := seen[a.StageID]; ok {
			continue
		}
		seen[a.StageID] = struct{}{}
		out = append(out, a.StageID)
	}
	return out
}

// Close closes the underlying file. Closing a read-only ledger is a no-op.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
