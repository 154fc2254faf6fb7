// Package artifact keeps the checksummed registry of artifacts produced by a
// run. Records live in a SQLite database next to the run ledger; a record is
// only trusted after the file on disk has been re-hashed and compared.
package artifact

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vk/stagegrid/internal/ctxlog"
)

// Artifact is one recorded artifact.
type Artifact struct {
	Key        string
	Path       string
	Checksum   string
	ProducedBy string // empty for external inputs
	Size       int64
	RecordedAt time.Time
}

// Store is the artifact registry of one run. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// Open opens or creates the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, locks: make(map[string]*sync.RWMutex)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableCount == 0 {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	}

	var v int
	if err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != currentSchemaVersion {
		return fmt.Errorf("unsupported artifact store schema version %d (want %d)", v, currentSchemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) keyLock(key string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

// Has reports whether key is recorded and the file at the recorded path still
// hashes to the recorded checksum. A missing or modified file counts as
// absent.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	l := s.keyLock(key)
	l.RLock()
	defer l.RUnlock()

	a, err := s.get(ctx, key)
	if errors.Is(err, ErrMissingArtifact) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger := ctxlog.FromContext(ctx).With("artifact", key, "path", a.Path)
	sum, _, err := hashFile(a.Path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Recorded artifact is missing on disk.")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hash artifact %q: %w", key, err)
	}
	if sum != a.Checksum {
		logger.Warn("Recorded artifact checksum mismatch.", "recorded", a.Checksum, "actual", sum)
		return false, nil
	}
	return true, nil
}

// Checksum returns the recorded checksum of key without touching the file.
func (s *Store) Checksum(ctx context.Context, key string) (string, error) {
	l := s.keyLock(key)
	l.RLock()
	defer l.RUnlock()

	a, err := s.get(ctx, key)
	if err != nil {
		return "", err
	}
	return a.Checksum, nil
}

// Get returns the stored record for key.
func (s *Store) Get(ctx context.Context, key string) (Artifact, error) {
	l := s.keyLock(key)
	l.RLock()
	defer l.RUnlock()
	return s.get(ctx, key)
}

func (s *Store) get(ctx context.Context, key string) (Artifact, error) {
	var a Artifact
	var recordedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, path, checksum, produced_by, size_bytes, recorded_at
		 FROM artifacts WHERE key = ?`, key,
	).Scan(&a.Key, &a.Path, &a.Checksum, &a.ProducedBy, &a.Size, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, &MissingArtifactError{Key: key}
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("get artifact %q: %w", key, err)
	}
	a.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	return a, nil
}

// Record hashes the file at path and stores it under key, replacing any
// previous record.
func (s *Store) Record(ctx context.Context, key, path, producedBy string) (Artifact, error) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	sum, size, err := hashFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, &MissingArtifactError{Key: key, Path: path}
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("hash artifact %q: %w", key, err)
	}

	a := Artifact{
		Key:        key,
		Path:       path,
		Checksum:   sum,
		ProducedBy: producedBy,
		Size:       size,
		RecordedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts(key, path, checksum, produced_by, size_bytes, recorded_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   path = excluded.path,
		   checksum = excluded.checksum,
		   produced_by = excluded.produced_by,
		   size_bytes = excluded.size_bytes,
		   recorded_at = excluded.recorded_at`,
		a.Key, a.Path, a.Checksum, a.ProducedBy, a.Size, a.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("record artifact %q: %w", key, err)
	}
	ctxlog.FromContext(ctx).Debug("Artifact recorded.", "artifact", key, "checksum", sum, "producer", producedBy)
	return a, nil
}

// List returns every record ordered by key.
func (s *Store) List(ctx context.Context) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, path, checksum, produced_by, size_bytes, recorded_at
		 FROM artifacts ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var recordedAt string
		if err := rows.Scan(&a.Key, &a.Path, &a.Checksum, &a.ProducedBy, &a.Size, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// hashFile returns the hex SHA-256 of the file at path and its size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
