package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/taskrunner/internal/atomicfile"
)

// Store is the State Store contract of spec.md §4.1.
type Store interface {
	Exists(ctx context.Context) (bool, error)
	Load(ctx context.Context) (*RunState, error)
	Save(ctx context.Context, rs *RunState) error
}

// FileStore persists a single RunState document to a JSON file using
// atomicfile's temp-then-rename write, grounded on the
// other_examples wrapper-state.go pattern (the teacher itself persists
// to SQLite rather than a single atomically-renamed file).
type FileStore struct {
	Path string
}

// NewFileStore creates a FileStore backed by the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Exists reports whether a RunState document exists at Path yet.
func (s *FileStore) Exists(ctx context.Context) (bool, error) {
	_, err := os.Stat(s.Path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("runstate: stat %s: %w", s.Path, err)
}

// Load reads and unmarshals the RunState document. It rejects a
// document whose schema version doesn't match SchemaVersion.
func (s *FileStore) Load(ctx context.Context) (*RunState, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("runstate: read %s: %w", s.Path, err)
	}

	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("runstate: parse %s: %w", s.Path, err)
	}

	if rs.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("runstate: %s has schema version %d, expected %d", s.Path, rs.SchemaVersion, SchemaVersion)
	}

	return &rs, nil
}

// Save atomically overwrites the RunState document at Path. On error,
// the previous contents of Path are left intact -- atomicfile.Write
// never partially overwrites the destination.
func (s *FileStore) Save(ctx context.Context, rs *RunState) error {
	rs.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: marshal: %w", err)
	}
	if err := atomicfile.Write(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("runstate: save %s: %w", s.Path, err)
	}
	return nil
}
