package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const checkpointExt = ".json"

var checkpointNameRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// FileStore keeps one JSON file per checkpoint name.
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("session: checkpoint dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Save writes snap under name, replacing any previous checkpoint.
func (s *FileStore) Save(name string, snap Snapshot) (Checkpoint, error) {
	if !validName(name) {
		return Checkpoint{}, ErrInvalidCheckpointName
	}
	if err := snap.Validate(); err != nil {
		return Checkpoint{}, err
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now().UTC()
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("session: marshal snapshot: %w", err)
	}
	cp := Checkpoint{Name: name, Timestamp: snap.SavedAt, State: state}
	if cp.Size() > MaxCheckpointBytes {
		return Checkpoint{}, ErrCheckpointTooLarge
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("session: marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return Checkpoint{}, fmt.Errorf("session: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Checkpoint{}, fmt.Errorf("session: write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Checkpoint{}, fmt.Errorf("session: close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		_ = os.Remove(tmp.Name())
		return Checkpoint{}, fmt.Errorf("session: commit checkpoint: %w", err)
	}
	return cp.Clone(), nil
}

// SaveCompact saves snap, dropping the embedded image when the payload would
// exceed MaxCheckpointBytes. The persisted artifact stays reachable through
// the handle.
func (s *FileStore) SaveCompact(name string, snap Snapshot) (Checkpoint, error) {
	cp, err := s.Save(name, snap)
	if errors.Is(err, ErrCheckpointTooLarge) && len(snap.Image) > 0 {
		snap.Image = nil
		return s.Save(name, snap)
	}
	return cp, err
}

// Load reads the checkpoint saved under name.
func (s *FileStore) Load(name string) (Snapshot, error) {
	if !validName(name) {
		return Snapshot{}, ErrInvalidCheckpointName
	}
	s.mu.Lock()
	data, err := os.ReadFile(s.path(name))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrCheckpointNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Snapshot{}, fmt.Errorf("session: decode checkpoint: %w", err)
	}
	if cp.Size() > MaxCheckpointBytes {
		return Snapshot{}, ErrCheckpointTooLarge
	}
	snap, err := cp.Snapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: decode snapshot: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Delete removes a checkpoint; missing checkpoints are not an error.
func (s *FileStore) Delete(name string) error {
	if !validName(name) {
		return ErrInvalidCheckpointName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns checkpoint names in lexical order.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, checkpointExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+checkpointExt)
}

func validName(name string) bool {
	return checkpointNameRegexp.MatchString(name) && name != "." && name != ".."
}
