package permission

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Decision captures the lifecycle state of a permission request.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
	DecisionTimeout Decision = "timeout"
)

// Record stores one permission request and its outcome.
type Record struct {
	ID           string       `json:"id"`
	Subject      string       `json:"subject"`
	Capabilities []Capability `json:"capabilities"`
	Decision     Decision     `json:"decision"`
	Requested    time.Time    `json:"requested_at"`
	Decided      *time.Time   `json:"decided_at,omitempty"`
	Comment      string       `json:"comment,omitempty"`
	Auto         bool         `json:"auto,omitempty"`
}

// Filter constrains record queries.
type Filter struct {
	Subject  string
	Decision Decision
	Since    *time.Time
	Limit    int
}

// Store persists permission records.
type Store interface {
	Append(Record) error
	All() []Record
	Query(Filter) []Record
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (m *MemoryStore) Append(rec Record) error {
	m.mu.Lock()
	m.records[rec.ID] = cloneRecord(rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) All() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedRecords(m.records)
}

func (m *MemoryStore) Query(f Filter) []Record { return applyFilter(m.All(), f) }

func (m *MemoryStore) Close() error { return nil }

// FileStore appends records as JSON lines; the newest line per ID wins on reload.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	records map[string]Record
	closed  bool
}

// NewFileStore opens (or creates) path and replays existing records.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("permission: store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("permission: mkdir: %w", err)
	}
	s := &FileStore{path: path, records: map[string]Record{}}
	if err := s.reload(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("permission: open %s: %w", path, err)
	}
	s.file = f
	return s, nil
}

func (s *FileStore) reload() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("permission: open %s: %w", s.path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Record
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.ID == "" {
			continue
		}
		s.records[rec.ID] = rec
	}
	return scanner.Err()
}

func (s *FileStore) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("permission: store closed")
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("permission: append: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("permission: sync: %w", err)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *FileStore) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records)
}

func (s *FileStore) Query(f Filter) []Record { return applyFilter(s.All(), f) }

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func sortedRecords(src map[string]Record) []Record {
	out := make([]Record, 0, len(src))
	for _, rec := range src {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Requested.Equal(out[j].Requested) {
			return out[i].Requested.Before(out[j].Requested)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func applyFilter(all []Record, f Filter) []Record {
	var out []Record
	for _, rec := range all {
		if f.Subject != "" && rec.Subject != f.Subject {
			continue
		}
		if f.Decision != "" && rec.Decision != f.Decision {
			continue
		}
		if f.Since != nil && rec.Requested.Before(f.Since.UTC()) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func cloneRecord(rec Record) Record {
	clone := rec
	clone.Capabilities = slices.Clone(rec.Capabilities)
	if rec.Decided != nil {
		decided := *rec.Decided
		clone.Decided = &decided
	}
	return clone
}
