package notify

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const journalCapacity = 256

// Journal keeps recent notices in memory and appends them to a JSON lines
// file so they can be replayed after a restart.
type Journal struct {
	mu     sync.RWMutex
	file   *os.File
	recent []Notice
	seq    uint64
	logger *zap.Logger
}

// OpenJournal opens (or creates) path and loads the most recent notices.
// The file is trimmed to the retained window before appends resume.
// An empty path yields a memory-only journal.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{logger: logger}
	if strings.TrimSpace(path) == "" {
		return j, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("notify: mkdir journal: %w", err)
	}
	lines, err := j.load(path)
	if err != nil {
		return nil, err
	}
	if lines > len(j.recent) {
		if err := j.rewrite(path); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("notify: open journal: %w", err)
	}
	j.file = f
	return j, nil
}

// load replays path and returns the number of lines it held.
func (j *Journal) load(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("notify: read journal: %w", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var n Notice
		if err := json.Unmarshal(scanner.Bytes(), &n); err != nil {
			continue
		}
		j.remember(n)
		if n.Seq > j.seq {
			j.seq = n.Seq
		}
	}
	return lines, scanner.Err()
}

// rewrite replaces path with the retained notices.
func (j *Journal) rewrite(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".notices-*")
	if err != nil {
		return fmt.Errorf("notify: compact journal: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for _, n := range j.recent {
		if err := enc.Encode(n); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("notify: compact journal: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: compact journal: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: compact journal: %w", err)
	}
	j.logger.Debug("journal compacted", zap.Int("kept", len(j.recent)))
	return nil
}

// Notify assigns the next sequence number and records n.
func (j *Journal) Notify(n Notice) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	n.Seq = j.seq
	j.remember(n)
	if j.file == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		j.logger.Warn("journal append failed", zap.Error(err))
	}
}

// ReadSince returns notices with a sequence number greater than seq.
func (j *Journal) ReadSince(seq uint64) []Notice {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Notice
	for _, n := range j.recent {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out
}

// Last returns the newest notice.
func (j *Journal) Last() (Notice, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.recent) == 0 {
		return Notice{}, false
	}
	return j.recent[len(j.recent)-1], true
}

// Close closes the backing file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) remember(n Notice) {
	j.recent = append(j.recent, n)
	if over := len(j.recent) - journalCapacity; over > 0 {
		j.recent = append([]Notice(nil), j.recent[over:]...)
	}
}
