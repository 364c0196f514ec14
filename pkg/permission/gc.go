package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	defaultRetentionDays  = 30
	defaultRetentionCount = 500
)

// GCStats describes one compaction run.
type GCStats struct {
	TriggeredAt time.Time     `json:"triggered_at"`
	Duration    time.Duration `json:"duration"`
	BeforeLines int           `json:"before_lines"`
	AfterCount  int           `json:"after_count"`
	Dropped     int           `json:"dropped"`
}

// GCOption customizes compaction.
type GCOption func(*gcConfig)

type gcConfig struct {
	retentionDays  int
	retentionCount int
	now            func() time.Time
}

// WithRetentionDays keeps decided records newer than days. Non-positive disables the cutoff.
func WithRetentionDays(days int) GCOption {
	return func(cfg *gcConfig) {
		if days < 0 {
			days = 0
		}
		cfg.retentionDays = days
	}
}

// WithRetentionCount keeps at most count decided records. Non-positive disables the cap.
func WithRetentionCount(count int) GCOption {
	return func(cfg *gcConfig) {
		if count < 0 {
			count = 0
		}
		cfg.retentionCount = count
	}
}

// Compact rewrites the log with one line per request. Granted and pending
// requests always survive; denied, timed-out and auto-granted ones are
// dropped once they fall outside the retention window.
func (s *FileStore) Compact(opts ...GCOption) (GCStats, error) {
	cfg := gcConfig{retentionDays: defaultRetentionDays, retentionCount: defaultRetentionCount, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	start := cfg.now()
	stats := GCStats{TriggeredAt: start}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stats, fmt.Errorf("permission: store closed")
	}
	stats.BeforeLines = countLines(s.path)

	var keep, expirable []Record
	for _, rec := range s.records {
		switch {
		case rec.Decision == DecisionPending, rec.Decision == DecisionGranted && !rec.Auto:
			keep = append(keep, rec)
		default:
			expirable = append(expirable, rec)
		}
	}
	sort.Slice(expirable, func(i, j int) bool { return decidedAt(expirable[i]).After(decidedAt(expirable[j])) })
	cutoff := time.Time{}
	if cfg.retentionDays > 0 {
		cutoff = start.AddDate(0, 0, -cfg.retentionDays)
	}
	kept := 0
	for i, rec := range expirable {
		if cfg.retentionCount > 0 && i >= cfg.retentionCount {
			break
		}
		if !cutoff.IsZero() && decidedAt(rec).Before(cutoff) {
			break
		}
		keep = append(keep, rec)
		kept++
	}
	sort.Slice(keep, func(i, j int) bool { return keep[i].Requested.Before(keep[j].Requested) })

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".permissions-*")
	if err != nil {
		return stats, fmt.Errorf("permission: compact: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for _, rec := range keep {
		if err := enc.Encode(rec); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return stats, fmt.Errorf("permission: compact: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return stats, fmt.Errorf("permission: compact: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return stats, fmt.Errorf("permission: compact: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return stats, fmt.Errorf("permission: reopen %s: %w", s.path, err)
	}
	_ = s.file.Close()
	s.file = f

	s.records = make(map[string]Record, len(keep))
	for _, rec := range keep {
		s.records[rec.ID] = rec
	}
	stats.AfterCount = len(keep)
	stats.Dropped = len(expirable) - kept
	stats.Duration = cfg.now().Sub(start)
	return stats, nil
}

func decidedAt(rec Record) time.Time {
	if rec.Decided != nil {
		return *rec.Decided
	}
	return rec.Requested
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
