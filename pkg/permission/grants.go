package permission

import (
	"sort"
	"sync"
	"time"
)

// Capability is a platform capability the pipeline needs.
type Capability string

const (
	CapabilityCamera       Capability = "camera"
	CapabilityStorageWrite Capability = "storage-write"
)

// CaptureCapabilities must all be held before a capture is requested.
var CaptureCapabilities = []Capability{CapabilityCamera, CapabilityStorageWrite}

// Entry records one granted capability for a subject.
type Entry struct {
	Subject    string     `json:"subject"`
	Capability Capability `json:"capability"`
	GrantedAt  time.Time  `json:"granted_at"`
}

// Grants caches granted capabilities so approved subjects are not prompted again.
type Grants struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewGrants constructs an empty grant table.
func NewGrants() *Grants {
	return &Grants{entries: map[string]Entry{}}
}

// Has reports whether subject holds c.
func (g *Grants) Has(subject string, c Capability) bool {
	g.mu.RLock()
	_, ok := g.entries[key(subject, c)]
	g.mu.RUnlock()
	return ok
}

// Add grants c to subject; repeated grants keep the first timestamp.
func (g *Grants) Add(subject string, c Capability, now time.Time) Entry {
	entry := Entry{Subject: subject, Capability: c, GrantedAt: now.UTC()}
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.entries[key(subject, c)]; ok {
		return existing
	}
	g.entries[key(subject, c)] = entry
	return entry
}

// Revoke removes c from subject.
func (g *Grants) Revoke(subject string, c Capability) {
	g.mu.Lock()
	delete(g.entries, key(subject, c))
	g.mu.Unlock()
}

// Snapshot returns a copy of all grants ordered by subject and capability.
func (g *Grants) Snapshot() []Entry {
	g.mu.RLock()
	out := make([]Entry, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Capability < out[j].Capability
	})
	return out
}

func key(subject string, c Capability) string {
	return subject + "|" + string(c)
}
