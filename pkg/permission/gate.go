// Package permission gates capture behind camera and storage-write
// capabilities. Missing capabilities open a request that a reviewer
// approves or rejects; granted capabilities are remembered per subject.
package permission

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotPending is returned when deciding a request that is not open.
var ErrNotPending = errors.New("permission: request not pending")

// Gate coordinates permission requests, grant checks and persistence.
type Gate struct {
	mu     sync.RWMutex
	store  Store
	grants *Grants
	now    func() time.Time

	index   map[string]Record
	pending map[string]Record
}

// NewGate restores gate state from store.
func NewGate(store Store, grants *Grants) *Gate {
	if store == nil {
		store = NewMemoryStore()
	}
	if grants == nil {
		grants = NewGrants()
	}
	g := &Gate{
		store:   store,
		grants:  grants,
		now:     time.Now,
		index:   map[string]Record{},
		pending: map[string]Record{},
	}
	for _, rec := range store.All() {
		g.index[rec.ID] = cloneRecord(rec)
		switch rec.Decision {
		case DecisionGranted:
			for _, c := range rec.Capabilities {
				g.grants.Add(rec.Subject, c, rec.Requested)
			}
		case DecisionPending:
			g.pending[rec.ID] = cloneRecord(rec)
		}
	}
	return g
}

// Missing returns the capabilities subject does not hold yet.
func (g *Gate) Missing(subject string, caps ...Capability) []Capability {
	var missing []Capability
	for _, c := range caps {
		if !g.grants.Has(subject, c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Request asks for caps on behalf of subject. When every capability is
// already held the returned record is auto-granted and ok is true.
// An identical open request is reused instead of prompting twice.
func (g *Gate) Request(subject string, caps ...Capability) (Record, bool, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Record{}, false, errors.New("permission: subject required")
	}
	if len(caps) == 0 {
		return Record{}, false, errors.New("permission: capabilities required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	missing := g.Missing(subject, caps...)
	if len(missing) == 0 {
		now := g.now().UTC()
		rec := Record{
			ID:           uuid.NewString(),
			Subject:      subject,
			Capabilities: append([]Capability(nil), caps...),
			Decision:     DecisionGranted,
			Requested:    now,
			Decided:      &now,
			Comment:      "already granted",
			Auto:         true,
		}
		g.index[rec.ID] = rec
		_ = g.store.Append(rec)
		return rec, true, nil
	}

	for _, open := range g.pending {
		if open.Subject == subject && sameCaps(open.Capabilities, missing) {
			return cloneRecord(open), false, nil
		}
	}

	rec := Record{
		ID:           uuid.NewString(),
		Subject:      subject,
		Capabilities: missing,
		Decision:     DecisionPending,
		Requested:    g.now().UTC(),
	}
	if err := g.store.Append(rec); err != nil {
		return Record{}, false, err
	}
	g.index[rec.ID] = rec
	g.pending[rec.ID] = rec
	return cloneRecord(rec), false, nil
}

// Approve grants a pending request.
func (g *Gate) Approve(id, comment string) (Record, error) {
	return g.decide(id, DecisionGranted, comment, "granted")
}

// Reject denies a pending request. Capture stays blocked.
func (g *Gate) Reject(id, comment string) (Record, error) {
	return g.decide(id, DecisionDenied, comment, "denied")
}

// Timeout expires a request nobody answered.
func (g *Gate) Timeout(id string) (Record, error) {
	return g.decide(id, DecisionTimeout, "", "timeout")
}

func (g *Gate) decide(id string, decision Decision, comment, fallback string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.pending[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	now := g.now().UTC()
	rec.Decision = decision
	rec.Decided = &now
	rec.Comment = fallback
	if strings.TrimSpace(comment) != "" {
		rec.Comment = comment
	}
	if err := g.store.Append(rec); err != nil {
		return Record{}, err
	}
	g.index[id] = rec
	delete(g.pending, id)
	if decision == DecisionGranted {
		for _, c := range rec.Capabilities {
			g.grants.Add(rec.Subject, c, now)
		}
	}
	return cloneRecord(rec), nil
}

// GrantAll records an immediate grant for caps, bypassing review. Used by
// headless front ends where the operator grants on the command line.
func (g *Gate) GrantAll(subject string, caps ...Capability) (Record, error) {
	rec, ok, err := g.Request(subject, caps...)
	if err != nil || ok {
		return rec, err
	}
	return g.Approve(rec.ID, "granted by operator")
}

// Pending returns unreviewed requests; an empty subject returns all of them.
func (g *Gate) Pending(subject string) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	all := make(map[string]Record, len(g.pending))
	for id, rec := range g.pending {
		if subject != "" && rec.Subject != subject {
			continue
		}
		all[id] = rec
	}
	return sortedRecords(all)
}

// Lookup returns the latest known record by id.
func (g *Gate) Lookup(id string) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.index[id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// Close closes the underlying store.
func (g *Gate) Close() error {
	if g == nil || g.store == nil {
		return nil
	}
	return g.store.Close()
}

func sameCaps(a, b []Capability) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[Capability]int, len(a))
	for _, c := range a {
		seen[c]++
	}
	for _, c := range b {
		if seen[c] == 0 {
			return false
		}
		seen[c]--
	}
	return true
}
