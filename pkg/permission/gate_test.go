package permission

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateRequestApproveAndRemember(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "perm.jsonl"))
	require.NoError(t, err)
	g := NewGate(store, NewGrants())

	assert.ElementsMatch(t, CaptureCapabilities, g.Missing("device", CaptureCapabilities...))

	rec, ok, err := g.Request("device", CaptureCapabilities...)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, DecisionPending, rec.Decision)

	again, ok, err := g.Request("device", CaptureCapabilities...)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, rec.ID, again.ID, "open request must be reused")
	require.Len(t, g.Pending("device"), 1)

	approved, err := g.Approve(rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, DecisionGranted, approved.Decision)
	assert.Empty(t, g.Missing("device", CaptureCapabilities...))

	auto, ok, err := g.Request("device", CapabilityCamera)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, auto.Auto)
	require.NoError(t, g.Close())

	reopened, err := NewFileStore(filepath.Join(filepath.Dir(store.path), "perm.jsonl"))
	require.NoError(t, err)
	restored := NewGate(reopened, nil)
	t.Cleanup(func() { _ = restored.Close() })
	assert.Empty(t, restored.Missing("device", CaptureCapabilities...))
	got, ok := restored.Lookup(rec.ID)
	require.True(t, ok)
	assert.Equal(t, DecisionGranted, got.Decision)
}

func TestGateRejectAndTimeout(t *testing.T) {
	g := NewGate(nil, nil)
	rec, ok, err := g.Request("device", CapabilityCamera)
	require.NoError(t, err)
	require.False(t, ok)

	denied, err := g.Reject(rec.ID, "nope")
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, denied.Decision)
	assert.Equal(t, "nope", denied.Comment)
	assert.Equal(t, []Capability{CapabilityCamera}, g.Missing("device", CapabilityCamera))

	_, err = g.Approve(rec.ID, "")
	assert.True(t, errors.Is(err, ErrNotPending))

	rec2, _, err := g.Request("device", CapabilityStorageWrite)
	require.NoError(t, err)
	timed, err := g.Timeout(rec2.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionTimeout, timed.Decision)
	assert.Empty(t, g.Pending(""))
}

func TestGateOnlyRequestsMissing(t *testing.T) {
	g := NewGate(nil, nil)
	_, err := g.GrantAll("device", CapabilityCamera)
	require.NoError(t, err)
	rec, ok, err := g.Request("device", CaptureCapabilities...)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, []Capability{CapabilityStorageWrite}, rec.Capabilities)
}

func TestGateValidation(t *testing.T) {
	g := NewGate(nil, nil)
	_, _, err := g.Request(" ", CapabilityCamera)
	assert.Error(t, err)
	_, _, err = g.Request("device")
	assert.Error(t, err)
}

func TestStoreQuery(t *testing.T) {
	m := NewMemoryStore()
	g := NewGate(m, nil)
	_, err := g.GrantAll("a", CapabilityCamera)
	require.NoError(t, err)
	_, _, err = g.Request("b", CapabilityCamera)
	require.NoError(t, err)

	assert.Len(t, m.Query(Filter{Subject: "a"}), 1)
	assert.Len(t, m.Query(Filter{Decision: DecisionPending}), 1)
	assert.Len(t, m.Query(Filter{Limit: 1}), 1)
}

func TestGrantsSnapshot(t *testing.T) {
	g := NewGrants()
	first := g.Add("s", CapabilityCamera, timeZero)
	second := g.Add("s", CapabilityCamera, timeZero.Add(1))
	assert.Equal(t, first.GrantedAt, second.GrantedAt)
	g.Add("s", CapabilityStorageWrite, timeZero)
	require.Len(t, g.Snapshot(), 2)
	g.Revoke("s", CapabilityCamera)
	assert.False(t, g.Has("s", CapabilityCamera))
}

var timeZero = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
