package imagestore

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps the artifact in memory. FailNext lets tests inject a
// write error into the next Persist call.
type MemoryStore struct {
	mu       sync.Mutex
	data     []byte
	token    string
	current  Handle
	writes   int
	failNext error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// FailNext makes the next Persist return err.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Writes returns how many Persist calls reached the slot.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) Persist(ctx context.Context, img image.Image) (Handle, error) {
	if img == nil {
		return Handle{}, persistErr("encode", ErrNilImage)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if err := m.failNext; err != nil {
		m.failNext = nil
		return Handle{}, persistErr("write", err)
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, persistErr("write", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: DefaultQuality}); err != nil {
		return Handle{}, persistErr("encode", err)
	}
	m.data = buf.Bytes()
	m.token = uuid.NewString()
	m.current = newHandle("memory", m.token)
	return m.current, nil
}

func (m *MemoryStore) Open(_ context.Context, h Handle) (io.ReadCloser, error) {
	token, err := h.Token()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return nil, ErrEmpty
	}
	if token != m.token {
		return nil, ErrStaleHandle
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), m.data...))), nil
}

func (m *MemoryStore) Current() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, !m.current.IsZero()
}
