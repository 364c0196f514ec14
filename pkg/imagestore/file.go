package imagestore

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileStore writes the artifact into a directory under a fixed name.
type FileStore struct {
	dir       string
	authority string
	quality   int

	mu      sync.RWMutex
	current Handle
	token   string
}

// FileOption customises a FileStore.
type FileOption func(*FileStore)

// WithQuality overrides the JPEG quality (1-100).
func WithQuality(q int) FileOption {
	return func(s *FileStore) {
		if q > 0 && q <= 100 {
			s.quality = q
		}
	}
}

// WithAuthority sets the provider authority embedded in handles.
func WithAuthority(authority string) FileOption {
	return func(s *FileStore) {
		if a := strings.TrimSpace(authority); a != "" {
			s.authority = a
		}
	}
}

// NewFileStore creates dir when needed and returns a store rooted there.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, persistErr("init", os.ErrInvalid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, persistErr("mkdir", err)
	}
	s := &FileStore{dir: dir, authority: "qrshare.provider", quality: DefaultQuality}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the artifact location. It is never embedded in handles.
func (s *FileStore) Path() string { return filepath.Join(s.dir, ArtifactName) }

// Persist encodes img as JPEG and atomically replaces the artifact.
func (s *FileStore) Persist(ctx context.Context, img image.Image) (Handle, error) {
	if img == nil {
		return Handle{}, persistErr("encode", ErrNilImage)
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, persistErr("encode", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return Handle{}, persistErr("encode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, ".qrcode-*.tmp")
	if err != nil {
		return Handle{}, persistErr("create", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Handle{}, persistErr("write", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Handle{}, persistErr("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Handle{}, persistErr("close", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		_ = os.Remove(tmpName)
		return Handle{}, persistErr("rename", err)
	}
	s.token = uuid.NewString()
	s.current = newHandle(s.authority, s.token)
	return s.current, nil
}

// Open returns the artifact when h is the current handle.
func (s *FileStore) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := h.Token()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return nil, ErrEmpty
	}
	if token != s.token {
		return nil, ErrStaleHandle
	}
	return os.Open(s.Path())
}

// Current returns the latest handle, if any.
func (s *FileStore) Current() (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, !s.current.IsZero()
}

// Adopt re-registers a handle restored from a session snapshot, provided
// the artifact still exists on disk.
func (s *FileStore) Adopt(h Handle) error {
	token, err := h.Token()
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.Path()); err != nil {
		return ErrEmpty
	}
	s.mu.Lock()
	s.token = token
	s.current = h
	s.mu.Unlock()
	return nil
}

// DecodeArtifact reads the artifact back into memory.
func DecodeArtifact(ctx context.Context, st Store, h Handle) (image.Image, error) {
	rc, err := st.Open(ctx, h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return jpeg.Decode(bytes.NewReader(data))
}
