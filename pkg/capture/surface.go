// Package capture provides capture surfaces: sources that yield one image
// per capture request.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrCancelled reports that the user dismissed the capture.
	ErrCancelled = errors.New("capture: cancelled")
	// ErrUnavailable reports that no capture application is available.
	ErrUnavailable = errors.New("capture: no capture application")
)

// Surface yields one image per request, or an error when nothing was captured.
type Surface interface {
	Capture(ctx context.Context) (image.Image, error)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(ctx context.Context) (image.Image, error)

func (f SurfaceFunc) Capture(ctx context.Context) (image.Image, error) { return f(ctx) }

var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".bmp": {}, ".tif": {}, ".tiff": {}, ".webp": {},
}

// IsImageFile reports whether name has a supported image extension.
func IsImageFile(name string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Decode reads any supported image format from r.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("capture: decode: %w", err)
	}
	return img, nil
}

// DecodeFile opens and decodes path.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// FileSurface captures by decoding a file on disk. A missing file behaves
// like a cancelled capture.
type FileSurface struct {
	Path string
}

func (s FileSurface) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	if strings.TrimSpace(s.Path) == "" {
		return nil, ErrUnavailable
	}
	img, err := DecodeFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCancelled, s.Path)
	}
	return img, err
}

// StaticSurface hands out queued images in order; an empty queue cancels.
type StaticSurface struct {
	mu     sync.Mutex
	queue  []image.Image
	closed bool
}

// NewStaticSurface returns a surface pre-loaded with imgs.
func NewStaticSurface(imgs ...image.Image) *StaticSurface {
	return &StaticSurface{queue: append([]image.Image(nil), imgs...)}
}

// Push enqueues img for the next Capture call.
func (s *StaticSurface) Push(img image.Image) {
	s.mu.Lock()
	s.queue = append(s.queue, img)
	s.mu.Unlock()
}

// Reset drops queued images that were never captured.
func (s *StaticSurface) Reset() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Disable makes every following Capture report ErrUnavailable.
func (s *StaticSurface) Disable() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *StaticSurface) Capture(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrUnavailable
	}
	if ctx.Err() != nil || len(s.queue) == 0 {
		return nil, ErrCancelled
	}
	img := s.queue[0]
	s.queue = s.queue[1:]
	if img == nil {
		return nil, ErrCancelled
	}
	return img, nil
}
