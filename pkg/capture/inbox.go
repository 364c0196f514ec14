package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// InboxSurface treats every image file dropped into a directory as one
// capture. Capture blocks until a decodable file appears or ctx ends.
type InboxSurface struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewInboxSurface starts watching dir, creating it if needed.
func NewInboxSurface(dir string, logger *zap.Logger) (*InboxSurface, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: mkdir inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("capture: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("capture: watch %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxSurface{dir: dir, watcher: w, logger: logger, seen: map[string]struct{}{}}, nil
}

// Dir returns the watched directory.
func (s *InboxSurface) Dir() string { return s.dir }

func (s *InboxSurface) Capture(ctx context.Context) (image.Image, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case evt, ok := <-s.watcher.Events:
			if !ok {
				return nil, ErrUnavailable
			}
			if evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
				s.forget(evt.Name)
				continue
			}
			if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
				continue
			}
			if !IsImageFile(evt.Name) || s.consumed(evt.Name) {
				continue
			}
			img, err := DecodeFile(evt.Name)
			if err != nil {
				// Usually a partially written file; a later Write event retries.
				s.logger.Debug("inbox file not decodable yet", zap.String("file", filepath.Base(evt.Name)), zap.Error(err))
				continue
			}
			s.markConsumed(evt.Name)
			s.logger.Info("inbox capture", zap.String("file", filepath.Base(evt.Name)))
			return img, nil
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil, ErrUnavailable
			}
			s.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher. Pending Capture calls report ErrUnavailable.
func (s *InboxSurface) Close() error {
	err := s.watcher.Close()
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}

func (s *InboxSurface) consumed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[name]
	return ok
}

func (s *InboxSurface) markConsumed(name string) {
	s.mu.Lock()
	s.seen[name] = struct{}{}
	s.mu.Unlock()
}

func (s *InboxSurface) forget(name string) {
	s.mu.Lock()
	delete(s.seen, name)
	s.mu.Unlock()
}
