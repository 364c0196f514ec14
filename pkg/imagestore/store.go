// Package imagestore keeps the single most recently captured image and hands
// out opaque handles that can be shared without exposing filesystem paths.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/url"
	"strings"
)

const (
	// ArtifactName is the fixed name of the persisted artifact.
	ArtifactName = "qrcode_image.jpg"
	// DefaultQuality trades image fidelity for fast sharing.
	DefaultQuality = 10
	// MIMEType is the format of every persisted artifact.
	MIMEType = "image/jpeg"

	handleScheme = "content"
	handlePrefix = "/images/"
)

var (
	// ErrPersist wraps every write failure.
	ErrPersist = errors.New("imagestore: persist failed")
	// ErrNilImage is returned when there is nothing to persist.
	ErrNilImage = errors.New("imagestore: nil image")
	// ErrEmpty indicates no artifact has been written yet.
	ErrEmpty = errors.New("imagestore: no artifact")
	// ErrStaleHandle indicates the handle refers to an overwritten artifact.
	ErrStaleHandle = errors.New("imagestore: stale handle")
	// ErrInvalidHandle indicates the handle was not minted by a store.
	ErrInvalidHandle = errors.New("imagestore: invalid handle")
)

// Handle is an opaque, provider-scoped reference to a persisted artifact.
type Handle struct {
	URI string `json:"uri"`
}

// IsZero reports whether h is unset.
func (h Handle) IsZero() bool { return strings.TrimSpace(h.URI) == "" }

func (h Handle) String() string { return h.URI }

// Token returns the per-write token embedded in the handle.
func (h Handle) Token() (string, error) {
	u, err := url.Parse(h.URI)
	if err != nil || u.Scheme != handleScheme || !strings.HasPrefix(u.Path, handlePrefix) {
		return "", ErrInvalidHandle
	}
	token := strings.TrimPrefix(u.Path, handlePrefix)
	if token == "" || strings.Contains(token, "/") {
		return "", ErrInvalidHandle
	}
	return token, nil
}

func newHandle(authority, token string) Handle {
	u := url.URL{Scheme: handleScheme, Host: authority, Path: handlePrefix + token}
	return Handle{URI: u.String()}
}

// Store persists a single image slot.
type Store interface {
	// Persist overwrites the slot with img and returns a fresh handle.
	Persist(ctx context.Context, img image.Image) (Handle, error)
	// Open streams the artifact referenced by h.
	Open(ctx context.Context, h Handle) (io.ReadCloser, error)
	// Current returns the handle of the artifact currently in the slot.
	Current() (Handle, bool)
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersist, op, err)
}
