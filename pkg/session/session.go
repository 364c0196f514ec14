// Package session snapshots the pipeline session at suspend boundaries so a
// later process can restore it.
package session

import (
	"errors"
	"time"

	"github.com/godeps/qrshare/pkg/imagestore"
)

var (
	// ErrCheckpointNotFound indicates the requested checkpoint name does not exist.
	ErrCheckpointNotFound = errors.New("session: checkpoint not found")
	// ErrInvalidCheckpointName indicates the provided checkpoint identifier is empty or malformed.
	ErrInvalidCheckpointName = errors.New("session: invalid checkpoint name")
	// ErrCheckpointTooLarge indicates the serialized checkpoint exceeds the allowed size.
	ErrCheckpointTooLarge = errors.New("session: checkpoint exceeds maximum payload size")
	// ErrInvalidSnapshot indicates a snapshot that breaks the handle/text pairing.
	ErrInvalidSnapshot = errors.New("session: invalid snapshot")
)

// Snapshot is a plain copy of the session state.
type Snapshot struct {
	Generation  uint64            `json:"generation"`
	State       string            `json:"state"`
	DecodedText string            `json:"decoded_text,omitempty"`
	Handle      imagestore.Handle `json:"handle,omitempty"`
	// Image is the captured image encoded as PNG.
	Image   []byte    `json:"image,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// Validate enforces that handle and decoded text are set together.
func (s Snapshot) Validate() error {
	if s.Handle.IsZero() != (s.DecodedText == "") {
		return ErrInvalidSnapshot
	}
	return nil
}

// ShareReady reports whether the snapshot carries everything a share needs.
func (s Snapshot) ShareReady() bool {
	return !s.Handle.IsZero() && s.DecodedText != ""
}
