package pipeline

import (
	"errors"
	"fmt"
	"image"

	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/permission"
)

// State is a step of the capture cycle.
type State string

const (
	StateIdle             State = "idle"
	StateCapturing        State = "capturing"
	StateExtracting       State = "extracting"
	StateDecoded          State = "decoded"
	StateNoCodeFound      State = "no_code_found"
	StateExtractionFailed State = "extraction_failed"
	StatePersisting       State = "persisting"
	StateReady            State = "ready"
	StatePersistFailed    State = "persist_failed"
)

var states = map[State]struct{}{
	StateIdle: {}, StateCapturing: {}, StateExtracting: {}, StateDecoded: {},
	StateNoCodeFound: {}, StateExtractionFailed: {}, StatePersisting: {},
	StateReady: {}, StatePersistFailed: {},
}

// ParseState validates s.
func ParseState(s string) (State, error) {
	if _, ok := states[State(s)]; !ok {
		return "", fmt.Errorf("pipeline: unknown state %q", s)
	}
	return State(s), nil
}

// Terminal reports whether s ends a cycle.
func (s State) Terminal() bool {
	switch s {
	case StateNoCodeFound, StateExtractionFailed, StateReady, StatePersistFailed:
		return true
	}
	return false
}

var (
	// ErrCaptureCancelled is the silent outcome of a capture that yielded no image.
	ErrCaptureCancelled = errors.New("pipeline: capture cancelled")
	// ErrNoCodeFound means no qualifying code was in the image.
	ErrNoCodeFound = errors.New("pipeline: no code found")
	// ErrExtractionFailed means the decoding engine reported an internal failure.
	ErrExtractionFailed = errors.New("pipeline: extraction failed")
	// ErrPersistFailed means the image could not be written; the cycle is not share-ready.
	ErrPersistFailed = errors.New("pipeline: persist failed")
	// ErrPermissionRequired means capture was not attempted because a
	// capability is missing. The pending request is carried by PermissionError.
	ErrPermissionRequired = errors.New("pipeline: permission required")
	// ErrSuperseded marks a cycle whose results were discarded because a newer capture started.
	ErrSuperseded = errors.New("pipeline: cycle superseded")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("pipeline: controller closed")
)

// PermissionError carries the request opened for the missing capabilities.
type PermissionError struct {
	Request permission.Record
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: request %s for %v", ErrPermissionRequired, e.Request.ID, e.Request.Capabilities)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionRequired }

// Session is the mutable state of the current capture cycle. Handle and
// DecodedText are either both set or both empty.
type Session struct {
	Generation  uint64
	State       State
	Image       image.Image
	DecodedText string
	Handle      imagestore.Handle
}

// ShareReady reports whether the session can be exported.
func (s Session) ShareReady() bool {
	return s.State == StateReady && !s.Handle.IsZero() && s.DecodedText != ""
}

// Outcome is the terminal result of one capture cycle.
type Outcome struct {
	Generation uint64
	State      State
	Text       string
	Handle     imagestore.Handle
	// URL is the link dispatched to the opener, set only for ready cycles.
	URL string
	Err error
}

// Superseded reports whether a newer capture discarded this cycle's result.
func (o Outcome) Superseded() bool { return errors.Is(o.Err, ErrSuperseded) }

// Abandoned reports whether the controller was closed before the cycle ended.
func (o Outcome) Abandoned() bool { return errors.Is(o.Err, ErrClosed) }

// Discarded reports whether the outcome left the session untouched.
func (o Outcome) Discarded() bool { return o.Superseded() || o.Abandoned() }
