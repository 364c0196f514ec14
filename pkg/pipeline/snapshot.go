package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"time"

	"go.uber.org/zap"

	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/session"
)

// adopter is implemented by stores that can re-register a handle written
// by an earlier process.
type adopter interface {
	Adopt(imagestore.Handle) error
}

// Snapshot captures the session for a suspend boundary. Cycles still in
// flight are recorded by their last stable state; their results are lost.
func (c *Controller) Snapshot() (session.Snapshot, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	st := s.State
	if !st.Terminal() {
		st = StateIdle
	}
	snap := session.Snapshot{
		Generation: s.Generation,
		State:      string(st),
		SavedAt:    time.Now().UTC(),
	}
	if st == StateReady {
		snap.DecodedText = s.DecodedText
		snap.Handle = s.Handle
	}
	if s.Image != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, s.Image); err != nil {
			return session.Snapshot{}, fmt.Errorf("pipeline: encode snapshot image: %w", err)
		}
		snap.Image = buf.Bytes()
	}
	return snap, nil
}

// Restore replaces the session with snap. Restoring supersedes any cycle
// still in flight.
func (c *Controller) Restore(snap session.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	st := StateIdle
	if snap.State != "" {
		parsed, err := ParseState(snap.State)
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrInvalidSnapshot, err)
		}
		st = parsed
	}
	if !st.Terminal() {
		st = StateIdle
	}
	if (st == StateReady) != snap.ShareReady() {
		return fmt.Errorf("%w: state %s with share data %v", session.ErrInvalidSnapshot, st, snap.ShareReady())
	}

	var img image.Image
	if len(snap.Image) > 0 {
		decoded, err := png.Decode(bytes.NewReader(snap.Image))
		if err != nil {
			return fmt.Errorf("%w: image: %v", session.ErrInvalidSnapshot, err)
		}
		img = decoded
	}
	if !snap.Handle.IsZero() {
		if a, ok := c.store.(adopter); ok {
			if err := a.Adopt(snap.Handle); err != nil {
				return fmt.Errorf("pipeline: restore handle: %w", err)
			}
		}
	}

	c.mu.Lock()
	gen := snap.Generation
	if gen <= c.session.Generation && c.session.Generation > 0 {
		gen = c.session.Generation + 1
	}
	c.session = Session{
		Generation:  gen,
		State:       st,
		Image:       img,
		DecodedText: snap.DecodedText,
		Handle:      snap.Handle,
	}
	if gen > 0 {
		c.recordLocked(Outcome{Generation: gen, State: st, Text: snap.DecodedText, Handle: snap.Handle})
	}
	c.mu.Unlock()

	c.logger.Info("session restored", zap.Uint64("generation", gen), zap.String("state", string(st)))
	return nil
}
