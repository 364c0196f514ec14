package session

import (
	"encoding/json"
	"time"
)

// MaxCheckpointBytes bounds serialized checkpoint payloads to 1MB.
const MaxCheckpointBytes = 1 << 20

// Checkpoint wraps a serialized snapshot under a name.
type Checkpoint struct {
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	State     json.RawMessage `json:"state"`
}

// Clone duplicates the checkpoint and its buffer.
func (c Checkpoint) Clone() Checkpoint {
	clone := c
	if len(c.State) > 0 {
		clone.State = append(json.RawMessage(nil), c.State...)
	}
	return clone
}

// Size returns the size of the serialized state payload.
func (c Checkpoint) Size() int {
	return len(c.State)
}

// Snapshot decodes the checkpoint payload.
func (c Checkpoint) Snapshot() (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(c.State, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
