package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"
)

// CommandPlatform runs a share command with the stream reference and caption
// appended as arguments, and waits for it.
type CommandPlatform struct {
	Command []string
}

func (c CommandPlatform) Dispatch(ctx context.Context, intent Intent) error {
	if len(c.Command) == 0 {
		return ErrNoReceiver
	}
	bin, err := exec.LookPath(c.Command[0])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoReceiver, c.Command[0])
	}
	stream := intent.StreamURL
	if stream == "" {
		stream = intent.Stream.URI
	}
	args := append(append([]string(nil), c.Command[1:]...), stream, intent.Text)
	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("export: %s: %w: %s", c.Command[0], err, bytes.TrimSpace(out))
	}
	return nil
}

// WebhookPlatform posts the intent as JSON to a receiver URL.
type WebhookPlatform struct {
	URL    string
	Client *http.Client
}

func (w WebhookPlatform) Dispatch(ctx context.Context, intent Intent) error {
	if w.URL == "" {
		return ErrNoReceiver
	}
	body, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoReceiver, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: webhook returned %d", ErrNoReceiver, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("export: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Recorder captures intents instead of dispatching them.
type Recorder struct {
	mu      sync.Mutex
	intents []Intent
	Err     error
}

func (r *Recorder) Dispatch(_ context.Context, intent Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return r.Err
}

// SetErr changes the error returned by later dispatches.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}

// Intents returns every intent the platform received, failed ones included.
func (r *Recorder) Intents() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Intent(nil), r.intents...)
}

// Calls is shorthand for len(Intents()).
func (r *Recorder) Calls() int { return len(r.Intents()) }
