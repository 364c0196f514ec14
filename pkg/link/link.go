// Package link dispatches decoded QR text to the platform's link opener.
package link

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Prefix is prepended verbatim to decoded text. No scheme detection or
// validation is performed.
const Prefix = "http://"

// BuildURL returns the URL handed to the opener for decoded text.
func BuildURL(text string) string {
	return Prefix + text
}

// Opener hands a URL to something that can view it.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) error

func (f OpenerFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// ErrNoOpener indicates no opener command is available on this platform.
var ErrNoOpener = errors.New("link: no opener available")

// CommandOpener launches a platform command with the URL as last argument.
// It does not wait for the viewer to exit.
type CommandOpener struct {
	Command []string
	Logger  *zap.Logger
}

// DefaultCommand returns the conventional opener for the running OS.
func DefaultCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		return []string{"xdg-open"}
	}
}

func (o CommandOpener) Open(ctx context.Context, url string) error {
	argv := o.Command
	if len(argv) == 0 {
		argv = DefaultCommand()
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoOpener, argv[0])
	}
	args := append(append([]string(nil), argv[1:]...), url)
	cmd := exec.Command(bin, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("link: start %s: %w", argv[0], err)
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("opener exited with error", zap.String("command", strings.Join(argv, " ")), zap.Error(err))
		}
	}()
	return nil
}

// Recorder remembers every URL it was asked to open.
type Recorder struct {
	mu   sync.Mutex
	urls []string
	// Err, when set, is returned from every Open.
	Err    error
	notify chan string
}

// NewRecorder returns a recorder that also publishes each URL on C().
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan string, 16)}
}

func (r *Recorder) Open(_ context.Context, url string) error {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	err := r.Err
	r.mu.Unlock()
	if r.notify != nil {
		select {
		case r.notify <- url:
		default:
		}
	}
	return err
}

// C publishes opened URLs.
func (r *Recorder) C() <-chan string { return r.notify }

// URLs returns the URLs opened so far.
func (r *Recorder) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}
