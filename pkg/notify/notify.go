// Package notify is the transient notification channel: short, non-blocking
// messages about how a capture or share attempt ended.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind classifies a notice.
type Kind string

const (
	KindNoCodeFound         Kind = "no_code_found"
	KindExtractionFailed    Kind = "extraction_failed"
	KindPersistFailed       Kind = "persist_failed"
	KindNothingToShare      Kind = "nothing_to_share"
	KindDispatchUnavailable Kind = "dispatch_unavailable"
	KindCaptureUnavailable  Kind = "capture_unavailable"
	KindPermissionRequired  Kind = "permission_required"
	KindReady               Kind = "ready"
	KindShared              Kind = "shared"
)

// Messages shown to the user for each kind.
var messages = map[Kind]string{
	KindNoCodeFound:         "No QR code found",
	KindExtractionFailed:    "Failed to process image",
	KindPersistFailed:       "Failed to save image",
	KindNothingToShare:      "No image or QR code URL to share",
	KindDispatchUnavailable: "No compatible app found",
	KindCaptureUnavailable:  "Camera app not found",
	KindPermissionRequired:  "Camera and storage permissions are required",
	KindReady:               "QR code ready to share",
	KindShared:              "Shared",
}

// Message returns the user-facing text for k.
func Message(k Kind) string {
	if msg, ok := messages[k]; ok {
		return msg
	}
	return string(k)
}

// Notice is one transient notification.
type Notice struct {
	Seq        uint64    `json:"seq,omitempty"`
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	Generation uint64    `json:"generation,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// New builds a notice with the standard message for k.
func New(k Kind, gen uint64) Notice {
	return Notice{Kind: k, Message: Message(k), Generation: gen, At: time.Now().UTC()}
}

// IsError reports whether the notice describes a failed outcome.
func (n Notice) IsError() bool {
	switch n.Kind {
	case KindReady, KindShared, KindPermissionRequired:
		return false
	default:
		return true
	}
}

// Notifier publishes notices. Implementations must not block the caller.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Nop discards notices.
var Nop Notifier = NotifierFunc(func(Notice) {})

// Multi fans out to several notifiers.
func Multi(ns ...Notifier) Notifier {
	var live []Notifier
	for _, n := range ns {
		if n != nil {
			live = append(live, n)
		}
	}
	return NotifierFunc(func(n Notice) {
		for _, target := range live {
			target.Notify(n)
		}
	})
}

// Channel buffers notices for a consumer; when the buffer is full new
// notices are dropped rather than blocking the pipeline.
type Channel struct {
	ch      chan Notice
	mu      sync.Mutex
	dropped int
}

// NewChannel returns a channel notifier with the given capacity.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 16
	}
	return &Channel{ch: make(chan Notice, size)}
}

func (c *Channel) Notify(n Notice) {
	select {
	case c.ch <- n:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// C exposes the notice stream.
func (c *Channel) C() <-chan Notice { return c.ch }

// Dropped reports how many notices were discarded.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(n Notice) {
	if l.Logger == nil {
		return
	}
	fields := []zap.Field{zap.String("kind", string(n.Kind)), zap.Uint64("generation", n.Generation)}
	if n.Detail != "" {
		fields = append(fields, zap.String("detail", n.Detail))
	}
	if n.IsError() {
		l.Logger.Warn(n.Message, fields...)
		return
	}
	l.Logger.Info(n.Message, fields...)
}
