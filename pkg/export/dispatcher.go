// Package export hands a persisted image and its decoded text to the
// platform's share facility.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/telemetry"
)

const (
	ActionSend          = "send"
	DefaultChooserTitle = "Share via..."
	DefaultCaption      = "QR code link: "
)

var (
	// ErrNothingToShare reports that no persisted image and decoded text are available.
	ErrNothingToShare = errors.New("export: nothing to share")
	// ErrDispatchUnavailable reports that no receiver accepted the share.
	ErrDispatchUnavailable = errors.New("export: no compatible receiver")
	// ErrNoReceiver is returned by platforms when nothing can take the intent.
	ErrNoReceiver = errors.New("export: no receiver")
)

// Intent describes one outbound share.
type Intent struct {
	Action       string            `json:"action"`
	MIMEType     string            `json:"mime_type"`
	Stream       imagestore.Handle `json:"stream"`
	StreamURL    string            `json:"stream_url,omitempty"`
	Text         string            `json:"text"`
	ChooserTitle string            `json:"chooser_title"`
	GrantToken   string            `json:"grant_token,omitempty"`
}

// Platform delivers intents to a receiving application.
type Platform interface {
	Dispatch(ctx context.Context, intent Intent) error
}

// PlatformFunc adapts a function to Platform.
type PlatformFunc func(ctx context.Context, intent Intent) error

func (f PlatformFunc) Dispatch(ctx context.Context, intent Intent) error { return f(ctx, intent) }

// Options tune the dispatcher.
type Options struct {
	// Caption prefixes the decoded text in the share body.
	Caption      string
	ChooserTitle string
	// BaseURL, when set, makes StreamURL point at the grant endpoint.
	BaseURL string
	Logger  *zap.Logger
}

// Dispatcher builds intents and passes them to a Platform.
type Dispatcher struct {
	platform Platform
	grants   *Grants
	opts     Options
	logger   *zap.Logger
}

// NewDispatcher wires a platform and an optional grant table.
func NewDispatcher(p Platform, grants *Grants, opts Options) *Dispatcher {
	if opts.Caption == "" {
		opts.Caption = DefaultCaption
	}
	if opts.ChooserTitle == "" {
		opts.ChooserTitle = DefaultChooserTitle
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{platform: p, grants: grants, opts: opts, logger: logger}
}

// Share dispatches h and text. The session state is never touched here;
// a failed dispatch can simply be retried.
func (d *Dispatcher) Share(ctx context.Context, h imagestore.Handle, text string) (Intent, error) {
	if h.IsZero() || text == "" {
		return Intent{}, ErrNothingToShare
	}
	if d.platform == nil {
		return Intent{}, fmt.Errorf("%w: no platform configured", ErrDispatchUnavailable)
	}
	intent := Intent{
		Action:       ActionSend,
		MIMEType:     imagestore.MIMEType,
		Stream:       h,
		Text:         d.opts.Caption + text,
		ChooserTitle: d.opts.ChooserTitle,
	}
	if d.grants != nil {
		grant := d.grants.Issue(h)
		intent.GrantToken = grant.Token
		if base := strings.TrimRight(d.opts.BaseURL, "/"); base != "" {
			intent.StreamURL = base + "/v1/images/" + grant.Token
		}
	}
	if err := d.platform.Dispatch(ctx, intent); err != nil {
		if d.grants != nil && intent.GrantToken != "" {
			d.grants.Revoke(intent.GrantToken)
		}
		d.logger.Warn("share dispatch failed", zap.String("text", telemetry.MaskText(intent.Text)), zap.Error(err))
		return intent, fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	d.logger.Info("share dispatched",
		zap.String("mime", intent.MIMEType),
		zap.String("text", telemetry.MaskText(intent.Text)),
		zap.Bool("granted", intent.GrantToken != ""))
	return intent, nil
}
