// Package pipeline drives one capture cycle at a time: capture an image,
// extract a QR code asynchronously, persist the image, open the decoded
// link and mark the session share-ready.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/godeps/qrshare/pkg/capture"
	"github.com/godeps/qrshare/pkg/export"
	"github.com/godeps/qrshare/pkg/extract"
	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/link"
	"github.com/godeps/qrshare/pkg/logging"
	"github.com/godeps/qrshare/pkg/notify"
	"github.com/godeps/qrshare/pkg/permission"
	"github.com/godeps/qrshare/pkg/telemetry"
)

// DefaultSubject identifies the local device in permission requests.
const DefaultSubject = "device"

// outcomes older than this many generations are forgotten.
const outcomeWindow = 64

// Options wires the controller to its collaborators. Surface, Extractor and
// Store are required.
type Options struct {
	Surface    capture.Surface
	Extractor  extract.Extractor
	Store      imagestore.Store
	Opener     link.Opener
	Dispatcher *export.Dispatcher
	// Gate is optional; without it capture is always permitted.
	Gate    *permission.Gate
	Subject string
	// Format selects which candidates qualify. Defaults to extract.Target.
	Format    extract.Format
	Notifier  notify.Notifier
	Logger    *zap.Logger
	Telemetry *telemetry.Manager
}

// Controller owns the Session and sequences the pipeline stages.
type Controller struct {
	surface    capture.Surface
	extractor  extract.Extractor
	store      imagestore.Store
	opener     link.Opener
	dispatcher *export.Dispatcher
	gate       *permission.Gate
	subject    string
	format     extract.Format
	notifier   notify.Notifier
	logger     *zap.Logger
	tel        *telemetry.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// captureMu serializes requests to the capture surface.
	captureMu sync.Mutex
	// persistMu serializes writes to the store's single slot.
	persistMu sync.Mutex

	mu        sync.Mutex
	session   Session
	capturing bool
	closed    bool
	inflight  map[uint64]time.Time
	outcomes  map[uint64]Outcome
	waiters   map[uint64][]chan Outcome
}

// New validates opts and returns an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.Surface == nil {
		return nil, errors.New("pipeline: capture surface is required")
	}
	if opts.Extractor == nil {
		return nil, errors.New("pipeline: extractor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("pipeline: image store is required")
	}
	opener := opts.Opener
	if opener == nil {
		opener = link.OpenerFunc(func(context.Context, string) error { return link.ErrNoOpener })
	}
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		subject = DefaultSubject
	}
	format := opts.Format
	if format == "" {
		format = extract.Target
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		surface:    opts.Surface,
		extractor:  opts.Extractor,
		store:      opts.Store,
		opener:     opener,
		dispatcher: opts.Dispatcher,
		gate:       opts.Gate,
		subject:    subject,
		format:     format,
		notifier:   notifier,
		logger:     logging.Module(opts.Logger, "pipeline"),
		tel:        opts.Telemetry,
		ctx:        ctx,
		cancel:     cancel,
		session:    Session{State: StateIdle},
		inflight:   map[uint64]time.Time{},
		outcomes:   map[uint64]Outcome{},
		waiters:    map[uint64][]chan Outcome{},
	}, nil
}

// Session returns a copy of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if c.capturing {
		s.State = StateCapturing
	}
	return s
}

// Capture requests an image from the surface and, when one arrives, starts
// a new cycle whose extraction runs in the background. It returns the
// cycle's generation without waiting for the outcome.
//
// A capture that yields no image returns ErrCaptureCancelled and leaves the
// session untouched. Missing permissions return a *PermissionError.
func (c *Controller) Capture(ctx context.Context) (uint64, error) {
	ctx, span := c.tel.StartSpan(ctx, "qrshare.capture")
	gen, err := c.capture(ctx)
	if errors.Is(err, ErrCaptureCancelled) || errors.Is(err, ErrPermissionRequired) {
		span.SetAttributes(attribute.String("qrshare.capture.result", classify(err)))
		telemetry.EndSpan(span, nil)
	} else {
		span.SetAttributes(attribute.Int64("qrshare.generation", int64(gen)))
		telemetry.EndSpan(span, err)
	}
	return gen, err
}

func (c *Controller) capture(ctx context.Context) (uint64, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	if err := c.checkPermission(); err != nil {
		return 0, err
	}

	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	c.setCapturing(true)
	img, err := c.surface.Capture(ctx)
	c.setCapturing(false)
	if err == nil && img == nil {
		err = capture.ErrCancelled
	}
	if err != nil {
		if errors.Is(err, capture.ErrUnavailable) {
			c.publish(notify.KindCaptureUnavailable, c.Session().Generation, "")
		}
		c.logger.Debug("capture yielded no image", zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrCaptureCancelled, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	gen := c.session.Generation + 1
	c.session = Session{Generation: gen, State: StateExtracting, Image: img}
	c.inflight[gen] = time.Now()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("capture accepted", zap.Uint64("generation", gen))
	runCtx := trace.ContextWithSpanContext(c.ctx, trace.SpanContextFromContext(ctx))
	go c.run(runCtx, gen, img)
	return gen, nil
}

func (c *Controller) checkPermission() error {
	if c.gate == nil {
		return nil
	}
	if len(c.gate.Missing(c.subject, permission.CaptureCapabilities...)) == 0 {
		return nil
	}
	rec, ok, err := c.gate.Request(c.subject, permission.CaptureCapabilities...)
	if err != nil {
		return fmt.Errorf("pipeline: request permission: %w", err)
	}
	if ok {
		return nil
	}
	c.publish(notify.KindPermissionRequired, c.Session().Generation, rec.ID)
	return &PermissionError{Request: rec}
}

func (c *Controller) run(ctx context.Context, gen uint64, img image.Image) {
	defer c.wg.Done()
	out := c.cycle(ctx, gen, img)
	if c.ctx.Err() != nil && out.State != StateReady && !out.Superseded() {
		// Stage failures after Close come from the cancelled context.
		out = abandoned(gen)
	}
	c.complete(ctx, out)
}

// cycle runs extraction and persistence for gen. Stages after extraction
// only proceed while gen is still the current generation.
func (c *Controller) cycle(ctx context.Context, gen uint64, img image.Image) Outcome {
	genAttr := attribute.Int64("qrshare.generation", int64(gen))

	ectx, span := c.tel.StartSpan(ctx, "qrshare.extract", trace.WithAttributes(genAttr))
	res, ok := <-c.extractor.Extract(ectx, img)
	if !ok {
		res = extract.Result{Err: fmt.Errorf("%w: no result delivered", extract.ErrFailed)}
	}
	span.SetAttributes(attribute.Int("qrshare.candidates", len(res.Candidates)))
	telemetry.EndSpan(span, res.Err)

	if res.Err != nil {
		return Outcome{Generation: gen, State: StateExtractionFailed, Err: fmt.Errorf("%w: %v", ErrExtractionFailed, res.Err)}
	}
	cand, found := extract.SelectFirst(res.Candidates, c.format)
	if !found {
		return Outcome{Generation: gen, State: StateNoCodeFound, Err: ErrNoCodeFound}
	}
	text := cand.Text()
	if text == "" {
		return Outcome{Generation: gen, State: StateNoCodeFound, Err: fmt.Errorf("%w: code carries no text", ErrNoCodeFound)}
	}
	if !c.advance(gen, StateDecoded) {
		return superseded(gen)
	}

	c.persistMu.Lock()
	if !c.advance(gen, StatePersisting) {
		c.persistMu.Unlock()
		return superseded(gen)
	}
	pctx, pspan := c.tel.StartSpan(ctx, "qrshare.persist", trace.WithAttributes(genAttr))
	h, err := c.store.Persist(pctx, img)
	telemetry.EndSpan(pspan, err)
	c.persistMu.Unlock()

	if err != nil {
		return Outcome{Generation: gen, State: StatePersistFailed, Err: fmt.Errorf("%w: %v", ErrPersistFailed, err)}
	}
	return Outcome{Generation: gen, State: StateReady, Text: text, Handle: h, URL: link.BuildURL(text)}
}

// advance moves the session to st if gen is still current.
func (c *Controller) advance(gen uint64, st State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Generation != gen {
		return false
	}
	c.session.State = st
	return true
}

func (c *Controller) complete(ctx context.Context, out Outcome) {
	c.mu.Lock()
	if !out.Discarded() && c.session.Generation != out.Generation {
		out = superseded(out.Generation)
	}
	if !out.Discarded() {
		c.session.State = out.State
		if out.State == StateReady {
			c.session.DecodedText = out.Text
			c.session.Handle = out.Handle
		}
	}
	started := c.inflight[out.Generation]
	c.mu.Unlock()

	// Waiters are released only after the outcome has been announced.
	defer func() {
		c.mu.Lock()
		c.recordLocked(out)
		c.mu.Unlock()
	}()

	c.tel.RecordCycle(ctx, telemetry.CycleData{
		Outcome:    outcomeLabel(out),
		Generation: out.Generation,
		Text:       out.Text,
		Duration:   time.Since(started),
		Error:      out.Err,
	})

	fields := []zap.Field{zap.Uint64("generation", out.Generation), zap.String("state", string(out.State))}
	switch {
	case out.Superseded():
		c.logger.Debug("discarded superseded cycle result", fields...)
	case out.Abandoned():
		c.logger.Debug("cycle abandoned on close", fields...)
	case out.State == StateReady:
		c.logger.Info("cycle ready", append(fields, zap.String("url", c.tel.MaskText(out.URL)))...)
		c.openLink(ctx, out)
		c.publish(notify.KindReady, out.Generation, "")
	case out.State == StateNoCodeFound:
		detail := ""
		if out.Err != ErrNoCodeFound {
			detail = "No URL found in the QR code"
		}
		c.publish(notify.KindNoCodeFound, out.Generation, detail)
	case out.State == StateExtractionFailed:
		c.logger.Warn("extraction failed", append(fields, zap.Error(out.Err))...)
		c.publish(notify.KindExtractionFailed, out.Generation, out.Err.Error())
	case out.State == StatePersistFailed:
		c.logger.Warn("persist failed", append(fields, zap.Error(out.Err))...)
		c.publish(notify.KindPersistFailed, out.Generation, out.Err.Error())
	}
}

// openLink hands the URL to the opener without waiting for it.
func (c *Controller) openLink(ctx context.Context, out Outcome) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.opener.Open(ctx, out.URL); err != nil {
			c.logger.Warn("open link failed", zap.Uint64("generation", out.Generation), zap.Error(err))
		}
	}()
}

func (c *Controller) recordLocked(out Outcome) {
	delete(c.inflight, out.Generation)
	c.outcomes[out.Generation] = out
	for _, ch := range c.waiters[out.Generation] {
		ch <- out
	}
	delete(c.waiters, out.Generation)
	for gen := range c.outcomes {
		if gen+outcomeWindow < c.session.Generation {
			delete(c.outcomes, gen)
		}
	}
}

// Wait blocks until the cycle gen ends and returns its outcome. A cycle
// that was overtaken by a newer capture reports ErrSuperseded in Err.
func (c *Controller) Wait(ctx context.Context, gen uint64) (Outcome, error) {
	c.mu.Lock()
	if out, ok := c.outcomes[gen]; ok {
		c.mu.Unlock()
		return out, nil
	}
	if _, ok := c.inflight[gen]; !ok {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("pipeline: unknown generation %d", gen)
	}
	ch := make(chan Outcome, 1)
	c.waiters[gen] = append(c.waiters[gen], ch)
	c.mu.Unlock()

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Share exports the persisted image and decoded text. It returns
// export.ErrNothingToShare, without touching the platform, unless the
// session is ready. Failures never change the session.
func (c *Controller) Share(ctx context.Context) (export.Intent, error) {
	ctx, span := c.tel.StartSpan(ctx, "qrshare.share")
	intent, err := c.share(ctx)
	telemetry.EndSpan(span, err)
	if !errors.Is(err, export.ErrNothingToShare) {
		c.tel.RecordShare(ctx, telemetry.ShareData{Error: err})
	}
	return intent, err
}

func (c *Controller) share(ctx context.Context) (export.Intent, error) {
	s := c.Session()
	if !s.ShareReady() {
		c.publish(notify.KindNothingToShare, s.Generation, "")
		return export.Intent{}, export.ErrNothingToShare
	}
	if c.dispatcher == nil {
		c.publish(notify.KindDispatchUnavailable, s.Generation, "no dispatcher configured")
		return export.Intent{}, fmt.Errorf("%w: no dispatcher configured", export.ErrDispatchUnavailable)
	}
	intent, err := c.dispatcher.Share(ctx, s.Handle, s.DecodedText)
	switch {
	case errors.Is(err, export.ErrNothingToShare):
		c.publish(notify.KindNothingToShare, s.Generation, "")
	case err != nil:
		c.publish(notify.KindDispatchUnavailable, s.Generation, err.Error())
	default:
		c.publish(notify.KindShared, s.Generation, "")
	}
	return intent, err
}

// Close stops accepting captures and waits for background work.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) setCapturing(v bool) {
	c.mu.Lock()
	c.capturing = v
	c.mu.Unlock()
}

func (c *Controller) publish(kind notify.Kind, gen uint64, detail string) {
	n := notify.New(kind, gen)
	n.Detail = detail
	c.notifier.Notify(n)
}

func superseded(gen uint64) Outcome {
	return Outcome{Generation: gen, Err: fmt.Errorf("%w: generation %d", ErrSuperseded, gen)}
}

func abandoned(gen uint64) Outcome {
	return Outcome{Generation: gen, Err: fmt.Errorf("%w: cycle %d abandoned", ErrClosed, gen)}
}

func outcomeLabel(out Outcome) string {
	switch {
	case out.Superseded():
		return "superseded"
	case out.Abandoned():
		return "abandoned"
	}
	return string(out.State)
}

func classify(err error) string {
	if errors.Is(err, ErrPermissionRequired) {
		return "permission_required"
	}
	return "cancelled"
}
