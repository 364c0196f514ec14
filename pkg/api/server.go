// Package api exposes the pipeline over HTTP: uploads act as capture
// events, and shared images are served back through read grants.
package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/godeps/qrshare/pkg/capture"
	"github.com/godeps/qrshare/pkg/export"
	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/logging"
	"github.com/godeps/qrshare/pkg/notify"
	"github.com/godeps/qrshare/pkg/permission"
	"github.com/godeps/qrshare/pkg/pipeline"
)

const (
	defaultMaxUpload   = int64(8 << 20) // 8 MiB
	defaultWaitTimeout = 10 * time.Second
	maxBodyBytes       = int64(1 << 20)
)

// Options wires the server. Controller, Uploads and Store are required;
// Uploads must be the surface the controller captures from.
type Options struct {
	Controller  *pipeline.Controller
	Uploads     *capture.StaticSurface
	Store       imagestore.Store
	Grants      *export.Grants
	Gate        *permission.Gate
	Journal     *notify.Journal
	WaitTimeout time.Duration
	MaxUpload   int64
	Logger      *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	ctrl        *pipeline.Controller
	uploads     *capture.StaticSurface
	store       imagestore.Store
	grants      *export.Grants
	gate        *permission.Gate
	journal     *notify.Journal
	waitTimeout time.Duration
	maxUpload   int64
	logger      *zap.Logger

	// uploadMu pairs each queued upload with the capture that consumes it.
	uploadMu sync.Mutex
}

// New validates opts.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("api: controller is required")
	}
	if opts.Uploads == nil {
		return nil, errors.New("api: upload surface is required")
	}
	if opts.Store == nil {
		return nil, errors.New("api: image store is required")
	}
	wait := opts.WaitTimeout
	if wait <= 0 {
		wait = defaultWaitTimeout
	}
	limit := opts.MaxUpload
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	return &Server{
		ctrl:        opts.Controller,
		uploads:     opts.Uploads,
		store:       opts.Store,
		grants:      opts.Grants,
		gate:        opts.Gate,
		journal:     opts.Journal,
		waitTimeout: wait,
		maxUpload:   limit,
		logger:      logging.Module(opts.Logger, "api"),
	}, nil
}

// Router builds the chi router with every route and middleware.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(EchoRequestID)
	r.Use(Logger(s.logger))
	r.Use(Trace)
	r.Use(Recovery(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/captures", s.handleCapture)
		r.Get("/session", s.handleSession)
		r.Post("/share", s.handleShare)
		r.Get("/images/{grant}", s.handleImage)
		r.Get("/notices", s.handleNotices)
		r.Route("/permissions", func(r chi.Router) {
			r.Get("/pending", s.handlePendingPermissions)
			r.Post("/{id}/approve", s.handleDecision(true))
			r.Post("/{id}/reject", s.handleDecision(false))
		})
	})
	return r
}

func boolParam(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
