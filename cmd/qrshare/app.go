package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/godeps/qrshare/pkg/capture"
	"github.com/godeps/qrshare/pkg/config"
	"github.com/godeps/qrshare/pkg/export"
	"github.com/godeps/qrshare/pkg/extract"
	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/link"
	"github.com/godeps/qrshare/pkg/logging"
	"github.com/godeps/qrshare/pkg/notify"
	"github.com/godeps/qrshare/pkg/permission"
	"github.com/godeps/qrshare/pkg/pipeline"
	"github.com/godeps/qrshare/pkg/session"
	"github.com/godeps/qrshare/pkg/telemetry"
)

const (
	version      = "0.1.0"
	snapshotName = "current"
)

// app holds the long-lived collaborators shared by every subcommand.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	tel       *telemetry.Manager
	store     *imagestore.FileStore
	grants    *export.Grants
	gate      *permission.Gate
	records   *permission.FileStore
	journal   *notify.Journal
	snapshots *session.FileStore
	out       io.Writer
	// serving is set when grants can be redeemed over HTTP by this process.
	serving bool
}

func newApp(ctx context.Context, cfgPath string, out io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Options{
		FilePath:   cfg.Log.File,
		Level:      cfg.Log.Level,
		Production: cfg.Log.Production,
	})
	tel, err := telemetry.NewManager(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	telemetry.SetDefault(tel)

	store, err := imagestore.NewFileStore(cfg.ImageDir(),
		imagestore.WithQuality(cfg.Store.Quality),
		imagestore.WithAuthority(cfg.Store.Authority),
	)
	if err != nil {
		return nil, err
	}
	records, err := permission.NewFileStore(cfg.PermissionFile())
	if err != nil {
		return nil, err
	}
	journal, err := notify.OpenJournal(cfg.JournalFile(), logging.Module(logger, "notify"))
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	snapshots, err := session.NewFileStore(cfg.SessionDir())
	if err != nil {
		_ = records.Close()
		_ = journal.Close()
		return nil, err
	}
	return &app{
		cfg:       cfg,
		logger:    logger,
		tel:       tel,
		store:     store,
		grants:    export.NewGrants(cfg.Share.GrantTTL),
		gate:      permission.NewGate(records, nil),
		records:   records,
		journal:   journal,
		snapshots: snapshots,
		out:       out,
	}, nil
}

func (a *app) platform() export.Platform {
	switch {
	case a.cfg.Share.WebhookURL != "":
		return export.WebhookPlatform{URL: a.cfg.Share.WebhookURL, Client: &http.Client{Timeout: 15 * time.Second}}
	default:
		// An empty command reports no receiver, which surfaces as
		// "No compatible app found".
		return export.CommandPlatform{Command: a.cfg.Share.Command}
	}
}

// controller builds a pipeline over surface and restores the last
// snapshot. extra receives every notice in addition to the journal.
func (a *app) controller(surface capture.Surface, extra notify.Notifier) (*pipeline.Controller, error) {
	opts := export.Options{Logger: logging.Module(a.logger, "export")}
	if a.serving {
		opts.BaseURL = a.cfg.Share.BaseURL
	}
	dispatcher := export.NewDispatcher(a.platform(), a.grants, opts)
	ctrl, err := pipeline.New(pipeline.Options{
		Surface:    surface,
		Extractor:  extract.Async(extract.NewZXingDecoder()),
		Store:      a.store,
		Opener:     link.CommandOpener{Command: a.cfg.Link.Command, Logger: logging.Module(a.logger, "link")},
		Dispatcher: dispatcher,
		Gate:       a.gate,
		Notifier:   notify.Multi(a.journal, notify.LogNotifier{Logger: logging.Module(a.logger, "notify")}, extra),
		Logger:     a.logger,
		Telemetry:  a.tel,
	})
	if err != nil {
		return nil, err
	}
	snap, err := a.snapshots.Load(snapshotName)
	switch {
	case errors.Is(err, session.ErrCheckpointNotFound):
	case err != nil:
		a.logger.Warn("ignoring unreadable session snapshot", zap.Error(err))
	default:
		if err := ctrl.Restore(snap); err != nil {
			a.logger.Warn("ignoring session snapshot", zap.Error(err))
		}
	}
	return ctrl, nil
}

func (a *app) save(ctrl *pipeline.Controller) {
	snap, err := ctrl.Snapshot()
	if err != nil {
		a.logger.Warn("snapshot session", zap.Error(err))
		return
	}
	if _, err := a.snapshots.SaveCompact(snapshotName, snap); err != nil {
		a.logger.Warn("save session snapshot", zap.Error(err))
	}
}

// printer writes user-visible notices to the terminal.
func (a *app) printer() notify.Notifier {
	return notify.NotifierFunc(func(n notify.Notice) {
		if n.Kind == notify.KindReady || n.Kind == notify.KindShared {
			return
		}
		if n.Detail != "" && n.Kind == notify.KindNoCodeFound {
			fmt.Fprintln(a.out, n.Detail)
			return
		}
		fmt.Fprintln(a.out, n.Message)
	})
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	telemetry.SetDefault(nil)
	_ = a.journal.Close()
	_ = a.gate.Close()
	_ = a.logger.Sync()
}
