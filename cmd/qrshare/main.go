// Command qrshare scans QR codes from images, opens the decoded link and
// shares the image with its link.
//
// Usage:
//
//	qrshare scan [-config file] <image>
//	qrshare watch [-config file] <dir>
//	qrshare share [-config file]
//	qrshare serve [-config file] [-addr :8080]
//	qrshare grant [-config file] [-approve id | -reject id | -all | -compact]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/godeps/qrshare/pkg/api"
	"github.com/godeps/qrshare/pkg/capture"
	"github.com/godeps/qrshare/pkg/notify"
	"github.com/godeps/qrshare/pkg/permission"
	"github.com/godeps/qrshare/pkg/pipeline"
)

const (
	exitOK         = 0
	exitFailed     = 1
	exitUsage      = 2
	exitPermission = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "scan":
		return runScan(ctx, rest, stdout, stderr)
	case "watch":
		return runWatch(ctx, rest, stdout, stderr)
	case "share":
		return runShare(ctx, rest, stdout, stderr)
	case "serve":
		return runServe(ctx, rest, stdout, stderr)
	case "grant":
		return runGrant(ctx, rest, stdout, stderr)
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: qrshare <command> [flags]

commands:
  scan <image>   decode a QR code from an image file, open its link and keep it for sharing
  watch <dir>    scan every image dropped into dir
  share          share the last scanned image with its link
  serve          run the HTTP API
  grant          list, approve, reject or compact camera/storage permission requests`)
}

func newFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", os.Getenv("QRSHARE_CONFIG"), "path to YAML config")
	return fs, cfgPath
}

func runScan(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlags("scan", stderr)
	timeout := fs.Duration("timeout", 30*time.Second, "maximum time to wait for decoding")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "scan: expected exactly one image path")
		return exitUsage
	}
	a, err := newApp(ctx, *cfgPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return exitFailed
	}
	defer a.Close()

	ctrl, err := a.controller(capture.FileSurface{Path: fs.Arg(0)}, a.printer())
	if err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return exitFailed
	}
	defer ctrl.Close()

	code := scanOnce(ctx, a, ctrl, *timeout, stderr)
	a.save(ctrl)
	return code
}

// scanOnce runs one capture cycle and reports its outcome.
func scanOnce(ctx context.Context, a *app, ctrl *pipeline.Controller, timeout time.Duration, stderr io.Writer) int {
	gen, err := ctrl.Capture(ctx)
	var perr *pipeline.PermissionError
	switch {
	case errors.As(err, &perr):
		fmt.Fprintf(stderr, "permission request %s pending; approve with: qrshare grant -approve %s\n", perr.Request.ID, perr.Request.ID)
		return exitPermission
	case errors.Is(err, pipeline.ErrCaptureCancelled):
		a.logger.Debug("capture cancelled", zap.Error(err))
		return exitFailed
	case err != nil:
		fmt.Fprintf(stderr, "capture: %v\n", err)
		return exitFailed
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := ctrl.Wait(waitCtx, gen)
	if err != nil {
		fmt.Fprintf(stderr, "wait: %v\n", err)
		return exitFailed
	}
	if out.State != pipeline.StateReady {
		return exitFailed
	}
	fmt.Fprintln(a.out, out.URL)
	return exitOK
}

func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlags("watch", stderr)
	timeout := fs.Duration("timeout", 30*time.Second, "maximum time to wait for decoding each image")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "watch: expected exactly one directory")
		return exitUsage
	}
	a, err := newApp(ctx, *cfgPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return exitFailed
	}
	defer a.Close()

	inbox, err := capture.NewInboxSurface(fs.Arg(0), a.logger)
	if err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return exitFailed
	}
	defer inbox.Close()

	ctrl, err := a.controller(inbox, a.printer())
	if err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return exitFailed
	}
	defer ctrl.Close()

	a.logger.Info("watching for images", zap.String("dir", inbox.Dir()))
	for ctx.Err() == nil {
		if code := scanOnce(ctx, a, ctrl, *timeout, stderr); code == exitPermission {
			return code
		}
		a.save(ctrl)
	}
	return exitOK
}

func runShare(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlags("share", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	a, err := newApp(ctx, *cfgPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "share: %v\n", err)
		return exitFailed
	}
	defer a.Close()

	// Share never captures; the surface only exists to satisfy the controller.
	ctrl, err := a.controller(capture.NewStaticSurface(), a.printer())
	if err != nil {
		fmt.Fprintf(stderr, "share: %v\n", err)
		return exitFailed
	}
	defer ctrl.Close()

	intent, err := ctrl.Share(ctx)
	if err != nil {
		return exitFailed
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(intent)
	return exitOK
}

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlags("serve", stderr)
	addr := fs.String("addr", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	a, err := newApp(ctx, *cfgPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return exitFailed
	}
	defer a.Close()

	a.serving = true
	uploads := capture.NewStaticSurface()
	var ctrl *pipeline.Controller
	// Persist the session whenever a cycle becomes share-ready.
	saver := notify.NotifierFunc(func(n notify.Notice) {
		if n.Kind == notify.KindReady && ctrl != nil {
			a.save(ctrl)
		}
	})
	ctrl, err = a.controller(uploads, saver)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return exitFailed
	}
	defer ctrl.Close()

	srv, err := api.New(api.Options{
		Controller:  ctrl,
		Uploads:     uploads,
		Store:       a.store,
		Grants:      a.grants,
		Gate:        a.gate,
		Journal:     a.journal,
		WaitTimeout: a.cfg.HTTP.WaitTimeout,
		MaxUpload:   a.cfg.HTTP.MaxUpload,
		Logger:      a.logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return exitFailed
	}
	listen := a.cfg.HTTP.Addr
	if *addr != "" {
		listen = *addr
	}
	server := &http.Server{
		Addr:              listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", zap.String("addr", listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.Error("server stopped unexpectedly", zap.Error(err))
			return exitFailed
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("graceful shutdown failed", zap.Error(err))
		return exitFailed
	}
	a.save(ctrl)
	a.logger.Info("server exited cleanly")
	return exitOK
}

func runGrant(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlags("grant", stderr)
	approve := fs.String("approve", "", "approve the pending request with this id")
	reject := fs.String("reject", "", "reject the pending request with this id")
	all := fs.Bool("all", false, "grant camera and storage-write outright")
	subject := fs.String("subject", pipeline.DefaultSubject, "permission subject")
	comment := fs.String("comment", "", "comment stored with the decision")
	compact := fs.Bool("compact", false, "drop expired decisions from the permission log")
	keepDays := fs.Int("keep-days", 30, "with -compact, keep decisions newer than this many days")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	a, err := newApp(ctx, *cfgPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "grant: %v\n", err)
		return exitFailed
	}
	defer a.Close()

	var out any
	switch {
	case *approve != "":
		out, err = a.gate.Approve(*approve, *comment)
	case *reject != "":
		out, err = a.gate.Reject(*reject, *comment)
	case *all:
		out, err = a.gate.GrantAll(*subject, permission.CaptureCapabilities...)
	case *compact:
		out, err = a.records.Compact(permission.WithRetentionDays(*keepDays))
	default:
		out = a.gate.Pending(*subject)
	}
	if err != nil {
		fmt.Fprintf(stderr, "grant: %v\n", err)
		return exitFailed
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return exitOK
}
