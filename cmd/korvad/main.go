// Command korvad is the Korva background service: it discovers UPnP
// MediaRenderers on the network, hosts local files for them under
// per-peer URL leases, and drives their AVTransport state machine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"korva/internal/config"
	"korva/internal/discovery"
	"korva/internal/icon"
	"korva/internal/ipc"
	"korva/internal/korvaerr"
	"korva/internal/middleware"
	"korva/internal/origin"
	"korva/internal/push"
	"korva/internal/renderer"
)

// App wires every spec component (A through G) into one running process,
// the way the teacher's cmd/server.App wires media.Manager + api.Handler.
type App struct {
	logger *slog.Logger
	cfg    *config.Config

	iconCache  *icon.Cache
	registry   *origin.Registry
	server     *origin.Server
	lister     *discovery.Lister
	controller *controller
}

func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	iconDir := cfg.Icon.Dir
	if iconDir == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user cache dir: %w", err)
		}
		iconDir = filepath.Join(userCacheDir, "korva", "icons")
	}
	iconCache, err := icon.New(iconDir, cfg.Icon.AssetsDir)
	if err != nil {
		return nil, fmt.Errorf("create icon cache: %w", err)
	}

	limiter := middleware.NewIPRateLimiter(context.Background(), cfg.HTTP.RateLimit.RequestsPerSecond, cfg.HTTP.RateLimit.Burst, false)
	events := renderer.NewEventSink()

	registry := origin.NewRegistry(cfg.Lease.IdleTimeout)
	server, err := origin.NewServer(cfg.HTTP.Addr, registry, logger.With("component", "origin"), limiter, events)
	if err != nil {
		return nil, korvaerr.New("korvad.NewApp", korvaerr.NoServer, err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	lister := discovery.NewLister(cfg.Discovery, logger.With("component", "discovery"), httpClient, iconCache, events, server.Port())

	coordinator := push.NewCoordinator(lister, registry, server, logger.With("component", "push"))

	ctrl := newController(lister, coordinator, iconCache, cfg.Push.RatePerMinute, cfg.Push.Burst)

	return &App{
		logger:     logger,
		cfg:        cfg,
		iconCache:  iconCache,
		registry:   registry,
		server:     server,
		lister:     lister,
		controller: ctrl,
	}, nil
}

// Run starts the origin server, the device lister and, when configured, the
// metrics exporter, and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives; it then waits for each of them to stop. The HTTP shutdowns are
// not bounded by a deadline.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wantMetrics := a.cfg.Metrics.Addr != ""
	workers := 2
	if wantMetrics {
		workers++
	}
	errCh := make(chan error, workers)

	go func() {
		a.logger.Info("origin server listening", "port", a.server.Port())
		if err := a.server.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("origin server: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		if err := a.lister.Run(ctx); err != nil {
			errCh <- fmt.Errorf("device lister: %w", err)
			return
		}
		errCh <- nil
	}()

	if wantMetrics {
		metricsSrv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: promhttp.Handler()}
		go func() {
			a.logger.Info("metrics exporter listening", "addr", a.cfg.Metrics.Addr)
			errCh <- runUntilCancelled(ctx, metricsSrv)
		}()
	}

	a.logger.Info("korvad started", "instance", a.cfg.InstanceID, "bus", ipc.BusName)

	var firstErr error
	for range workers {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.logger.Info("korvad stopped")
	return firstErr
}

// runUntilCancelled serves srv until ctx is cancelled, then shuts it down,
// mirroring the graceful-shutdown shape origin.Server.Serve uses.
func runUntilCancelled(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func main() {
	stderr := os.Stderr

	cfg := config.DefaultConfig()
	if err := config.ParseArgs(cfg, os.Args[1:], stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Logger.Level})
	logger := slog.New(logHandler).With("app", "korvad", "instance", cfg.InstanceID)

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		logger.Error("korvad exited with error", "error", err)
		os.Exit(1)
	}
}
