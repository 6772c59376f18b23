// Package app wires the pipeline engine to its surroundings: logging,
// the status HTTP server, configuration watching and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"meshflow/internal/config"
	"meshflow/internal/pipeline"
	"meshflow/pkg/tracing"
)

// App owns the process-level pieces shared by every CLI command.
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	Driver *pipeline.Driver
	Tracer *tracing.Manager

	httpServer *http.Server
	watcher    *fsnotify.Watcher

	mu      sync.Mutex
	watched []pipeline.Algorithm
}

// New builds the application from a loaded configuration.
func New(cfg *config.Config) (*App, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	tracer, err := tracing.NewManager(cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}

	driver := pipeline.NewDriver(logger, tracer)
	driver.PoolSize = cfg.Pipeline.PoolSize

	return &App{
		Config: cfg,
		Logger: logger,
		Driver: driver,
		Tracer: tracer,
	}, nil
}

// StartServer exposes /metrics and /healthz when the server is enabled.
func (a *App) StartServer() {
	if !a.Config.Server.Enabled {
		return
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	a.httpServer = &http.Server{Addr: addr, Handler: r}
	go func() {
		a.Logger.WithFields(logrus.Fields{
			"component": "server",
			"addr":      addr,
		}).Info("Status server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.WithField("error", err.Error()).Error("Status server failed")
		}
	}()
}

// WatchConfig re-reads nothing itself; it marks the registered stages
// modified whenever the file changes, so the next update re-reports.
func (a *App) WatchConfig(path string, stages ...pipeline.Algorithm) error {
	if !a.Config.Pipeline.WatchConfig || path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	a.watcher = w
	a.mu.Lock()
	a.watched = append(a.watched, stages...)
	a.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				a.Logger.WithFields(logrus.Fields{
					"component": "app",
					"path":      ev.Name,
				}).Info("Configuration changed, invalidating stage caches")
				a.mu.Lock()
				for _, s := range a.watched {
					a.Driver.SetModified(s)
				}
				a.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.Logger.WithField("error", err.Error()).Warn("Config watcher error")
			}
		}
	}()
	return nil
}

// SignalContext returns a context canceled on SIGINT/SIGTERM.
func (a *App) SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			a.Logger.WithField("signal", sig.String()).Info("Shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

// Shutdown flushes and releases everything the app holds.
func (a *App) Shutdown() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.httpServer.Shutdown(ctx)
		cancel()
	}
	a.Driver.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.Tracer.Shutdown(ctx); err != nil {
		a.Logger.WithField("error", err.Error()).Warn("Tracer shutdown failed")
	}
	cancel()
}
