package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/studio/internal/config"
	"github.com/ent0n29/studio/internal/httpapi"
	"github.com/ent0n29/studio/internal/notify"
	"github.com/ent0n29/studio/internal/observability"
	"github.com/ent0n29/studio/internal/session"
	"github.com/ent0n29/studio/internal/synth"
	"github.com/ent0n29/studio/internal/taskruntime"
	"github.com/ent0n29/studio/internal/tasks"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	TaskService *taskruntime.Service
	Hub         *notify.Hub
	Metrics     *observability.Metrics
	Logger      *slog.Logger

	// Cleanup releases the queue and session store connections.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	queue, err := tasks.NewQueue(ctx, tasks.QueueConfig{
		Backend:      cfg.QueueBackend,
		DatabaseURL:  cfg.DatabaseURL,
		SQLitePath:   cfg.SQLitePath,
		PollInterval: cfg.QueuePollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("task queue init failed: %w", err)
	}

	store, err := session.NewStore(ctx, session.StoreConfig{
		Backend:     cfg.SessionBackend,
		DatabaseURL: cfg.DatabaseURL,
		TTL:         cfg.SessionTTL,
	})
	if err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	synthesizer, err := synth.New(ctx, synth.Config{
		Provider:      cfg.SynthProvider,
		Model:         cfg.SynthModel,
		APIKey:        cfg.SynthAPIKey,
		BaseURL:       cfg.SynthBaseURL,
		RatePerSecond: cfg.SynthRatePerSecond,
		Burst:         cfg.SynthBurst,
		Timeout:       cfg.TaskTimeout,
		MockDelay:     cfg.SynthMockDelay,
	}, logger, metrics)
	if err != nil {
		_ = store.Close()
		_ = queue.Close()
		return nil, fmt.Errorf("synthesizer init failed: %w", err)
	}

	sessions := session.NewManager(store, session.Config{
		HistoryLimit:     cfg.HistoryLimit,
		EditHistoryLimit: cfg.EditHistoryLimit,
		DefaultSettings: session.Settings{
			Model: cfg.DefaultModel,
			Size:  cfg.DefaultSize,
			Style: cfg.DefaultStyle,
		},
	}, logger.With("component", "session"), metrics)

	hub := notify.NewHub(cfg.NotifyBuffer, metrics)

	taskService := taskruntime.New(taskruntime.Config{
		PopWait:     cfg.QueuePopWait,
		Backoff:     cfg.WorkerBackoff,
		MaxBackoff:  cfg.WorkerMaxBackoff,
		LeakyCancel: cfg.QueueLeakyCancel,
	}, queue, sessions, synthesizer, hub, metrics, logger)

	api := httpapi.New(cfg, sessions, taskService, hub, metrics, logger)

	cleanup := func() error {
		var errs []string
		if err := queue.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		TaskService: taskService,
		Hub:         hub,
		Metrics:     metrics,
		Logger:      logger,
		Cleanup:     cleanup,
	}, nil
}

// Run serves HTTP on ln and runs the task worker, the session janitor and
// the queue status broadcaster until ctx is cancelled, then shuts the HTTP
// server down within the configured timeout.
func (b *BuildResult) Run(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           b.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.Logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return b.TaskService.Run(gctx)
	})

	g.Go(func() error {
		notify.RunStatusBroadcaster(gctx, b.Hub, b.Config.StatusBroadcastInterval, b.TaskService.QueueStatus, b.Logger)
		return nil
	})

	b.Sessions.StartJanitor(gctx, b.Config.SessionJanitorInterval)

	g.Go(func() error {
		<-gctx.Done()
		b.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			b.Logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})

	return g.Wait()
}
