package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"gatehouse/internal/app"
	"gatehouse/internal/platform/config"
	"gatehouse/internal/platform/logger"
	"gatehouse/internal/scheduler"
	"gatehouse/internal/session"
	httptransport "gatehouse/internal/transport/http"
	"gatehouse/pkg/platform/middleware/request"
)

const (
	shutdownTimeout   = 10 * time.Second
	poolStatsInterval = 15 * time.Second
)

// main wires high-level dependencies, exposes the HTTP router and runs the
// lifecycle sweeps next to it. Business logic lives in internal service packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("json", "info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	log.Info("initializing gatehouse",
		"addr", cfg.Addr,
		"env", cfg.Env,
		"postgres", a.DB != nil,
		"redis", a.Redis != nil,
	)

	sessions, err := session.New(cfg.SessionSigningKey, "gatehouse", "gatehouse-candidate", cfg.SessionTTL)
	if err != nil {
		log.Error("invalid session configuration", "error", err)
		os.Exit(1)
	}
	trusted, err := cfg.ParsedTrustedProxies()
	if err != nil {
		log.Error("invalid trusted proxies", "error", err)
		os.Exit(1)
	}

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Staff:            httptransport.NewStaffHandler(a.Gate, a.Vault, a.Audit, log),
		Candidate:        httptransport.NewCandidateHandler(a.Vault, sessions, a.Gate, log),
		Health:           a.Health,
		Sessions:         sessions,
		Logger:           log,
		Metrics:          request.NewMetrics(a.Registry),
		TrustedProxies:   trusted,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		AccessRateLimit:  cfg.AccessRateLimit,
		AccessRateWindow: cfg.AccessRateWindow,
		Production:       cfg.IsProduction(),
		MetricsHandler:   promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
	})

	runner, err := scheduler.NewRunner(a.Scheduler,
		scheduler.WithExpiryInterval(cfg.ExpiryInterval),
		scheduler.WithReminderInterval(cfg.ReminderInterval),
		scheduler.WithRunOnStart(true),
		scheduler.WithRunnerLogger(log),
	)
	if err != nil {
		log.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return runner.Start(gctx)
	})
	if a.Redis != nil {
		g.Go(func() error {
			ticker := time.NewTicker(poolStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					a.Redis.RecordPoolStats()
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		a.Close()
		os.Exit(1) //nolint:gocritic // Close called explicitly above
	}
	log.Info("server stopped")
}
