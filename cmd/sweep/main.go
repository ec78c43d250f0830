// Command sweep runs one expiry sweep and one reminder sweep and exits. It is
// meant for cron or a Kubernetes CronJob when the server's own loops are off.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatehouse/internal/app"
	"gatehouse/internal/platform/config"
	"gatehouse/internal/platform/logger"
	"gatehouse/internal/scheduler"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "abort the sweep after this long")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.New("json", "info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	code := run(ctx, cfg, log)
	cancel()
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize", "error", err)
		return 1
	}
	// Close flushes queued notifications before exit.
	defer a.Close()

	runner, err := scheduler.NewRunner(a.Scheduler, scheduler.WithRunnerLogger(log))
	if err != nil {
		log.Error("failed to build scheduler", "error", err)
		return 1
	}
	expiry, reminders, err := runner.RunOnce(ctx)
	log.Info("sweep finished",
		"expired", expiry.Expired,
		"reissued", expiry.Reissued,
		"scanned", reminders.Scanned,
		"extended", reminders.Extended,
		"reminders", reminders.Reminders,
		"failed", expiry.Failed+reminders.Failed,
	)
	if err != nil {
		log.Error("sweep completed with failures", "error", err)
		return 1
	}
	return 0
}
