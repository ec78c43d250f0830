package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper is what Runner schedules. *Service implements it.
type Sweeper interface {
	SweepExpiry(ctx context.Context) (ExpiryResult, error)
	SweepReminders(ctx context.Context) (ReminderResult, error)
}

// Runner drives the two sweeps on independent tickers until its context ends.
type Runner struct {
	sweeper        Sweeper
	expiryEvery    time.Duration
	reminderEvery  time.Duration
	runImmediately bool
	logger         *slog.Logger
}

type RunnerOption func(*Runner)

// WithExpiryInterval overrides the expiry interval when greater than zero.
func WithExpiryInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.expiryEvery = d
		}
	}
}

// WithReminderInterval overrides the reminder interval when greater than zero.
func WithReminderInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.reminderEvery = d
		}
	}
}

// WithRunOnStart runs both sweeps once before the first tick.
func WithRunOnStart(enabled bool) RunnerOption {
	return func(r *Runner) {
		r.runImmediately = enabled
	}
}

func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRunner(sweeper Sweeper, opts ...RunnerOption) (*Runner, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper is required")
	}
	r := &Runner{
		sweeper:       sweeper,
		expiryEvery:   time.Minute,
		reminderEvery: 24 * time.Hour,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Start blocks until ctx is cancelled. Sweep errors are logged and never stop
// the loops.
func (r *Runner) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.loop(ctx, sweepExpiry, r.expiryEvery, r.expiry)
	})
	g.Go(func() error {
		return r.loop(ctx, sweepReminders, r.reminderEvery, r.reminders)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce runs the expiry sweep and then the reminder sweep.
func (r *Runner) RunOnce(ctx context.Context) (ExpiryResult, ReminderResult, error) {
	exp, expErr := r.sweeper.SweepExpiry(ctx)
	rem, remErr := r.sweeper.SweepReminders(ctx)
	return exp, rem, errors.Join(expErr, remErr)
}

func (r *Runner) loop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) error) error {
	if r.runImmediately {
		r.run(ctx, name, sweep)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.run(ctx, name, sweep)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) run(ctx context.Context, name string, sweep func(context.Context) error) {
	if err := sweep(ctx); err != nil {
		r.logger.ErrorContext(ctx, "scheduler sweep failed", "sweep", name, "error", err)
	}
}

func (r *Runner) expiry(ctx context.Context) error {
	res, err := r.sweeper.SweepExpiry(ctx)
	if res.Expired > 0 || res.Failed > 0 {
		r.logger.InfoContext(ctx, "expiry sweep finished",
			"expired", res.Expired, "reissued", res.Reissued, "failed", res.Failed)
	}
	return err
}

func (r *Runner) reminders(ctx context.Context) error {
	res, err := r.sweeper.SweepReminders(ctx)
	r.logger.InfoContext(ctx, "reminder sweep finished",
		"scanned", res.Scanned, "extended", res.Extended, "reminders", res.Reminders, "failed", res.Failed)
	return err
}
