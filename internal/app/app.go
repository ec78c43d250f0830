// Package app assembles the stores, services and sinks shared by the server
// and the sweep command from one Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gatehouse/internal/audit"
	"gatehouse/internal/notify"
	"gatehouse/internal/platform/config"
	"gatehouse/internal/platform/database"
	"gatehouse/internal/platform/health"
	"gatehouse/internal/platform/kafka/producer"
	redisclient "gatehouse/internal/platform/redis"
	"gatehouse/internal/policy"
	"gatehouse/internal/scheduler"
	sgmetrics "gatehouse/internal/stagegate/metrics"
	sgservice "gatehouse/internal/stagegate/service"
	sgstore "gatehouse/internal/stagegate/store"
	vaultmetrics "gatehouse/internal/vault/metrics"
	"gatehouse/internal/vault/probe"
	vaultservice "gatehouse/internal/vault/service"
	vaultstore "gatehouse/internal/vault/store"
	"gatehouse/migrations"
	"gatehouse/pkg/platform/circuit"
	"gatehouse/pkg/secrets"
)

// App holds the assembled dependencies. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Rules    policy.Rules

	DB    *database.Pool
	Redis *redisclient.Client

	Audit      audit.Store
	Vault      *vaultservice.Service
	Gate       *sgservice.Service
	Scheduler  *scheduler.Service
	Dispatcher *notify.Dispatcher
	Health     *health.Handler

	closers []func()
}

// New connects to the configured backends and builds every service. Without
// DATABASE_URL the stores are in memory; without REDIS_URL the probe counter
// is in memory and the Asynq sink is unavailable.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   health.New(cfg.Env),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if a.Rules, err = cfg.Rules(); err != nil {
		return nil, err
	}
	if err = a.connect(ctx); err != nil {
		return nil, err
	}

	digester, err := secrets.NewDigester([]byte(cfg.DigestKey))
	if err != nil {
		return nil, fmt.Errorf("grant digest key: %w", err)
	}
	guard, err := a.probeGuard()
	if err != nil {
		return nil, err
	}
	a.Dispatcher, err = a.dispatcher()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Dispatcher.Close)

	vm := vaultmetrics.New(a.Registry)
	sm := sgmetrics.New(a.Registry)

	var (
		vaultTx vaultservice.StoreTx
		grants  vaultservice.Store
		gateTx  sgservice.StoreTx
		cands   sgservice.Store
	)
	if a.DB != nil {
		a.Audit = audit.NewPostgres(a.DB.DB())
		vaultTx, grants = newVaultPostgresTx(a.DB.DB()), vaultstore.NewPostgres(a.DB.DB())
		gateTx, cands = newStagegatePostgresTx(a.DB.DB()), sgstore.NewPostgres(a.DB.DB())
	} else {
		auditStore := audit.NewInMemoryStore()
		memGrants, memCands := vaultstore.NewInMemory(), sgstore.NewInMemory()
		a.Audit = auditStore
		vaultTx, grants = vaultservice.NewShardedTx(memGrants, auditStore, vm), memGrants
		gateTx, cands = sgservice.NewShardedTx(memCands, auditStore, sm), memCands
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	vaultOpts := []vaultservice.Option{
		vaultservice.WithLogger(logger),
		vaultservice.WithMetrics(vm),
		vaultservice.WithAuditStore(a.Audit),
	}
	if guard != nil {
		vaultOpts = append(vaultOpts, vaultservice.WithProbeGuard(guard))
	}
	if a.Vault, err = vaultservice.New(vaultTx, grants, digester, a.Rules, vaultOpts...); err != nil {
		return nil, err
	}

	a.Gate, err = sgservice.New(gateTx, cands, a.Vault, a.Rules,
		sgservice.WithLogger(logger),
		sgservice.WithMetrics(sm),
		sgservice.WithEmitter(a.Dispatcher),
	)
	if err != nil {
		return nil, err
	}

	a.Scheduler, err = scheduler.New(a.Vault, a.Rules,
		scheduler.WithLogger(logger),
		scheduler.WithEmitter(a.Dispatcher),
		scheduler.WithMetrics(scheduler.NewMetrics(a.Registry)),
		scheduler.WithReissueOnExpiry(cfg.ReissueOnExpiry),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	pool, err := database.New(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	if pool != nil {
		a.DB = pool
		a.closers = append(a.closers, func() { _ = pool.Close() })
		a.Health.RegisterCheck("postgres", pool.Health)
		if a.Config.Database.Migrate {
			if err := migrations.Apply(ctx, pool.DB()); err != nil {
				return err
			}
		}
	}

	rc, err := redisclient.New(ctx, a.Config.Redis, a.Registry)
	if err != nil {
		return err
	}
	if rc != nil {
		a.Redis = rc
		a.closers = append(a.closers, func() { _ = rc.Close() })
		a.Health.RegisterCheck("redis", rc.Health)
	}
	return nil
}

func (a *App) probeGuard() (*probe.Guard, error) {
	if a.Config.ProbeThreshold <= 0 {
		return nil, nil
	}
	var counter probe.Counter
	if a.Redis != nil {
		counter = probe.NewRedisCounter(a.Redis.Client)
	} else {
		counter = probe.NewMemoryCounter(time.Now)
	}
	return probe.NewGuard(counter, a.Config.ProbeThreshold, a.Config.ProbeWindow)
}

// dispatcher builds the notification sinks: Kafka when brokers are set (with
// the log sink as breaker fallback), Asynq when enabled, otherwise the log sink.
func (a *App) dispatcher() (*notify.Dispatcher, error) {
	cfg := a.Config
	logSink := notify.NewLogSink(a.Logger)

	var sinks []notify.Sink
	if cfg.Kafka.Brokers != "" {
		p, err := producer.New(cfg.Kafka, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { p.Close(5 * time.Second) })
		a.Health.RegisterCheck("kafka", p.Health)
		breaker := circuit.New("kafka-notify",
			circuit.WithStateChange(func(name string, from, to circuit.State) {
				a.Logger.Warn("circuit state changed", "circuit", name, "from", from.String(), "to", to.String())
			}),
		)
		sinks = append(sinks, notify.NewKafkaSink(p, cfg.Kafka.Topic,
			notify.WithBreaker(breaker),
			notify.WithFallback(logSink),
		))
	}
	if cfg.NotifyAsynq {
		if a.Redis == nil {
			return nil, errors.New("NOTIFY_ASYNQ requires REDIS_URL")
		}
		opts := a.Redis.Options()
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     opts.Addr,
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		sinks = append(sinks, notify.NewAsynqSink(client, cfg.NotifyAsynqQueue))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, logSink)
	}

	return notify.NewDispatcher(sinks,
		notify.WithBuffer(cfg.NotifyBuffer),
		notify.WithRate(cfg.NotifyRate),
		notify.WithLogger(a.Logger),
		notify.WithMetrics(notify.NewMetrics(a.Registry)),
	), nil
}

// Close flushes the dispatcher and closes backends. Safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
