package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"catalog-ingest/internal/adapters"
	"catalog-ingest/internal/claim"
	"catalog-ingest/internal/config"
	"catalog-ingest/internal/dispatch"
	"catalog-ingest/internal/ingest"
	"catalog-ingest/internal/logging"
	"catalog-ingest/internal/metrics"
	"catalog-ingest/internal/notify"
	"catalog-ingest/internal/processor"
	"catalog-ingest/internal/store"
	"catalog-ingest/internal/store/postgres"
	"catalog-ingest/internal/worker"
)

// app holds the components shared by every command.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	store   store.Store
	pg      *postgres.Store
	adapter adapters.MarketplaceAdapter
	redis   *redis.Client
	notify  notify.Notifier

	closers []func()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags(); f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f := cmd.Flags(); f.Changed("log-json") {
		cfg.Log.JSON, _ = f.GetBool("log-json")
	}
	if f := cmd.Flags(); f.Changed("metrics") {
		cfg.MetricsAddr, _ = f.GetString("metrics")
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &app{cfg: cfg, log: logging.New(cfg.Log.Level, cfg.Log.JSON), metrics: metrics.New()}
	metrics.Serve(ctx, cfg.MetricsAddr, a.metrics, logging.Component(a.log, "metrics"))

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Release: version}); err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
		a.closers = append(a.closers, func() { sentry.Flush(2 * time.Second) })
	}

	if cfg.Postgres.DSN != "" {
		pool, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.ViaBouncer)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		pg, err := postgres.New(pool, cfg.Postgres.Schema, logging.Component(a.log, "postgres"))
		if err != nil {
			a.close()
			return nil, err
		}
		a.pg, a.store = pg, pg
	} else {
		a.log.Warn().Msg("PG_DSN not set; using the in-process store, nothing outlives this run")
		a.store = store.NewMemory()
	}

	if cfg.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
	}

	adapter, err := adapters.NewAdapter(adapters.Options{
		Kind: cfg.Marketplace.Adapter,
		HTTP: adapters.HTTPJSONAdapterOptions{
			BaseURL:   cfg.Marketplace.BaseURL,
			APIKey:    cfg.Marketplace.APIKey,
			UserAgent: "catalog-ingest/" + version,
			Timeout:   cfg.Marketplace.Timeout.D(),
			RPS:       cfg.Marketplace.RPS,
			RetryMax:  cfg.Marketplace.RetryMax,
			Metrics:   a.metrics,
		},
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.adapter = adapter

	ns := []notify.Notifier{notify.Log{L: logging.Component(a.log, "events")}}
	if a.redis != nil {
		ns = append(ns, notify.NewRedis(a.redis, cfg.NotifyChannel))
	}
	if cfg.SentryDSN != "" {
		ns = append(ns, notify.NewSentry(nil))
	}
	a.notify = notify.NewFanout(a.log, ns...)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) processor() *processor.Processor {
	return processor.New(a.store, a.adapter,
		processor.WithLogger(logging.Component(a.log, "processor")),
		processor.WithMetrics(a.metrics),
		processor.WithNotifier(a.notify),
	)
}

func (a *app) worker() *worker.Worker {
	c := a.cfg
	engine := claim.New(a.store,
		claim.WithOrphanAfter(c.Claim.OrphanAfter.D()),
		claim.WithMaxRounds(c.Claim.Rounds),
		claim.WithLogger(logging.Component(a.log, "claim")),
		claim.WithMetrics(a.metrics),
	)
	return worker.New(engine, a.processor(), a.store, worker.Options{
		ID:     c.Worker.ID,
		Limit:  c.Claim.Limit,
		Budget: c.Worker.Budget.D(),
		Buffer: c.Worker.Buffer.D(),
		Loops:  c.Worker.Loops,
	}, worker.WithLogger(logging.Component(a.log, "worker")), worker.WithMetrics(a.metrics))
}

// runner picks the dispatch backend: redis slots when configured, otherwise
// drain goroutines in this process.
func (a *app) runner(ctx context.Context) (dispatch.Runner, func()) {
	if a.redis != nil {
		return dispatch.NewRedisRunner(a.redis, dispatch.RedisRunnerOptions{
			Prefix:    a.cfg.Dispatch.Prefix,
			MaxActive: a.cfg.Dispatch.Max,
			Lease:     a.cfg.Worker.Budget.D() + time.Minute,
		}), func() {}
	}
	local := dispatch.NewLocalRunner(ctx, a.cfg.Dispatch.Max, func(ctx context.Context, h dispatch.Handle, p dispatch.Payload) error {
		_, err := a.worker().Drain(ctx, p.SellerID)
		return err
	}, logging.Component(a.log, "dispatch"))
	return local, local.Wait
}

func (a *app) orchestrator(ctx context.Context) (*ingest.Orchestrator, func()) {
	r, wait := a.runner(ctx)
	d := dispatch.New(r, a.cfg.Dispatch.Max, logging.Component(a.log, "dispatch"), a.metrics)
	return ingest.New(a.store, a.adapter, a.processor(), d,
		ingest.WithPolicy(a.cfg.Policy()),
		ingest.WithRequester(a.cfg.Marketplace.Requester),
		ingest.WithLogger(logging.Component(a.log, "ingest")),
		ingest.WithMetrics(a.metrics),
		ingest.WithNotifier(a.notify),
	), wait
}

var errNeedsPostgres = errors.New("this command needs PG_DSN")
