package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/counter"
	redisstore "github.com/ineyio/imagegate/counter/redis"
	"github.com/ineyio/imagegate/credit"
	pgstore "github.com/ineyio/imagegate/credit/postgres"
	"github.com/ineyio/imagegate/httpapi"
	"github.com/ineyio/imagegate/meter"
	"github.com/ineyio/imagegate/meter/otelmeter"
	"github.com/ineyio/imagegate/provider/gemini"
	"github.com/ineyio/imagegate/provider/replicate"
)

// app holds the wired gateway and everything that must be released on exit.
type app struct {
	gateway *imagegate.Gateway
	metrics *otelmeter.Meter
	checks  map[string]httpapi.Healthcheck
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{checks: make(map[string]httpapi.Healthcheck)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	registry, err := cfg.registry()
	if err != nil {
		return nil, err
	}

	counters, err := a.counterStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	admission, err := imagegate.NewAdmission(counters, cfg.Limits, imagegate.WithAdmissionLogger(logger))
	if err != nil {
		return nil, err
	}

	store, err := a.ledgerStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	ledger, err := imagegate.NewLedger(store, imagegate.WithLedgerLogger(logger))
	if err != nil {
		return nil, err
	}

	providers, err := newProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	meters := meter.Multi{meter.NewLogMeter(logger)}
	if cfg.MetricsEnabled {
		a.metrics, err = otelmeter.New()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := a.metrics.Shutdown(context.Background()); err != nil {
				logger.Warn("metrics shutdown failed", slog.String("error", err.Error()))
			}
		})
		meters = append(meters, a.metrics)
	}

	a.gateway, err = imagegate.NewGateway(registry, admission, ledger, providers,
		imagegate.WithLogger(logger),
		imagegate.WithMeter(meters),
		imagegate.WithIPSalt(cfg.IPSalt),
		imagegate.WithDefaultModel(cfg.DefaultModel),
		imagegate.WithByteLimits(cfg.ByteLimits),
		imagegate.WithProviderTimeout(cfg.ProviderTimeout),
		imagegate.WithRefundTimeout(cfg.RefundTimeout),
		imagegate.WithRetryOptions(cfg.retryOptions()),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) counterStore(ctx context.Context, cfg Config, logger *slog.Logger) (imagegate.CounterStore, error) {
	if cfg.CounterBackend == backendMemory {
		logger.Warn("using in-memory admission counters, limits are per process")
		return counter.NewMemoryStore(), nil
	}

	client, err := redisstore.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { closeRedis(client, logger) })
	a.checks["redis"] = redisstore.Healthcheck(client)
	return redisstore.New(client), nil
}

func (a *app) ledgerStore(ctx context.Context, cfg Config, logger *slog.Logger) (imagegate.LedgerStore, error) {
	if cfg.LedgerBackend == backendMemory {
		store := credit.NewMemoryStore()
		for owner, balance := range cfg.MemoryAccounts {
			store.SetBalance(owner, balance)
		}
		logger.Warn("using in-memory credit ledger, balances are lost on restart",
			slog.Int("accounts", len(cfg.MemoryAccounts)))
		return store, nil
	}

	pool, err := pgstore.Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	a.checks["postgres"] = pgstore.Healthcheck(pool)

	if cfg.AutoMigrate {
		if err := pgstore.Migrate(ctx, pool, logger); err != nil {
			return nil, err
		}
	}
	return pgstore.New(pool), nil
}

func newProviders(ctx context.Context, cfg Config) ([]imagegate.Provider, error) {
	var providers []imagegate.Provider
	if cfg.ReplicateToken != "" {
		providers = append(providers, replicate.New(cfg.ReplicateToken))
	}
	if cfg.GeminiAPIKey != "" {
		p, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, errors.New("at least one of REPLICATE_API_TOKEN or GEMINI_API_KEY is required")
	}
	return providers, nil
}

func closeRedis(client *goredis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("redis close failed", slog.String("error", err.Error()))
	}
}
