package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/labdesk-api/internal/bill"
	"github.com/noah-isme/labdesk-api/internal/catalog"
	"github.com/noah-isme/labdesk-api/internal/common"
	"github.com/noah-isme/labdesk-api/internal/config"
	"github.com/noah-isme/labdesk-api/internal/db"
	"github.com/noah-isme/labdesk-api/internal/events"
	"github.com/noah-isme/labdesk-api/internal/health"
	"github.com/noah-isme/labdesk-api/internal/lock"
	"github.com/noah-isme/labdesk-api/internal/obs"
	"github.com/noah-isme/labdesk-api/internal/ratelimit"
	"github.com/noah-isme/labdesk-api/internal/report"
	"github.com/noah-isme/labdesk-api/internal/resilience"
)

const serviceName = "labdesk-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:   serviceName,
		Endpoint:      cfg.TracingEndpoint,
		SamplingRatio: cfg.TracingSampleRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		cfg.TracingEnabled = false
	}
	defer func() {
		if shutdownTracer == nil {
			return
		}
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()
	redisClient := mustRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBucketsMS), registry)
	}
	billingMetrics := obs.NewBillingMetrics(cfg.MetricsNamespace, registry)

	catalogLogger := logger.With().Str("component", "catalog").Logger()
	cacheBreaker := resilience.NewBreaker("catalog_cache", 5, 0.5, 30*time.Second).
		WithMetrics(resilience.NewBreakerMetrics(cfg.MetricsNamespace, registry)).
		WithLogger(catalogLogger)
	tests := catalog.CachedLookup{
		Next:    catalog.PGStore{Pool: pool},
		Client:  redisClient,
		TTL:     cfg.CatalogCacheTTL,
		Logger:  catalogLogger,
		Breaker: cacheBreaker,
	}
	bus := &events.Bus{
		Store:     events.PGStore{Pool: pool},
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger.With().Str("component", "events").Logger()}},
	}
	billSvc := &bill.Service{
		Store:        bill.PGStore{Pool: pool},
		Catalog:      tests,
		Events:       bus,
		Locker:       lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		Metrics:      billingMetrics,
		Logger:       logger.With().Str("component", "bill").Logger(),
		Currency:     cfg.CurrencyCode,
		NumberPrefix: cfg.BillNumberPrefix,
		LockTTL:      cfg.SettlementLockTTL,
		Location:     cfg.Location,
	}

	writes, err := writeLimiter(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	healthHandler := &health.Handler{Checks: []health.Check{
		{Name: "database", Timeout: cfg.HealthDBTimeout, Ping: pool.Ping},
		{Name: "redis", Timeout: cfg.HealthRedisTimeout, Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}}

	handler := newRouter(routes{
		cfg:         cfg,
		logger:      logger,
		gatherer:    registry,
		httpMetrics: httpMetrics,
		health:      healthHandler,
		catalog:     catalog.Handler{Lookup: tests},
		bills:       &bill.Handler{Svc: billSvc},
		reports:     report.Handler{Bills: billSvc, Currency: cfg.CurrencyCode, Location: cfg.Location},
		idem:        common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL},
		writes:      writes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
		return
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	healthHandler.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func mustPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = serviceName

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(connectCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if cfg.TracingEnabled {
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func writeLimiter(cfg *config.Config, client *redis.Client, logger zerolog.Logger) (ratelimit.Handler, error) {
	store, err := ratelimit.NewRedisStore(client, "ratelimit")
	if err != nil {
		return ratelimit.Handler{}, err
	}
	lim, err := ratelimit.New(store, cfg.RateLimitWrites)
	if err != nil {
		return ratelimit.Handler{}, err
	}
	return ratelimit.Handler{
		Limiter: lim,
		Scope:   "writes",
		OnError: func(r *http.Request, err error) {
			logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rate limiter unavailable")
		},
	}, nil
}
