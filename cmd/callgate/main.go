package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"callgate/admission"
	"callgate/admission/application"
	"callgate/admission/domain"
	"callgate/admission/infra"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
)

// Version é definido via ldflags: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	cfg, err := readConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("callgate stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "callgate.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is in use by another callgate", cfg.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	tel, err := infra.InitTelemetry(ctx, infra.TelemetryConfig{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.ServiceName,
		SampleRate:  cfg.OtelSampleRate,
		Version:     Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	otelStats, err := infra.NewOtelStatsStore(tel.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	stats := domain.MultiStats{otelStats}

	// Redis: sessões, lease de dono e estatísticas. Sem Redis, sessões em memória.
	var (
		sessions domain.SessionStore
		ready    func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		lease := infra.NewRedisLease(rdb, cfg.LeaseKey, cfg.LeaseTTL, logger)
		if err := lease.Acquire(ctx); err != nil {
			return err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = lease.Release(rctx)
		}()
		lease.Keep(ctx, func() {
			logger.Error("owner lease lost, shutting down", "key", cfg.LeaseKey)
			stop()
		})

		sessions = infra.NewRedisSessionStore(rdb, infra.WithSessionTTL(cfg.SessionTTL))
		if cfg.StatsRedis {
			stats = append(stats, infra.NewRedisStatsStore(
				rdb,
				infra.WithStatsPrefix(cfg.StatsPrefix),
				infra.WithStatsTTL(cfg.StatsTTL),
				infra.WithStatsBucket(cfg.StatsBucket),
				infra.WithStatsTrackStores(cfg.StatsTrackStores),
			))
		}
		ready = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Warn("CALLGATE_REDIS_ADDR not set, sessions kept in memory")
		sessions = infra.NewMemorySessionStore(cfg.SessionTTL)
	}

	// Histórico durável (SQLite) com escrita assíncrona e poda agendada.
	var (
		records domain.CallRecorder
		history admission.HistorySource
	)
	if cfg.RecordsEnabled {
		db, err := infra.OpenSQLiteRecorder(filepath.Join(cfg.DataDir, "calls.db"))
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		async := infra.NewAsyncRecorder(db, cfg.RecordBuffer, logger)
		// fecha antes do db (defers rodam em ordem inversa)
		defer async.Close()

		job, err := infra.NewRetentionJob(db, cfg.RecordPruneSchedule, cfg.RecordRetention, logger)
		if err != nil {
			return err
		}
		job.Start(ctx)
		records, history = async, db
	}

	resolver, err := newResolver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var telephony domain.Telephony = infra.LogTelephony{Logger: logger}
	if cfg.TelephonyURL != "" {
		telephony = infra.NewHTTPTelephony(cfg.TelephonyURL, cfg.TelephonyToken,
			&http.Client{Timeout: cfg.ProviderTimeout})
	} else {
		logger.Warn("CALLGATE_TELEPHONY_URL not set, telephony actions are only logged")
	}

	lanes := infra.NewStoreLanes(
		infra.WithLaneIdleTTL(cfg.LaneIdleTTL),
		infra.WithDefaultHandleTime(cfg.DefaultHandleTime),
	)
	lanes.StartJanitor(ctx)

	ctrl := &application.Controller{
		Lanes:            lanes,
		Plans:            resolver,
		Sessions:         sessions,
		Telephony:        telephony,
		Records:          records,
		Stats:            stats,
		Logger:           logger,
		Tracer:           tel.Tracer,
		AdmissionTimeout: cfg.AdmissionTimeout,
		ProviderTimeout:  cfg.ProviderTimeout,
	}
	sweeper := &application.Sweeper{
		Controller:     ctrl,
		Interval:       cfg.SweepInterval,
		MaxWait:        cfg.QueueMaxWait,
		EndedRetention: cfg.EndedRetention,
	}
	sweeperDone := sweeper.Start(ctx)

	h := &admission.Handler{
		Controller: ctrl,
		Monitor: application.Monitor{
			Source:       application.LaneSnapshots{Lanes: lanes},
			StoreTimeout: cfg.MonitorTimeout,
			Logger:       logger,
		},
		Admin:   application.Admin{Controller: ctrl},
		History: history,
		Ready:   ready,
		Logger:  logger,
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Routes(guards(ctx, cfg, stats)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	logger.Info("callgate listening", "addr", cfg.ListenAddr, "version", Version)
	logger.Info("rate", "enabled", cfg.RateEnabled, "rps", cfg.RateRPS, "burst", cfg.RateBurst,
		"key_header", cfg.RateKeyHeader, "trust_xff", cfg.TrustXFF)
	logger.Info("concurrency", "max", cfg.ConcurrencyMax, "acquire_timeout", cfg.ConcurrencyTimeout)
	logger.Info("admission", "session_ttl", cfg.SessionTTL, "queue_max_wait", cfg.QueueMaxWait,
		"sweep_interval", cfg.SweepInterval, "redis", cfg.RedisAddr != "", "records", cfg.RecordsEnabled)

	serveErr := srv.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	// ListenAndServe volta no início do Shutdown: handlers e sweeper ainda
	// gravam registros e precisam terminar antes dos defers fecharem o histórico
	stop()
	<-shutdownDone
	<-sweeperDone
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	logger.Info("callgate stopped cleanly")
	return nil
}

// newResolver monta a fonte de planos (arquivo YAML observado ou billing HTTP)
// atrás do cache do Resolver.
func newResolver(ctx context.Context, cfg config, logger *slog.Logger) (*application.Resolver, error) {
	var (
		source domain.BillingSource
		file   *infra.FilePlanSource
	)
	if cfg.PlansFile != "" {
		f, err := infra.NewFilePlanSource(cfg.PlansFile, logger)
		if err != nil {
			return nil, err
		}
		source, file = f, f
	} else {
		source = infra.NewHTTPPlanSource(cfg.BillingURL, cfg.BillingToken, &http.Client{})
	}

	fallback, err := fallbackPlan(cfg, file)
	if err != nil {
		return nil, err
	}
	logger.Info("fallback plan", "plan", fallback.ID,
		"max_concurrent", fallback.MaxConcurrent, "max_queue", fallback.MaxQueue)
	resolver, err := application.NewResolver(source, fallback,
		application.WithPlanCacheSize(cfg.PlanCacheSize),
		application.WithPlanTTL(cfg.PlanCacheTTL),
		application.WithBillingTimeout(cfg.BillingTimeout),
		application.WithResolverLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	if file != nil {
		onChange := func() {
			resolver.InvalidateAll()
			if lowest := file.LowestTier(); exceeds(fallback, lowest) {
				logger.Warn("fallback plan exceeds lowest catalog tier after reload",
					"fallback", fallback.ID, "lowest_tier", lowest.ID)
			}
		}
		if err := file.Watch(ctx, onChange); err != nil {
			return nil, err
		}
	}
	return resolver, nil
}

// fallbackPlan escolhe o plano de quando o billing falha. Com catálogo em
// arquivo e nenhum CALLGATE_FALLBACK_* no ambiente vale o tier mais restrito
// do catálogo; um fallback explícito não pode passar desse tier.
func fallbackPlan(cfg config, file *infra.FilePlanSource) (domain.Plan, error) {
	env := domain.Plan{ID: cfg.FallbackPlan, MaxConcurrent: cfg.FallbackMax, MaxQueue: cfg.FallbackQueue}
	if file == nil {
		return env, nil
	}
	lowest := file.LowestTier()
	if !cfg.fallbackSet {
		return lowest, nil
	}
	if exceeds(env, lowest) {
		return domain.Plan{}, fmt.Errorf("fallback plan %s (%d/%d) exceeds lowest catalog tier %s (%d/%d)",
			env.ID, env.MaxConcurrent, env.MaxQueue, lowest.ID, lowest.MaxConcurrent, lowest.MaxQueue)
	}
	return env, nil
}

func exceeds(p, limit domain.Plan) bool {
	return p.MaxConcurrent > limit.MaxConcurrent || p.MaxQueue > limit.MaxQueue
}

// guards monta as proteções por grupo de rotas.
// Webhooks: token do provedor, limite de taxa por conta e limite de vagas.
func guards(ctx context.Context, cfg config, stats domain.StatsStore) admission.Guards {
	webhook := []func(http.Handler) http.Handler{
		admission.WebhookAuth(cfg.WebhookToken),
	}
	if cfg.RateEnabled {
		store := infra.NewLimiterStore(cfg.RateRPS, cfg.RateBurst)
		store.StartJanitor(ctx)
		webhook = append(webhook, admission.ThrottleMiddleware(admission.ThrottleOptions{
			Store:               store,
			Stats:               stats,
			KeyHeader:           cfg.RateKeyHeader,
			TrustXForwardedFor:  cfg.TrustXFF,
			RejectStatus:        http.StatusTooManyRequests,
			RetryAfter:          cfg.RetryAfter,
			AddRateLimitHeaders: cfg.AddHeaders,
		}))
	}
	if cfg.ConcurrencyMax > 0 {
		webhook = append(webhook, admission.SlotsMiddleware(admission.SlotsOptions{
			Pool:           infra.NewChanPool(cfg.ConcurrencyMax),
			Stats:          stats,
			RejectStatus:   http.StatusServiceUnavailable,
			AcquireTimeout: cfg.ConcurrencyTimeout,
		}))
	}

	return admission.Guards{
		Webhook:  chain(webhook...),
		Operator: admission.OperatorAuth{Secret: []byte(cfg.OperatorSecret)}.Middleware,
	}
}

// chain aplica os middlewares na ordem dada (o primeiro é o mais externo).
func chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
