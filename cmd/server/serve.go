package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/HanTheDev/funnel-insights/internal/analyzer"
	"github.com/HanTheDev/funnel-insights/internal/api"
	"github.com/HanTheDev/funnel-insights/internal/auth"
	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/db/memstore"
	"github.com/HanTheDev/funnel-insights/internal/ledger"
	"github.com/HanTheDev/funnel-insights/internal/metrics"
	"github.com/HanTheDev/funnel-insights/internal/models"
	"github.com/HanTheDev/funnel-insights/internal/quota"
	"github.com/HanTheDev/funnel-insights/internal/ratelimit"
	"github.com/HanTheDev/funnel-insights/internal/scheduler"
	"github.com/HanTheDev/funnel-insights/internal/workflow"
)

const shutdownTimeout = 15 * time.Second

var serveDev bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "in-memory store, embedded Redis and the local analyzer")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the quota reset scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	health := map[string]api.HealthChecker{}

	var (
		st  store
		gen analyzer.Analyzer
	)
	if serveDev {
		log.Warn().Msg("development mode: data is kept in memory and analyses are generated locally")
		mem := memstore.New()
		seedDemo(mem, time.Now().In(cfg.Location))
		st = mem
		gen = analyzer.Local{}
	} else {
		database, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer database.Close()
		version, err := db.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		log.Info().Uint("schema_version", version).Msg("database migrated")
		health["database"] = database.Pool.Ping
		st = database

		gen = analyzer.NewClient(analyzer.Config{
			URL:           cfg.AnalyzerURL,
			APIKey:        cfg.AnalyzerAPIKey,
			Model:         cfg.AnalyzerModel,
			Timeout:       cfg.AnalyzerTimeout,
			MaxRetries:    uint64(cfg.AnalyzerMaxRetries),
			RetryInterval: cfg.AnalyzerRetryInterval,
		}, analyzer.WithLogger(log), analyzer.WithMetrics(m))
	}

	rdb, closeRedis, err := openRedis()
	if err != nil {
		return err
	}
	defer closeRedis()
	health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

	tracker := quota.NewTracker(st, quotaConfig(), quota.WithLogger(log), quota.WithMetrics(m))
	led := ledger.New(st, tracker, cfg.Location, ledger.WithLogger(log), ledger.WithMetrics(m))
	orch := workflow.New(st, tracker, led, gen,
		workflow.WithLogger(log),
		workflow.WithMetrics(m),
		// Leave room for the client's own retries before the orchestrator gives up.
		workflow.WithCallTimeout(cfg.AnalyzerTimeout+5*time.Second),
	)

	sched, err := scheduler.New(tracker, scheduler.Config{
		DailySpec:   cfg.ResetDailyCron,
		MonthlySpec: cfg.ResetMonthlyCron,
		Location:    cfg.Location,
		LockTTL:     cfg.ResetLockTTL,
	}, scheduler.WithLocker(scheduler.NewRedisLock(rdb)), scheduler.WithLogger(log))
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Deps{
		Workflow:              orch,
		Quota:                 tracker,
		Usage:                 led,
		Limiter:               ratelimit.NewRateLimiter(rdb, "ratelimit"),
		GenerateRatePerMinute: cfg.GenerateRatePerMinute,
		Resetter:              sched,
		Log:                   log,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		Auth:    auth.NewMiddleware(cfg.JWTSecret),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:  health,
		Log:     log,
	})

	sched.Start(ctx)
	defer func() { <-sched.Stop().Done() }()

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openRedis connects to REDIS_URL, or in dev mode to an embedded server.
func openRedis() (*redis.Client, func(), error) {
	if serveDev {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return rdb, func() { rdb.Close(); mr.Close() }, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	return rdb, func() { rdb.Close() }, nil
}

// seedDemo gives a dev server one funnel to analyze, owned by "demo", with
// last month's dataset. Periods are dates, stored at UTC midnight.
// Issue a token for it with: funnel-insights token --user demo
func seedDemo(s *memstore.Store, now time.Time) {
	start := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, time.UTC)
	s.AddFunnel(models.Funnel{ID: "demo-checkout", UserID: "demo", Name: "Demo checkout", CreatedAt: start})
	s.AddDataset(models.Dataset{
		FunnelID:    "demo-checkout",
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, -1),
		Metrics: []models.NodeMetric{
			{Node: "landing", Visitors: 12000, Conversions: 4800},
			{Node: "product", Visitors: 4800, Conversions: 1900},
			{Node: "cart", Visitors: 1900, Conversions: 520},
			{Node: "checkout", Visitors: 520, Conversions: 410, Revenue: 30750},
		},
	})
}
