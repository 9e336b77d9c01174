package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/rickgao/sp500-pipeline/internal/config"
	"github.com/rickgao/sp500-pipeline/internal/database"
	"github.com/rickgao/sp500-pipeline/internal/httpx"
	"github.com/rickgao/sp500-pipeline/internal/ledger"
	"github.com/rickgao/sp500-pipeline/internal/metrics"
	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/pipeline"
	"github.com/rickgao/sp500-pipeline/internal/quotes"
	"github.com/rickgao/sp500-pipeline/internal/retry"
	"github.com/rickgao/sp500-pipeline/internal/roster"
	"github.com/rickgao/sp500-pipeline/internal/runlock"
	"github.com/rickgao/sp500-pipeline/internal/scheduler"
	"github.com/rickgao/sp500-pipeline/internal/server"
	"github.com/rickgao/sp500-pipeline/internal/staging"
	"github.com/rickgao/sp500-pipeline/internal/version"
	"github.com/rickgao/sp500-pipeline/internal/warehouse"
)

func main() {
	configPath := flag.String("config", "configs/pipeline.local.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file (ignored when missing)")
	once := flag.Bool("once", false, "execute a single run and exit")
	dateFlag := flag.String("date", "", "partition date YYYY-MM-DD (default: today in schedule timezone)")
	force := flag.Bool("force", false, "run even if the partition date is already loaded")
	reload := flag.Bool("reload", false, "load already staged objects for -date into the warehouse and exit")
	flag.Parse()

	os.Exit(run(*configPath, *envPath, *once, *dateFlag, *force, *reload))
}

func run(configPath, envPath string, once bool, dateFlag string, force, reload bool) int {
	bootLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := config.LoadDotEnv(envPath); err != nil {
		bootLogger.Error("failed to load env file", "error", err)
		return 1
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting pipeline",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"instance_id", cfg.Instance.ID,
	)

	loc := cfg.Location()
	date := model.NormalizeDate(time.Now().In(loc))
	if dateFlag != "" {
		if date, err = model.ParseDate(dateFlag); err != nil {
			logger.Error("invalid -date", "error", err)
			return 2
		}
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to warehouse
	logger.Info("connecting to warehouse",
		"host", cfg.Warehouse.DB.Host,
		"port", cfg.Warehouse.DB.Port,
		"database", cfg.Warehouse.DB.Name,
	)
	pool, err := database.Connect(ctx, cfg.Warehouse.DB, cfg.Instance.ID)
	if err != nil {
		logger.Error("failed to connect to warehouse", "error", err)
		return 1
	}
	defer pool.Close()

	wh := warehouse.NewPGWarehouse(pool, logger)
	if cfg.Warehouse.EnsureSchema {
		if err := wh.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure warehouse schema", "error", err)
			return 1
		}
	}

	// Run ledger
	ledgerDB, err := database.OpenLedger(cfg.Ledger, cfg.Instance.ID, cfg.Log.Level == "debug")
	if err != nil {
		logger.Error("failed to open run ledger", "error", err)
		return 1
	}
	defer closeGorm(ledgerDB)

	runs := ledger.New(ledgerDB)
	if err := runs.Migrate(ctx); err != nil {
		logger.Error("failed to migrate run ledger", "error", err)
		return 1
	}

	// Object store
	s3Client, err := staging.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to create object store client", "error", err)
		return 1
	}
	stager := staging.NewStager(staging.NewS3Store(s3Client, cfg.Storage.Bucket), cfg.Storage.Prefix, logger)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Run lock
	locker, closeLocker := newLocker(cfg.Lock, logger)
	defer closeLocker()

	pipe := pipeline.New(
		pipeline.Stages{
			Extractor: newExtractor(cfg.Roster, logger),
			Fetcher:   newFetcher(cfg.Quotes, logger, m),
			Stager:    stager,
			Loader: warehouse.NewLoader(stager, wh, retry.Policy{
				MaxAttempts: cfg.Warehouse.MaxAttempts,
				BaseDelay:   cfg.Warehouse.RetryBackoff,
				MaxDelay:    cfg.Warehouse.MaxBackoff,
			}, logger, m),
		},
		runs,
		locker,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithRunTimeout(cfg.Schedule.RunTimeout),
		pipeline.WithPurgeAfterLoad(cfg.Storage.PurgeAfterLoad),
	)

	switch {
	case reload:
		r, err := pipe.Reload(ctx, date)
		return finish(logger, r, err)
	case once:
		r, err := pipe.Run(ctx, model.RunParams{PartitionDate: date, Force: force})
		return finish(logger, r, err)
	}

	// Long-running mode: scheduler plus HTTP trigger/status server.
	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Config{
		Port:        cfg.Server.Port,
		MetricsPath: metricsPath(cfg.Metrics),
		Gatherer:    reg,
		Location:    loc,
	}, pipe, runs, healthChecks(pool, ledgerDB), logger)
	srv.Start()

	var sched *scheduler.Scheduler
	if cfg.Schedule.Disabled {
		logger.Info("scheduler disabled; manual triggers only")
	} else {
		sched = scheduler.New(pipe, cfg.Schedule.Cron, loc, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return 1
		}
	}

	logger.Info("pipeline running",
		"instance_id", cfg.Instance.ID,
		"trigger_url", fmt.Sprintf("http://localhost:%d/runs", cfg.Server.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight runs did not finish", "error", err)
	}

	logger.Info("pipeline stopped")
	return 0
}

// finish reports a single run and maps it to an exit code.
func finish(logger *slog.Logger, r *model.Run, err error) int {
	if err != nil {
		logger.Error("run did not start", "error", err)
		return 1
	}
	attrs := []any{
		"run_id", r.ID,
		"partition_date", model.FormatDate(r.PartitionDate),
		"state", r.State,
		"failed_symbols", len(r.Failures),
	}
	if r.State == model.StateFailed {
		logger.Error("run failed", append(attrs,
			"failed_at", r.FailedAt,
			"error_kind", r.ErrorKind,
			"error", r.ErrorMessage,
		)...)
		return 1
	}
	if r.Summary != nil {
		attrs = append(attrs,
			"price_rows", r.Summary.PriceRows,
			"roster_rows", r.Summary.RosterRows,
		)
	}
	logger.Info("run finished", attrs...)
	return 0
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newExtractor(cfg config.RosterConfig, logger *slog.Logger) *roster.Extractor {
	return roster.New(cfg.URL,
		roster.WithHTTPClient(httpx.NewClient(cfg.Timeout, 2)),
		roster.WithUserAgent(cfg.UserAgent),
		roster.WithMaxSymbols(cfg.MaxSymbols),
		roster.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBackoff,
			MaxDelay:    30 * time.Second,
		}),
		roster.WithLogger(logger),
	)
}

// newFetcher builds the quote fetcher. Every worker shares one limiter.
func newFetcher(cfg config.QuotesConfig, logger *slog.Logger, m *metrics.Metrics) *quotes.Fetcher {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))

	hc := httpx.WithHeaders(httpx.NewClient(cfg.Timeout, cfg.Concurrency), http.Header{
		"User-Agent": []string{version.UserAgent()},
	})
	client := quotes.NewClient(cfg.BaseURL, cfg.APIKey, limiter,
		quotes.WithHTTPClient(hc),
		quotes.WithTimeout(cfg.Timeout),
		quotes.WithRetries(cfg.MaxRetries, cfg.RetryBackoff, cfg.MaxBackoff),
		quotes.WithCurrency(cfg.Currency),
		quotes.WithLogger(logger),
		quotes.WithMetrics(m),
	)

	return quotes.NewFetcher(quotes.Config{
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.SymbolTimeout,
	}, client, logger, m)
}

// newLocker returns a Redis lock when configured, otherwise an in-process one.
func newLocker(cfg config.LockConfig, logger *slog.Logger) (runlock.Locker, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-process run lock")
		return runlock.NewLocalLocker(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.Info("using redis run lock", "addr", cfg.RedisAddr, "ttl", cfg.TTL)
	return runlock.NewRedisLocker(client, cfg.TTL), func() { client.Close() }
}

func metricsPath(cfg config.MetricsConfig) string {
	if cfg.Disabled {
		return ""
	}
	return cfg.Path
}

func healthChecks(pool *pgxpool.Pool, ledgerDB *gorm.DB) map[string]server.HealthCheck {
	return map[string]server.HealthCheck{
		"warehouse": pool.Ping,
		"ledger": func(ctx context.Context) error {
			sqlDB, err := ledgerDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
