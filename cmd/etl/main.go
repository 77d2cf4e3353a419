package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bionicpro/reports/etl/pkg/clickhouse"
	"github.com/bionicpro/reports/etl/pkg/config"
	"github.com/bionicpro/reports/etl/pkg/invalidator"
	"github.com/bionicpro/reports/etl/pkg/mart"
	"github.com/bionicpro/reports/etl/pkg/metrics"
	"github.com/bionicpro/reports/etl/pkg/pipeline"
	"github.com/bionicpro/reports/etl/pkg/server"
	"github.com/bionicpro/reports/etl/pkg/source"
	"github.com/bionicpro/reports/utils/pkg/logger"
)

// Overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address for health and metrics")

	// Sources
	sourceModeFlag := flag.String("source-mode", "direct", "reference source: direct (CRM Postgres) or replica (CDC in ClickHouse) (or set SOURCE_MODE env var)")
	crmDSNFlag := flag.String("crm-dsn", "", "CRM Postgres DSN (or set CRM_DSN env var)")
	telemetryDSNFlag := flag.String("telemetry-dsn", "", "telemetry Postgres DSN (or set TELEMETRY_DSN env var)")

	// ClickHouse mart
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	migrateFlag := flag.Bool("migrate", true, "run ClickHouse migrations on startup")

	// Run lock
	redisAddrFlag := flag.String("redis-addr", "", "Redis address for the run lock (or set REDIS_ADDR env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")
	redisDBFlag := flag.Int("redis-db", 0, "Redis database number (or set REDIS_DB env var)")

	// Invalidation
	reportsAPIURLFlag := flag.String("reports-api-url", "", "reports service base URL for cache invalidation (or set REPORTS_API_URL env var)")

	// Scheduling
	periodFlag := flag.Duration("period", config.DefaultPeriod, "scheduling period between runs")
	lookbackFlag := flag.Duration("lookback", config.DefaultLookback, "extraction lookback behind the window end")
	upstreamDelayFlag := flag.Duration("upstream-delay", config.DefaultUpstreamDelay, "worst case upstream aggregation delay")
	runCeilingFlag := flag.Duration("run-ceiling", config.DefaultRunCeiling, "hard bound on a single run")
	batchSizeFlag := flag.Int("batch-size", config.DefaultBatchSize, "mart insert batch size")
	retentionDaysFlag := flag.Int("retention-days", config.DefaultRetentionDays, "mart retention in days")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("SOURCE_MODE"); env != "" {
		*sourceModeFlag = env
	}
	if env := os.Getenv("CRM_DSN"); env != "" {
		*crmDSNFlag = env
	}
	if env := os.Getenv("TELEMETRY_DSN"); env != "" {
		*telemetryDSNFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_ADDR_TCP"); env != "" {
		*clickhouseAddrFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_DATABASE"); env != "" {
		*clickhouseDatabaseFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_USERNAME"); env != "" {
		*clickhouseUsernameFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_PASSWORD"); env != "" {
		*clickhousePasswordFlag = env
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if env := os.Getenv("REDIS_ADDR"); env != "" {
		*redisAddrFlag = env
	}
	if env := os.Getenv("REDIS_PASSWORD"); env != "" {
		*redisPasswordFlag = env
	}
	if env := os.Getenv("REDIS_DB"); env != "" {
		db, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		*redisDBFlag = db
	}
	if env := os.Getenv("REPORTS_API_URL"); env != "" {
		*reportsAPIURLFlag = env
	}

	mode, err := source.ParseMode(*sourceModeFlag)
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Period:        *periodFlag,
		Lookback:      *lookbackFlag,
		UpstreamDelay: *upstreamDelayFlag,
		RunCeiling:    *runCeilingFlag,
		BatchSize:     *batchSizeFlag,
		RetentionDays: *retentionDaysFlag,
		SourceMode:    mode,
		CRMDSN:        *crmDSNFlag,
		TelemetryDSN:  *telemetryDSNFlag,
		ClickHouse: config.ClickHouseConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		},
		Redis: config.RedisConfig{
			Addr:     *redisAddrFlag,
			Password: *redisPasswordFlag,
			DB:       *redisDBFlag,
		},
		ReportsAPIURL: *reportsAPIURLFlag,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrateFlag {
		if err := clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Secure:   cfg.ClickHouse.Secure,
		}); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	chDB, err := clickhouse.NewClient(ctx, log,
		cfg.ClickHouse.Addr, cfg.ClickHouse.Database,
		cfg.ClickHouse.Username, cfg.ClickHouse.Password, cfg.ClickHouse.Secure)
	if err != nil {
		return err
	}
	defer chDB.Close()

	telemetryPool, err := source.NewPgPool(ctx, log, cfg.TelemetryDSN, 0)
	if err != nil {
		return fmt.Errorf("failed to connect to telemetry database: %w", err)
	}
	defer telemetryPool.Close()
	telemetrySource := source.NewTelemetryDB(log, telemetryPool)

	var referenceSource source.ReferenceSource
	switch cfg.SourceMode {
	case source.ModeDirect:
		crmPool, err := source.NewPgPool(ctx, log, cfg.CRMDSN, 0)
		if err != nil {
			return fmt.Errorf("failed to connect to CRM database: %w", err)
		}
		defer crmPool.Close()
		referenceSource = source.NewCRMSource(log, crmPool)
	case source.ModeReplica:
		referenceSource = source.NewReplicaSource(log, chDB)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	store, err := mart.NewStore(&mart.StoreConfig{
		Logger:    log,
		Client:    chDB,
		BatchSize: cfg.BatchSize,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return err
	}

	inv, err := invalidator.New(&invalidator.Config{
		Logger:         log,
		BaseURL:        cfg.ReportsAPIURL,
		Parallelism:    cfg.InvalidationParallelism,
		BulkThreshold:  cfg.BulkInvalidationThreshold,
		PerCallTimeout: cfg.InvalidationTimeout,
	})
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	p, err := pipeline.New(&pipeline.Config{
		Logger:      log,
		Settings:    cfg,
		Reference:   referenceSource,
		Telemetry:   telemetrySource,
		Loader:      store,
		Invalidator: inv,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	lock, err := pipeline.NewRunLock(log, redisClient, cfg.RunCeiling)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(log, cfg, p, lock, m)
	if err != nil {
		return err
	}

	srv, err := server.New(&server.Config{
		Logger: log,
		Addr:   *listenAddrFlag,
		Ready:  runner.Ready,
		Status: func() (string, string) {
			runID, status := runner.LastStatus()
			return runID, string(status)
		},
		Version: version,
	})
	if err != nil {
		return err
	}

	log.Info("reports ETL starting",
		"version", version,
		"source_mode", cfg.SourceMode,
		"period", cfg.Period,
		"lookback", cfg.Lookback)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Start(groupCtx) })
	group.Go(func() error { return runner.Start(groupCtx) })

	if err := group.Wait(); err != nil && !isShutdown(err) {
		return err
	}
	log.Info("reports ETL stopped")
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
