// Package config bundles the reports ETL settings.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bionicpro/reports/etl/pkg/source"
	"github.com/bionicpro/reports/utils/pkg/retry"
)

const (
	DefaultPeriod        = 15 * time.Minute
	DefaultLookback      = 2 * time.Hour
	DefaultUpstreamDelay = 30 * time.Minute
	DefaultRunCeiling    = 30 * time.Minute

	DefaultExtractTimeout   = 10 * time.Minute
	DefaultTransformTimeout = 5 * time.Minute
	DefaultLoadTimeout      = 15 * time.Minute

	DefaultBatchSize                 = 10_000
	DefaultInvalidationParallelism   = 8
	DefaultBulkInvalidationThreshold = 1_000
	DefaultInvalidationTimeout       = 5 * time.Second

	DefaultRetentionDays = 365

	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 5 * time.Minute
)

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config holds everything the pipeline and scheduler need. Zero values are
// filled with defaults by Validate.
type Config struct {
	// Period is the scheduling interval between runs.
	Period time.Duration
	// Lookback is how far behind the window end extraction reaches. Must
	// cover at least Period plus UpstreamDelay so late upstream aggregation
	// cannot open a gap between consecutive windows.
	Lookback time.Duration
	// UpstreamDelay is the worst case lag of the hourly telemetry
	// aggregation behind wall clock.
	UpstreamDelay time.Duration
	// RunCeiling bounds a whole run, and doubles as the run lock TTL.
	RunCeiling time.Duration

	ExtractTimeout   time.Duration
	TransformTimeout time.Duration
	LoadTimeout      time.Duration

	BatchSize                 int
	InvalidationParallelism   int
	BulkInvalidationThreshold int
	InvalidationTimeout       time.Duration

	RetentionDays int

	Retry retry.Config

	SourceMode source.Mode

	CRMDSN        string
	TelemetryDSN  string
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	ReportsAPIURL string

	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
	if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
	if c.UpstreamDelay == 0 {
		c.UpstreamDelay = DefaultUpstreamDelay
	}
	if c.RunCeiling == 0 {
		c.RunCeiling = DefaultRunCeiling
	}
	if c.ExtractTimeout == 0 {
		c.ExtractTimeout = DefaultExtractTimeout
	}
	if c.TransformTimeout == 0 {
		c.TransformTimeout = DefaultTransformTimeout
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.InvalidationParallelism == 0 {
		c.InvalidationParallelism = DefaultInvalidationParallelism
	}
	if c.BulkInvalidationThreshold == 0 {
		c.BulkInvalidationThreshold = DefaultBulkInvalidationThreshold
	}
	if c.InvalidationTimeout == 0 {
		c.InvalidationTimeout = DefaultInvalidationTimeout
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.Retry.MaxAttempts == 0 {
		// Constant delay between attempts: base equals max.
		c.Retry = retry.Config{
			MaxAttempts: DefaultRetryAttempts,
			BaseBackoff: DefaultRetryBackoff,
			MaxBackoff:  DefaultRetryBackoff,
		}
	}
	if c.SourceMode == "" {
		c.SourceMode = source.ModeDirect
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	if c.Period < 0 || c.Lookback < 0 || c.UpstreamDelay < 0 {
		return errors.New("period, lookback and upstream delay must be positive")
	}
	if c.Lookback < c.Period+c.UpstreamDelay {
		return fmt.Errorf("lookback %s must cover period %s plus upstream delay %s",
			c.Lookback, c.Period, c.UpstreamDelay)
	}
	if _, err := source.ParseMode(string(c.SourceMode)); err != nil {
		return err
	}
	if c.SourceMode == source.ModeDirect && c.CRMDSN == "" {
		return errors.New("crm dsn is required in direct source mode")
	}
	if c.TelemetryDSN == "" {
		return errors.New("telemetry dsn is required")
	}
	if c.ClickHouse.Addr == "" {
		return errors.New("clickhouse addr is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis addr is required")
	}
	if c.ReportsAPIURL == "" {
		return errors.New("reports api url is required")
	}
	return nil
}
