// Package pipeline orchestrates one ETL run: extract reference and telemetry
// in parallel, join them, load the mart, then fan out cache invalidations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bionicpro/reports/etl/pkg/config"
	"github.com/bionicpro/reports/etl/pkg/invalidator"
	"github.com/bionicpro/reports/etl/pkg/mart"
	"github.com/bionicpro/reports/etl/pkg/metrics"
	"github.com/bionicpro/reports/etl/pkg/source"
	"github.com/bionicpro/reports/etl/pkg/transform"
	"github.com/bionicpro/reports/utils/pkg/retry"
)

// Loader writes joined fact rows to the mart.
type Loader interface {
	Load(ctx context.Context, rows []mart.UserProsthesisStat) (mart.LoadResult, error)
}

// CacheInvalidator clears cached reports for touched users. Best effort.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, runID string, userIDs []string) invalidator.Result
}

type Config struct {
	Logger      *slog.Logger
	Settings    *config.Config
	Reference   source.ReferenceSource
	Telemetry   source.TelemetrySource
	Loader      Loader
	Invalidator CacheInvalidator
	Metrics     *metrics.Metrics
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Settings == nil {
		return errors.New("settings are required")
	}
	if cfg.Reference == nil {
		return errors.New("reference source is required")
	}
	if cfg.Telemetry == nil {
		return errors.New("telemetry source is required")
	}
	if cfg.Loader == nil {
		return errors.New("loader is required")
	}
	if cfg.Invalidator == nil {
		return errors.New("invalidator is required")
	}
	if cfg.Metrics == nil {
		return errors.New("metrics are required")
	}
	return nil
}

type Pipeline struct {
	log         *slog.Logger
	cfg         *Config
	transformer *transform.Transformer
}

func New(cfg *Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate pipeline config: %w", err)
	}
	return &Pipeline{
		log:         cfg.Logger,
		cfg:         cfg,
		transformer: transform.New(cfg.Logger),
	}, nil
}

// RunResult summarizes one completed run.
type RunResult struct {
	RunID        string
	WindowStart  time.Time
	WindowEnd    time.Time
	Stats        transform.Stats
	RowsLoaded   int
	UsersTouched int
	Invalidation invalidator.Result
}

// Run executes one window ending at windowEnd. The window always reaches
// Lookback behind windowEnd; overlapping consecutive windows is intended,
// rewrites converge through the mart's merge versioning.
func (p *Pipeline) Run(ctx context.Context, runID string, windowEnd time.Time) (*RunResult, error) {
	settings := p.cfg.Settings
	windowEnd = windowEnd.UTC()
	windowStart := windowEnd.Add(-settings.Lookback)

	log := p.log.With("run_id", runID,
		"window_start", windowStart.Format(time.RFC3339),
		"window_end", windowEnd.Format(time.RFC3339))
	log.Info("pipeline run started")

	var (
		reference []source.CustomerProsthesis
		telemetry []source.HourlyAggregate
	)

	// The full reference index is extracted on purpose: filtering it by the
	// window would orphan telemetry from devices whose CRM rows are stable.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.runTask(groupCtx, "extract_reference", settings.ExtractTimeout, func(taskCtx context.Context) error {
			reference = reference[:0]
			return p.cfg.Reference.ExtractReference(taskCtx, time.Time{}, func(cp source.CustomerProsthesis) error {
				reference = append(reference, cp)
				return nil
			})
		})
	})
	group.Go(func() error {
		return p.runTask(groupCtx, "extract_telemetry", settings.ExtractTimeout, func(taskCtx context.Context) error {
			telemetry = telemetry[:0]
			return p.cfg.Telemetry.ExtractTelemetry(taskCtx, windowStart, windowEnd, func(agg source.HourlyAggregate) error {
				telemetry = append(telemetry, agg)
				return nil
			})
		})
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	p.cfg.Metrics.ExtractRowsTotal.WithLabelValues("reference").Add(float64(len(reference)))
	p.cfg.Metrics.ExtractRowsTotal.WithLabelValues("telemetry").Add(float64(len(telemetry)))

	processedAt := settings.Clock.Now().UTC()
	transformCtx, cancelTransform := context.WithTimeout(ctx, settings.TransformTimeout)
	rows, stats, err := p.transformer.Join(transformCtx, reference, telemetry, processedAt)
	cancelTransform()
	if err != nil {
		return nil, fmt.Errorf("task transform failed: %w", err)
	}
	p.cfg.Metrics.OrphanTelemetryTotal.Add(float64(stats.OrphanRows))
	p.cfg.Metrics.InvalidMetricTotal.Add(float64(stats.InvalidRows))

	var loadResult mart.LoadResult
	err = p.runTask(ctx, "load", settings.LoadTimeout, func(taskCtx context.Context) error {
		var loadErr error
		loadResult, loadErr = p.cfg.Loader.Load(taskCtx, rows)
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	p.cfg.Metrics.RowsLoadedTotal.Add(float64(loadResult.Inserted))

	invalidation := p.cfg.Invalidator.Invalidate(ctx, runID, loadResult.UserIDs)
	p.cfg.Metrics.InvalidationsTotal.WithLabelValues(metrics.InvalidationStatusOK).Add(float64(invalidation.Succeeded))
	p.cfg.Metrics.InvalidationsTotal.WithLabelValues(metrics.InvalidationStatusFailed).Add(float64(invalidation.Failed))

	result := &RunResult{
		RunID:        runID,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		Stats:        stats,
		RowsLoaded:   loadResult.Inserted,
		UsersTouched: len(loadResult.UserIDs),
		Invalidation: invalidation,
	}
	log.Info("pipeline run finished",
		"reference_rows", stats.ReferenceRows,
		"telemetry_rows", stats.TelemetryRows,
		"rows_loaded", result.RowsLoaded,
		"orphan_rows", stats.OrphanRows,
		"invalid_rows", stats.InvalidRows,
		"users_touched", result.UsersTouched,
		"invalidations_failed", invalidation.Failed)
	return result, nil
}

// runTask runs fn with retries. The timeout bounds a single attempt; the run
// ceiling on ctx bounds the task as a whole, backoffs included.
func (p *Pipeline) runTask(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, p.cfg.Settings.Retry, func() error {
		attempt++
		if attempt > 1 {
			p.cfg.Metrics.TaskRetriesTotal.WithLabelValues(name).Inc()
			p.log.Warn("retrying pipeline task", "task", name, "attempt", attempt)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Only the attempt deadline expired. The next attempt gets a
			// fresh one, so report this as a retryable failure.
			return &attemptTimeoutError{task: name, timeout: timeout}
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("task %s failed: %w", name, err)
	}
	return nil
}

type attemptTimeoutError struct {
	task    string
	timeout time.Duration
}

func (e *attemptTimeoutError) Error() string {
	return fmt.Sprintf("%s attempt exceeded %s", e.task, e.timeout)
}

func (e *attemptTimeoutError) Permanent() bool { return false }
