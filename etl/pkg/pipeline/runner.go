package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/bionicpro/reports/etl/pkg/config"
	"github.com/bionicpro/reports/etl/pkg/metrics"
)

type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusSkipped RunStatus = "skipped"
)

// Runner schedules pipeline runs on a fixed period and serializes them
// across instances through the run lock. Missed ticks are not backfilled;
// the lookback window of the next run covers the gap.
type Runner struct {
	log      *slog.Logger
	settings *config.Config
	pipeline *Pipeline
	lock     *RunLock
	metrics  *metrics.Metrics
	clock    clockwork.Clock

	mu         sync.Mutex
	lastStatus RunStatus
	lastRunID  string
	terminal   bool
}

func NewRunner(log *slog.Logger, settings *config.Config, p *Pipeline, lock *RunLock, m *metrics.Metrics) (*Runner, error) {
	if log == nil || settings == nil || p == nil || lock == nil || m == nil {
		return nil, errors.New("all runner dependencies are required")
	}
	return &Runner{
		log:        log,
		settings:   settings,
		pipeline:   p,
		lock:       lock,
		metrics:    m,
		clock:      settings.Clock,
		lastStatus: StatusPending,
	}, nil
}

// Ready reports whether at least one run reached a terminal state. Used by
// the readiness probe.
func (r *Runner) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *Runner) LastStatus() (string, RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRunID, r.lastStatus
}

func (r *Runner) setStatus(runID string, status RunStatus, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRunID = runID
	r.lastStatus = status
	if terminal {
		r.terminal = true
	}
}

// Start runs one pipeline pass immediately, then one per period until the
// context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.log.Info("runner started", "period", r.settings.Period)

	r.RunOnce(ctx)

	ticker := r.clock.NewTicker(r.settings.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner stopped")
			return ctx.Err()
		case <-ticker.Chan():
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single scheduled pass: take the lock, run the window
// ending now, release. Lock contention skips the pass instead of queueing.
func (r *Runner) RunOnce(ctx context.Context) (RunStatus, *RunResult) {
	runID := uuid.NewString()
	r.setStatus(runID, StatusRunning, false)

	acquired, err := r.lock.Acquire(ctx, runID)
	if err != nil {
		r.log.Error("run failed to acquire lock", "run_id", runID, "error", err)
		r.finishRun(runID, StatusFailed)
		return StatusFailed, nil
	}
	if !acquired {
		r.metrics.LockContentionTotal.Inc()
		r.log.Info("run skipped, lock held by another instance", "run_id", runID)
		r.finishRun(runID, StatusSkipped)
		return StatusSkipped, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.lock.Release(releaseCtx, runID); err != nil {
			r.log.Error("failed to release run lock", "run_id", runID, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.settings.RunCeiling)
	defer cancel()

	start := r.clock.Now()
	windowEnd := start.UTC().Truncate(time.Minute)

	result, err := r.pipeline.Run(runCtx, runID, windowEnd)
	r.metrics.RunDuration.Observe(r.clock.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("run exceeded ceiling %s: %w", r.settings.RunCeiling, err)
		}
		r.log.Error("run failed", "run_id", runID, "error", err)
		r.finishRun(runID, StatusFailed)
		return StatusFailed, nil
	}

	r.finishRun(runID, StatusSuccess)
	return StatusSuccess, result
}

func (r *Runner) finishRun(runID string, status RunStatus) {
	switch status {
	case StatusSuccess:
		r.metrics.RunsTotal.WithLabelValues(metrics.RunStatusSuccess).Inc()
	case StatusFailed:
		r.metrics.RunsTotal.WithLabelValues(metrics.RunStatusFailed).Inc()
	case StatusSkipped:
		r.metrics.RunsTotal.WithLabelValues(metrics.RunStatusSkipped).Inc()
	}
	r.setStatus(runID, status, true)
}
