package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bionicpro/reports/etl/pkg/config"
	"github.com/bionicpro/reports/etl/pkg/invalidator"
	"github.com/bionicpro/reports/etl/pkg/mart"
	"github.com/bionicpro/reports/etl/pkg/metrics"
	"github.com/bionicpro/reports/etl/pkg/pipeline"
	"github.com/bionicpro/reports/etl/pkg/source"
	reportstesting "github.com/bionicpro/reports/utils/pkg/testing"
	"github.com/bionicpro/reports/utils/pkg/retry"
)

type transientErr struct{ msg string }

func (e *transientErr) Error() string   { return e.msg }
func (e *transientErr) Permanent() bool { return false }

type permanentErr struct{ msg string }

func (e *permanentErr) Error() string   { return e.msg }
func (e *permanentErr) Permanent() bool { return true }

type fakeReference struct {
	mu    sync.Mutex
	rows  []source.CustomerProsthesis
	fails []error // consumed one per call before succeeding
	hangs int     // calls that block until their context expires
	calls int
}

func (f *fakeReference) ExtractReference(ctx context.Context, since time.Time, fn func(source.CustomerProsthesis) error) error {
	f.mu.Lock()
	f.calls++
	hang := f.hangs > 0
	if hang {
		f.hangs--
	}
	var err error
	if len(f.fails) > 0 {
		err, f.fails = f.fails[0], f.fails[1:]
	}
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	for _, row := range f.rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

type fakeTelemetry struct {
	mu    sync.Mutex
	rows  []source.HourlyAggregate
	fails []error
	calls int

	lastStart, lastEnd time.Time
}

func (f *fakeTelemetry) ExtractTelemetry(ctx context.Context, windowStart, windowEnd time.Time, fn func(source.HourlyAggregate) error) error {
	f.mu.Lock()
	f.calls++
	f.lastStart, f.lastEnd = windowStart, windowEnd
	var err error
	if len(f.fails) > 0 {
		err, f.fails = f.fails[0], f.fails[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, row := range f.rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

type fakeLoader struct {
	mu    sync.Mutex
	rows  []mart.UserProsthesisStat
	fails []error
	calls int
}

func (f *fakeLoader) Load(ctx context.Context, rows []mart.UserProsthesisStat) (mart.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) > 0 {
		var err error
		err, f.fails = f.fails[0], f.fails[1:]
		if err != nil {
			return mart.LoadResult{}, err
		}
	}
	f.rows = rows
	users := map[string]struct{}{}
	for _, row := range rows {
		users[row.UserID] = struct{}{}
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	return mart.LoadResult{Inserted: len(rows), UserIDs: ids}, nil
}

type fakeInvalidator struct {
	mu      sync.Mutex
	calls   [][]string
	lastRun string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, runID string, userIDs []string) invalidator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userIDs)
	f.lastRun = runID
	return invalidator.Result{Succeeded: len(userIDs)}
}

func testSettings(t *testing.T, clock clockwork.Clock) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Retry: retry.Config{
			MaxAttempts: 3,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  time.Millisecond,
		},
		Clock:         clock,
		CRMDSN:        "postgres://crm",
		TelemetryDSN:  "postgres://telemetry",
		ClickHouse:    config.ClickHouseConfig{Addr: "localhost:9000"},
		Redis:         config.RedisConfig{Addr: "localhost:6379"},
		ReportsAPIURL: "http://reports",
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

type pipelineFixture struct {
	pipeline    *pipeline.Pipeline
	settings    *config.Config
	reference   *fakeReference
	telemetry   *fakeTelemetry
	loader      *fakeLoader
	invalidator *fakeInvalidator
	metrics     *metrics.Metrics
}

func newPipelineFixture(t *testing.T, clock clockwork.Clock) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		settings:    testSettings(t, clock),
		reference:   &fakeReference{},
		telemetry:   &fakeTelemetry{},
		loader:      &fakeLoader{},
		invalidator: &fakeInvalidator{},
		metrics:     metrics.New(prometheus.NewRegistry()),
	}
	p, err := pipeline.New(&pipeline.Config{
		Logger:      reportstesting.NewLogger(),
		Settings:    f.settings,
		Reference:   f.reference,
		Telemetry:   f.telemetry,
		Loader:      f.loader,
		Invalidator: f.invalidator,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func fixtureRows(base time.Time) ([]source.CustomerProsthesis, []source.HourlyAggregate) {
	reference := []source.CustomerProsthesis{{
		UserID: "user-a", LastName: "Lindqvist", FirstName: "Erik",
		ProsthesisID: 101, ChipID: "chip-001",
		ProsthesisModel: "NeoGrip X2", LastUpdatedAt: base,
	}}
	telemetry := []source.HourlyAggregate{
		{ChipID: "chip-001", HourStart: base, MovementsCount: 100, SuccessfulMovements: 90,
			AvgBatteryLevel: 70, MinBatteryLevel: 60, MaxBatteryLevel: 80,
			AvgConnectionQuality: 0.9, UpdatedAt: base},
		{ChipID: "chip-unknown", HourStart: base, MovementsCount: 10, SuccessfulMovements: 10,
			UpdatedAt: base},
	}
	return reference, telemetry
}

func TestPipeline_Run(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(base.Add(2 * time.Hour))
	f := newPipelineFixture(t, clock)
	f.reference.rows, f.telemetry.rows = fixtureRows(base)

	windowEnd := base.Add(90 * time.Minute)
	result, err := f.pipeline.Run(t.Context(), "run-1", windowEnd)
	require.NoError(t, err)

	require.True(t, result.WindowStart.Equal(windowEnd.Add(-f.settings.Lookback)))
	require.Equal(t, 1, result.RowsLoaded)
	require.Equal(t, 1, result.Stats.OrphanRows)
	require.Equal(t, 1, result.UsersTouched)

	// Telemetry was windowed, reference was not.
	require.True(t, f.telemetry.lastStart.Equal(windowEnd.Add(-f.settings.Lookback)))
	require.True(t, f.telemetry.lastEnd.Equal(windowEnd))

	// One run stamps every row with the same merge version from the clock.
	require.Len(t, f.loader.rows, 1)
	require.True(t, f.loader.rows[0].EtlProcessedAt.Equal(clock.Now().UTC()))

	require.Equal(t, [][]string{{"user-a"}}, f.invalidator.calls)
	require.Equal(t, "run-1", f.invalidator.lastRun)
}

func TestPipeline_Run_RetriesTransientExtract(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	f := newPipelineFixture(t, clockwork.NewFakeClockAt(base))
	f.reference.rows, f.telemetry.rows = fixtureRows(base)
	f.reference.fails = []error{&transientErr{msg: "connection refused"}}

	_, err := f.pipeline.Run(t.Context(), "run-1", base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, f.reference.calls)
}

func TestPipeline_Run_SlowExtractAttemptRetriedWithFreshDeadline(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	f := newPipelineFixture(t, clockwork.NewFakeClockAt(base))
	f.settings.ExtractTimeout = 20 * time.Millisecond
	f.reference.rows, f.telemetry.rows = fixtureRows(base)

	// The first attempt stalls past the attempt timeout. The second attempt
	// must run under its own deadline, not the leftovers of the first.
	f.reference.hangs = 1

	result, err := f.pipeline.Run(t.Context(), "run-1", base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, f.reference.calls)
	require.Equal(t, 1, result.RowsLoaded)
}

func TestPipeline_Run_SchemaMismatchFailsFast(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	f := newPipelineFixture(t, clockwork.NewFakeClockAt(base))
	f.reference.fails = []error{
		&permanentErr{msg: "schema mismatch"},
		&permanentErr{msg: "schema mismatch"},
		&permanentErr{msg: "schema mismatch"},
	}

	_, err := f.pipeline.Run(t.Context(), "run-1", base.Add(time.Hour))
	require.Error(t, err)
	require.Equal(t, 1, f.reference.calls)
	require.Zero(t, f.loader.calls)
}

func TestPipeline_Run_RetriesTransientLoad(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	f := newPipelineFixture(t, clockwork.NewFakeClockAt(base))
	f.reference.rows, f.telemetry.rows = fixtureRows(base)
	f.loader.fails = []error{&transientErr{msg: "mart unavailable: connection reset"}}

	result, err := f.pipeline.Run(t.Context(), "run-1", base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, f.loader.calls)
	require.Equal(t, 1, result.RowsLoaded)
}

func TestPipeline_Run_ExhaustedRetriesFail(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	f := newPipelineFixture(t, clockwork.NewFakeClockAt(base))
	f.telemetry.fails = []error{
		&transientErr{msg: "timeout"},
		&transientErr{msg: "timeout"},
		&transientErr{msg: "timeout"},
	}

	_, err := f.pipeline.Run(t.Context(), "run-1", base.Add(time.Hour))
	require.Error(t, err)
	require.Equal(t, 3, f.telemetry.calls)
	require.Zero(t, f.loader.calls)
}

func newRunnerFixture(t *testing.T, clock clockwork.Clock) (*pipeline.Runner, *pipelineFixture, *miniredis.Miniredis) {
	t.Helper()
	f := newPipelineFixture(t, clock)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	lock, err := pipeline.NewRunLock(reportstesting.NewLogger(), client, f.settings.RunCeiling)
	require.NoError(t, err)

	runner, err := pipeline.NewRunner(reportstesting.NewLogger(), f.settings, f.pipeline, lock, f.metrics)
	require.NoError(t, err)
	return runner, f, mr
}

func TestRunner_RunOnce(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 7, 30, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(base)
	runner, f, _ := newRunnerFixture(t, clock)
	f.reference.rows, f.telemetry.rows = fixtureRows(base.Add(-time.Hour))

	require.False(t, runner.Ready())

	status, result := runner.RunOnce(t.Context())
	require.Equal(t, pipeline.StatusSuccess, status)
	require.True(t, runner.Ready())

	// Window end is the scheduling instant truncated to the minute.
	require.True(t, result.WindowEnd.Equal(time.Date(2026, 3, 10, 14, 7, 0, 0, time.UTC)))

	_, last := runner.LastStatus()
	require.Equal(t, pipeline.StatusSuccess, last)
}

func TestRunner_RunOnce_SkippedOnContention(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(base)
	runner, f, mr := newRunnerFixture(t, clock)

	// Another instance holds the lock.
	require.NoError(t, mr.Set("reports-etl:run-lock", "other-run"))

	status, _ := runner.RunOnce(t.Context())
	require.Equal(t, pipeline.StatusSkipped, status)
	require.True(t, runner.Ready())
	require.Zero(t, f.loader.calls)

	// Lock untouched, still owned by the other run.
	val, err := mr.Get("reports-etl:run-lock")
	require.NoError(t, err)
	require.Equal(t, "other-run", val)
}

func TestRunner_RunOnce_FailureReleasesLock(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(base)
	runner, f, mr := newRunnerFixture(t, clock)
	f.reference.fails = []error{&permanentErr{msg: "schema mismatch"}}

	status, _ := runner.RunOnce(t.Context())
	require.Equal(t, pipeline.StatusFailed, status)

	// Lock must be free for the next tick.
	require.False(t, mr.Exists("reports-etl:run-lock"))

	status, _ = runner.RunOnce(t.Context())
	require.Equal(t, pipeline.StatusSuccess, status)
}

func TestRunner_Start_RunsOnSchedule(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(base)
	runner, f, _ := newRunnerFixture(t, clock)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- runner.Start(ctx) }()

	// Initial run fires immediately.
	require.Eventually(t, func() bool {
		f.loader.mu.Lock()
		defer f.loader.mu.Unlock()
		return f.loader.calls == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Next run fires on the period tick.
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(f.settings.Period)
	require.Eventually(t, func() bool {
		f.loader.mu.Lock()
		defer f.loader.mu.Unlock()
		return f.loader.calls == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}
