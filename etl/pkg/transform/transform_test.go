package transform_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bionicpro/reports/etl/pkg/source"
	"github.com/bionicpro/reports/etl/pkg/transform"
	reportstesting "github.com/bionicpro/reports/utils/pkg/testing"
)

func refRow(userID, chipID string, prosthesisID int64, updatedAt time.Time) source.CustomerProsthesis {
	return source.CustomerProsthesis{
		UserID:             userID,
		LastName:           "Lindqvist",
		FirstName:          "Erik",
		MiddleName:         "Johan",
		CustomerEmail:      userID + "@example.com",
		CustomerRegion:     "EU-North",
		CustomerBranch:     "Stockholm",
		ProsthesisID:       prosthesisID,
		ProsthesisSerial:   "SN-001",
		ChipID:             chipID,
		ProsthesisModel:    "NeoGrip X2",
		ProsthesisCategory: "upper_limb",
		FirmwareVersion:    "v2.1.0",
		LastUpdatedAt:      updatedAt,
	}
}

func aggRow(chipID string, hourStart time.Time, movements, successful int64) source.HourlyAggregate {
	return source.HourlyAggregate{
		ChipID:               chipID,
		HourStart:            hourStart,
		MovementsCount:       movements,
		SuccessfulMovements:  successful,
		AvgResponseTime:      120.5,
		MinResponseTime:      80,
		MaxResponseTime:      200,
		AvgBatteryLevel:      76.2,
		MinBatteryLevel:      60,
		MaxBatteryLevel:      95,
		AvgActuatorTemp:      33.1,
		MaxActuatorTemp:      36.4,
		ErrorCount:           2,
		WarningCount:         5,
		AvgMyoAmplitude:      0.42,
		AvgConnectionQuality: 0.97,
		UpdatedAt:            hourStart.Add(5 * time.Minute),
	}
}

func TestTransform_Join(t *testing.T) {
	tr := transform.New(reportstesting.NewLogger())

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	processedAt := base.Add(2 * time.Hour)

	reference := []source.CustomerProsthesis{refRow("user-a", "chip-001", 101, base)}
	telemetry := []source.HourlyAggregate{aggRow("chip-001", base, 200, 187)}

	rows, stats, err := tr.Join(t.Context(), reference, telemetry, processedAt)
	require.NoError(t, err)

	require.Len(t, rows, 1)
	require.Equal(t, 1, stats.Rows)
	require.Equal(t, 1, stats.DistinctUsers)
	require.Zero(t, stats.OrphanRows)
	require.Zero(t, stats.InvalidRows)

	row := rows[0]
	require.Equal(t, "user-a", row.UserID)
	require.Equal(t, int64(101), row.ProsthesisID)
	require.Equal(t, "Lindqvist Erik Johan", row.CustomerName)
	require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), row.ReportDate)
	require.Equal(t, uint8(14), row.ReportHour)
	require.Equal(t, uint32(200), row.MovementsCount)
	require.InDelta(t, 93.5, row.SuccessRate, 1e-9)
	require.Equal(t, "v2.1.0", row.FirmwareVersion)
	// source_updated_at takes whichever side changed last.
	require.True(t, row.SourceUpdatedAt.Equal(base.Add(5*time.Minute)))
	require.True(t, row.EtlProcessedAt.Equal(processedAt))
}

func TestTransform_Join_UTCDerivation(t *testing.T) {
	tr := transform.New(reportstesting.NewLogger())

	// 23:00 UTC on March 10 arriving with a +03:00 wall clock must still
	// land on March 10 hour 23, not March 11.
	loc := time.FixedZone("UTC+3", 3*3600)
	hour := time.Date(2026, 3, 11, 2, 0, 0, 0, loc)

	reference := []source.CustomerProsthesis{refRow("user-a", "chip-001", 101, hour)}
	rows, _, err := tr.Join(t.Context(), reference, []source.HourlyAggregate{aggRow("chip-001", hour, 10, 10)}, hour)
	require.NoError(t, err)

	require.Len(t, rows, 1)
	require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), rows[0].ReportDate)
	require.Equal(t, uint8(23), rows[0].ReportHour)
}

func TestTransform_Join_OrphanTelemetry(t *testing.T) {
	tr := transform.New(reportstesting.NewLogger())

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	reference := []source.CustomerProsthesis{refRow("user-a", "chip-001", 101, base)}
	telemetry := []source.HourlyAggregate{
		aggRow("chip-001", base, 10, 10),
		aggRow("chip-unknown", base, 10, 10),
	}

	rows, stats, err := tr.Join(t.Context(), reference, telemetry, base)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1, stats.OrphanRows)
}

func TestTransform_Join_InvalidMetrics(t *testing.T) {
	tr := transform.New(reportstesting.NewLogger())
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	reference := []source.CustomerProsthesis{refRow("user-a", "chip-001", 101, base)}

	tests := []struct {
		name   string
		mutate func(*source.HourlyAggregate)
	}{
		{"successful exceeds total", func(a *source.HourlyAggregate) { a.SuccessfulMovements = a.MovementsCount + 1 }},
		{"negative movements", func(a *source.HourlyAggregate) { a.MovementsCount = -1; a.SuccessfulMovements = -1 }},
		{"negative response time", func(a *source.HourlyAggregate) { a.MinResponseTime = -5 }},
		{"battery above 100", func(a *source.HourlyAggregate) { a.MaxBatteryLevel = 101 }},
		{"connection quality above 100", func(a *source.HourlyAggregate) { a.AvgConnectionQuality = 100.5 }},
		{"negative connection quality", func(a *source.HourlyAggregate) { a.AvgConnectionQuality = -0.1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			agg := aggRow("chip-001", base, 100, 90)
			tc.mutate(&agg)
			rows, stats, err := tr.Join(t.Context(), reference, []source.HourlyAggregate{agg}, base)
			require.NoError(t, err)
			require.Empty(t, rows)
			require.Equal(t, 1, stats.InvalidRows)
			require.Zero(t, stats.OrphanRows)
		})
	}
}

func TestTransform_Join_ConnectionQualityIsPercent(t *testing.T) {
	tr := transform.New(reportstesting.NewLogger())
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	reference := []source.CustomerProsthesis{refRow("user-a", "chip-001", 101, base)}

	// Quality arrives on the same 0-100 scale as battery level; values past
	// the fractional range must survive the join.
	agg := aggRow("chip-001", base, 100, 90)
	agg.AvgConnectionQuality = 87

	rows, stats, err := tr.Join(t.Context(), reference, []source.HourlyAggregate{agg}, base)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Zero(t, stats.InvalidRows)
	require.InDelta(t, 87, rows[0].AvgConnectionQuality, 1e-9)
}

func TestTransform_Join_Cancelled(t *testing.T) {
	tr := transform.New(reportstesting.NewLogger())
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	reference := []source.CustomerProsthesis{refRow("user-a", "chip-001", 101, base)}
	telemetry := []source.HourlyAggregate{aggRow("chip-001", base, 10, 10)}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, _, err := tr.Join(ctx, reference, telemetry, base)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTransform_Join_DedupTieBreak(t *testing.T) {
	tr := transform.New(reportstesting.NewLogger())
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	// Duplicate chip claims: the fresher row wins, then lower prosthesis id.
	reference := []source.CustomerProsthesis{
		refRow("user-old", "chip-001", 101, base.Add(-time.Hour)),
		refRow("user-new", "chip-001", 102, base),
		refRow("user-tie-high", "chip-002", 202, base),
		refRow("user-tie-low", "chip-002", 201, base),
	}
	telemetry := []source.HourlyAggregate{
		aggRow("chip-001", base, 10, 10),
		aggRow("chip-002", base, 10, 10),
	}

	rows, _, err := tr.Join(t.Context(), reference, telemetry, base)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byChip := map[string]string{}
	for _, row := range rows {
		byChip[row.ChipID] = row.UserID
	}
	require.Equal(t, "user-new", byChip["chip-001"])
	require.Equal(t, "user-tie-low", byChip["chip-002"])
}

func TestTransform_SuccessRate(t *testing.T) {
	require.Zero(t, transform.SuccessRate(0, 0))
	require.InDelta(t, 100.0, transform.SuccessRate(10, 10), 1e-9)
	require.InDelta(t, 33.33, transform.SuccessRate(1, 3), 1e-9)
	require.InDelta(t, 66.67, transform.SuccessRate(2, 3), 1e-9)
	// Half rounds away from zero.
	require.InDelta(t, 12.35, transform.SuccessRate(1235, 10000), 1e-9)
}

func TestTransform_CustomerName(t *testing.T) {
	require.Equal(t, "Berg Anna", transform.CustomerName("Berg", "Anna", ""))
	require.Equal(t, "Lindqvist Erik Johan", transform.CustomerName("Lindqvist", "Erik", "Johan"))
}
