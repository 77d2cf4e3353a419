package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TelemetryDB extracts hourly aggregates from the telemetry database. The
// heavy per-event aggregation happens upstream in v_hourly_telemetry; we
// only window and stream it.
type TelemetryDB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewTelemetryDB(log *slog.Logger, pool *pgxpool.Pool) *TelemetryDB {
	return &TelemetryDB{log: log, pool: pool}
}

// Nullable averages come back as 0 so downstream math never sees NULL.
const telemetryWindowQuery = `
SELECT
    chip_id,
    hour_start,
    movements_count,
    successful_movements,
    COALESCE(avg_response_time, 0),
    COALESCE(min_response_time, 0),
    COALESCE(max_response_time, 0),
    COALESCE(avg_battery_level, 0),
    COALESCE(min_battery_level, 0),
    COALESCE(max_battery_level, 0),
    COALESCE(avg_actuator_temp, 0),
    COALESCE(max_actuator_temp, 0),
    error_count,
    warning_count,
    COALESCE(avg_myo_amplitude, 0),
    COALESCE(avg_connection_quality, 0),
    updated_at
FROM telemetry.v_hourly_telemetry
WHERE hour_start >= $1 AND hour_start < $2
ORDER BY chip_id, hour_start
`

func (s *TelemetryDB) ExtractTelemetry(ctx context.Context, windowStart, windowEnd time.Time, fn func(HourlyAggregate) error) error {
	rows, err := s.pool.Query(ctx, telemetryWindowQuery, windowStart.UTC(), windowEnd.UTC())
	if err != nil {
		return classifyPgErr(err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var agg HourlyAggregate
		if err := rows.Scan(
			&agg.ChipID,
			&agg.HourStart,
			&agg.MovementsCount,
			&agg.SuccessfulMovements,
			&agg.AvgResponseTime,
			&agg.MinResponseTime,
			&agg.MaxResponseTime,
			&agg.AvgBatteryLevel,
			&agg.MinBatteryLevel,
			&agg.MaxBatteryLevel,
			&agg.AvgActuatorTemp,
			&agg.MaxActuatorTemp,
			&agg.ErrorCount,
			&agg.WarningCount,
			&agg.AvgMyoAmplitude,
			&agg.AvgConnectionQuality,
			&agg.UpdatedAt,
		); err != nil {
			return classifyPgErr(err)
		}
		agg.HourStart = agg.HourStart.UTC()
		agg.UpdatedAt = agg.UpdatedAt.UTC()
		if err := fn(agg); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return classifyPgErr(err)
	}

	s.log.Debug("extracted telemetry rows",
		"rows", count,
		"window_start", windowStart.UTC().Format(time.RFC3339),
		"window_end", windowEnd.UTC().Format(time.RFC3339))
	return nil
}

var _ TelemetrySource = (*TelemetryDB)(nil)
