// Package transform joins extracted reference and telemetry rows into mart
// fact rows. Pure in-memory computation, no IO.
package transform

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/bionicpro/reports/etl/pkg/mart"
	"github.com/bionicpro/reports/etl/pkg/source"
)

// Stats summarizes one transform pass.
type Stats struct {
	ReferenceRows int
	TelemetryRows int
	Rows          int
	OrphanRows    int
	InvalidRows   int
	DistinctUsers int
}

type Transformer struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Transformer {
	return &Transformer{log: log}
}

// Join matches telemetry aggregates to reference rows by chip id and emits
// one fact row per matched (chip, hour). Telemetry with no matching chip is
// dropped and counted as orphaned; telemetry failing metric validation is
// dropped and counted as invalid. processedAt stamps every emitted row so a
// whole run shares one merge version. The context is checked between chunks
// of telemetry so a run deadline can stop a large join.
func (t *Transformer) Join(ctx context.Context, reference []source.CustomerProsthesis, telemetry []source.HourlyAggregate, processedAt time.Time) ([]mart.UserProsthesisStat, Stats, error) {
	stats := Stats{
		ReferenceRows: len(reference),
		TelemetryRows: len(telemetry),
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	byChip := indexByChip(reference)
	users := make(map[string]struct{})
	rows := make([]mart.UserProsthesisStat, 0, len(telemetry))

	for i, agg := range telemetry {
		if i%4096 == 0 && i > 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		ref, ok := byChip[agg.ChipID]
		if !ok {
			stats.OrphanRows++
			t.log.Warn("orphan telemetry row, no active prosthesis for chip",
				"chip_id", agg.ChipID, "hour_start", agg.HourStart.Format(time.RFC3339))
			continue
		}
		if reason := validateAggregate(agg); reason != "" {
			stats.InvalidRows++
			t.log.Warn("invalid telemetry row dropped",
				"chip_id", agg.ChipID, "hour_start", agg.HourStart.Format(time.RFC3339), "reason", reason)
			continue
		}

		rows = append(rows, makeRow(ref, agg, processedAt))
		users[ref.UserID] = struct{}{}
	}

	stats.Rows = len(rows)
	stats.DistinctUsers = len(users)
	return rows, stats, nil
}

// indexByChip keeps one reference row per chip. Sources already deduplicate,
// but when both a direct and replayed row slip through, the most recently
// updated wins, lowest prosthesis id on a timestamp tie.
func indexByChip(reference []source.CustomerProsthesis) map[string]source.CustomerProsthesis {
	byChip := make(map[string]source.CustomerProsthesis, len(reference))
	for _, ref := range reference {
		cur, ok := byChip[ref.ChipID]
		if !ok {
			byChip[ref.ChipID] = ref
			continue
		}
		if ref.LastUpdatedAt.After(cur.LastUpdatedAt) ||
			(ref.LastUpdatedAt.Equal(cur.LastUpdatedAt) && ref.ProsthesisID < cur.ProsthesisID) {
			byChip[ref.ChipID] = ref
		}
	}
	return byChip
}

func validateAggregate(agg source.HourlyAggregate) string {
	switch {
	case agg.MovementsCount < 0 || agg.SuccessfulMovements < 0 ||
		agg.ErrorCount < 0 || agg.WarningCount < 0:
		return "negative counter"
	case agg.MovementsCount > math.MaxUint32 || agg.SuccessfulMovements > math.MaxUint32 ||
		agg.ErrorCount > math.MaxUint32 || agg.WarningCount > math.MaxUint32:
		return "counter overflow"
	case agg.SuccessfulMovements > agg.MovementsCount:
		return "successful movements exceed total"
	case agg.AvgResponseTime < 0 || agg.MinResponseTime < 0 || agg.MaxResponseTime < 0:
		return "negative response time"
	case agg.AvgBatteryLevel < 0 || agg.AvgBatteryLevel > 100 ||
		agg.MinBatteryLevel < 0 || agg.MinBatteryLevel > 100 ||
		agg.MaxBatteryLevel < 0 || agg.MaxBatteryLevel > 100:
		return "battery level out of range"
	case agg.AvgConnectionQuality < 0 || agg.AvgConnectionQuality > 100:
		return "connection quality out of range"
	default:
		return ""
	}
}

func makeRow(ref source.CustomerProsthesis, agg source.HourlyAggregate, processedAt time.Time) mart.UserProsthesisStat {
	hourStart := agg.HourStart.UTC()
	sourceUpdatedAt := ref.LastUpdatedAt
	if agg.UpdatedAt.After(sourceUpdatedAt) {
		sourceUpdatedAt = agg.UpdatedAt
	}

	return mart.UserProsthesisStat{
		UserID:       ref.UserID,
		ProsthesisID: ref.ProsthesisID,
		ChipID:       ref.ChipID,
		ReportDate:   hourStart.Truncate(24 * time.Hour),
		ReportHour:   uint8(hourStart.Hour()),

		CustomerName:       CustomerName(ref.LastName, ref.FirstName, ref.MiddleName),
		CustomerEmail:      ref.CustomerEmail,
		CustomerRegion:     ref.CustomerRegion,
		CustomerBranch:     ref.CustomerBranch,
		ProsthesisModel:    ref.ProsthesisModel,
		ProsthesisCategory: ref.ProsthesisCategory,
		ProsthesisSerial:   ref.ProsthesisSerial,
		FirmwareVersion:    ref.FirmwareVersion,

		MovementsCount:       uint32(agg.MovementsCount),
		SuccessfulMovements:  uint32(agg.SuccessfulMovements),
		SuccessRate:          SuccessRate(agg.SuccessfulMovements, agg.MovementsCount),
		AvgResponseTime:      agg.AvgResponseTime,
		MinResponseTime:      agg.MinResponseTime,
		MaxResponseTime:      agg.MaxResponseTime,
		AvgBatteryLevel:      agg.AvgBatteryLevel,
		MinBatteryLevel:      agg.MinBatteryLevel,
		MaxBatteryLevel:      agg.MaxBatteryLevel,
		AvgActuatorTemp:      agg.AvgActuatorTemp,
		MaxActuatorTemp:      agg.MaxActuatorTemp,
		ErrorCount:           uint32(agg.ErrorCount),
		WarningCount:         uint32(agg.WarningCount),
		AvgConnectionQuality: agg.AvgConnectionQuality,
		AvgMyoAmplitude:      agg.AvgMyoAmplitude,

		SourceUpdatedAt: sourceUpdatedAt,
		EtlProcessedAt:  processedAt.UTC(),
	}
}

// CustomerName composes the display name as "Last First" with an optional
// middle name appended.
func CustomerName(lastName, firstName, middleName string) string {
	parts := []string{lastName, firstName}
	if middleName != "" {
		parts = append(parts, middleName)
	}
	return strings.Join(parts, " ")
}

// SuccessRate is the percentage of successful movements rounded to two
// decimals, half away from zero. Zero movements yields zero, not NaN.
func SuccessRate(successful, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return Round2(float64(successful) / float64(total) * 100)
}

func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
