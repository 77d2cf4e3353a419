package mart

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bionicpro/reports/etl/pkg/clickhouse"
)

// View serves the read models the reports API is built on. All queries
// collapse rewritten rows to the latest etl_processed_at before aggregating,
// so readers never see a half-merged window.
type View struct {
	log    *slog.Logger
	client clickhouse.Client
}

func NewView(log *slog.Logger, client clickhouse.Client) *View {
	return &View{log: log, client: client}
}

// latestCTE collapses ReplacingMergeTree duplicates without relying on
// background merges having run. The %s slot takes the report_date filter.
const latestCTE = `
WITH latest AS (
    SELECT
        user_id,
        prosthesis_id,
        report_date,
        report_hour,
        argMax(chip_id, etl_processed_at) AS chip_id,
        argMax(customer_name, etl_processed_at) AS customer_name,
        argMax(prosthesis_model, etl_processed_at) AS prosthesis_model,
        argMax(prosthesis_category, etl_processed_at) AS prosthesis_category,
        argMax(prosthesis_serial, etl_processed_at) AS prosthesis_serial,
        argMax(movements_count, etl_processed_at) AS movements_count,
        argMax(successful_movements, etl_processed_at) AS successful_movements,
        argMax(avg_response_time, etl_processed_at) AS avg_response_time,
        argMax(avg_battery_level, etl_processed_at) AS avg_battery_level,
        argMax(min_battery_level, etl_processed_at) AS min_battery_level,
        argMax(max_battery_level, etl_processed_at) AS max_battery_level,
        argMax(avg_actuator_temp, etl_processed_at) AS avg_actuator_temp,
        argMax(max_actuator_temp, etl_processed_at) AS max_actuator_temp,
        argMax(error_count, etl_processed_at) AS error_count,
        argMax(warning_count, etl_processed_at) AS warning_count,
        argMax(avg_connection_quality, etl_processed_at) AS avg_connection_quality
    FROM user_prosthesis_stats
    WHERE user_id = ? AND report_date %s
    GROUP BY user_id, prosthesis_id, report_date, report_hour
)
`

// Averages are unweighted over hourly rows; totals are sums. The success
// rate is recomputed from the day's totals, clamped to 100.
var dailyTotalsQuery = fmt.Sprintf(latestCTE, "= ?") + `
SELECT
    any(customer_name) AS customer_name,
    sum(movements_count) AS total_movements,
    sum(successful_movements) AS successful_movements,
    if(sum(movements_count) > 0, least(100., round(sum(successful_movements) / sum(movements_count) * 100, 2)), 0) AS success_rate,
    round(avg(avg_response_time), 2) AS avg_response_time,
    round(avg(avg_battery_level), 2) AS avg_battery_level,
    round(avg(avg_actuator_temp), 2) AS avg_actuator_temp,
    round(avg(avg_connection_quality), 2) AS avg_connection_quality,
    min(min_battery_level) AS min_battery_level,
    max(max_actuator_temp) AS max_actuator_temp,
    sum(error_count) AS total_errors,
    sum(warning_count) AS total_warnings,
    count(DISTINCT report_hour) AS active_hours
FROM latest
`

var dailyBreakdownQuery = fmt.Sprintf(latestCTE, "= ?") + `
SELECT
    prosthesis_id,
    any(chip_id) AS chip_id,
    any(prosthesis_model) AS prosthesis_model,
    any(prosthesis_category) AS prosthesis_category,
    any(prosthesis_serial) AS prosthesis_serial,
    sum(movements_count) AS total_movements,
    sum(successful_movements) AS successful_movements,
    if(sum(movements_count) > 0, least(100., round(sum(successful_movements) / sum(movements_count) * 100, 2)), 0) AS success_rate,
    round(avg(avg_response_time), 2) AS avg_response_time,
    round(avg(avg_battery_level), 2) AS avg_battery_level,
    sum(error_count) AS total_errors,
    sum(warning_count) AS total_warnings,
    count(DISTINCT report_hour) AS active_hours
FROM latest
GROUP BY prosthesis_id
ORDER BY prosthesis_id
`

type DailyProsthesisStat struct {
	ProsthesisID        int64
	ChipID              string
	ProsthesisModel     string
	ProsthesisCategory  string
	ProsthesisSerial    string
	TotalMovements      uint64
	SuccessfulMovements uint64
	SuccessRate         float64
	AvgResponseTime     float64
	AvgBatteryLevel     float64
	TotalErrors         uint64
	TotalWarnings       uint64
	ActiveHours         uint64
}

type DailyReport struct {
	UserID       string
	CustomerName string
	ReportDate   time.Time

	TotalMovements       uint64
	SuccessfulMovements  uint64
	SuccessRate          float64
	AvgResponseTime      float64
	AvgBatteryLevel      float64
	AvgActuatorTemp      float64
	AvgConnectionQuality float64
	MinBatteryLevel      float64
	MaxActuatorTemp      float64
	TotalErrors          uint64
	TotalWarnings        uint64
	ActiveHours          uint64

	Prostheses []DailyProsthesisStat
}

// GetDailyReport returns one user's aggregates for a UTC day, with a
// per-prosthesis breakdown. A day with no data yields a zero report.
func (v *View) GetDailyReport(ctx context.Context, userID string, date time.Time) (*DailyReport, error) {
	conn, err := v.client.Conn(ctx)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	defer conn.Close()

	day := date.UTC().Truncate(24 * time.Hour)
	report := &DailyReport{UserID: userID, ReportDate: day}

	rows, err := conn.Query(ctx, dailyTotalsQuery, userID, day)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	if rows.Next() {
		if err := rows.Scan(
			&report.CustomerName,
			&report.TotalMovements, &report.SuccessfulMovements, &report.SuccessRate,
			&report.AvgResponseTime, &report.AvgBatteryLevel,
			&report.AvgActuatorTemp, &report.AvgConnectionQuality,
			&report.MinBatteryLevel, &report.MaxActuatorTemp,
			&report.TotalErrors, &report.TotalWarnings, &report.ActiveHours,
		); err != nil {
			rows.Close()
			return nil, classifyTargetErr(err)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classifyTargetErr(err)
	}
	rows.Close()

	if report.ActiveHours == 0 {
		return report, nil
	}

	rows, err = conn.Query(ctx, dailyBreakdownQuery, userID, day)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var stat DailyProsthesisStat
		if err := rows.Scan(
			&stat.ProsthesisID, &stat.ChipID,
			&stat.ProsthesisModel, &stat.ProsthesisCategory, &stat.ProsthesisSerial,
			&stat.TotalMovements, &stat.SuccessfulMovements, &stat.SuccessRate,
			&stat.AvgResponseTime, &stat.AvgBatteryLevel,
			&stat.TotalErrors, &stat.TotalWarnings, &stat.ActiveHours,
		); err != nil {
			return nil, classifyTargetErr(err)
		}
		report.Prostheses = append(report.Prostheses, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyTargetErr(err)
	}
	return report, nil
}

type UserSummary struct {
	UserID       string
	CustomerName string
	From         time.Time
	To           time.Time

	FirstActivity    time.Time
	LastActivity     time.Time
	TotalDays        int
	ActiveDays       uint64
	ActiveProstheses uint64

	TotalMovements      uint64
	SuccessfulMovements uint64
	SuccessRate         float64
	AvgResponseTime     float64
	AvgBatteryLevel     float64
	TotalErrors         uint64
	TotalWarnings       uint64
	AvgErrorsPerDay     float64
}

var userSummaryQuery = fmt.Sprintf(latestCTE, ">= ? AND report_date <= ?") + `
SELECT
    any(customer_name) AS customer_name,
    count(DISTINCT report_date) AS active_days,
    count(DISTINCT prosthesis_id) AS active_prostheses,
    sum(movements_count) AS total_movements,
    sum(successful_movements) AS successful_movements,
    if(sum(movements_count) > 0, least(100., round(sum(successful_movements) / sum(movements_count) * 100, 2)), 0) AS success_rate,
    round(avg(avg_response_time), 2) AS avg_response_time,
    round(avg(avg_battery_level), 2) AS avg_battery_level,
    sum(error_count) AS total_errors,
    sum(warning_count) AS total_warnings,
    if(count(DISTINCT report_date) > 0, round(sum(error_count) / count(DISTINCT report_date), 2), 0) AS avg_errors_per_day,
    min(report_date) AS first_activity,
    max(report_date) AS last_activity
FROM latest
`

// GetUserSummary aggregates a user's activity across a closed date range.
func (v *View) GetUserSummary(ctx context.Context, userID string, from, to time.Time) (*UserSummary, error) {
	conn, err := v.client.Conn(ctx)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	defer conn.Close()

	fromDay := from.UTC().Truncate(24 * time.Hour)
	toDay := to.UTC().Truncate(24 * time.Hour)

	rows, err := conn.Query(ctx, userSummaryQuery, userID, fromDay, toDay)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	defer rows.Close()

	summary := &UserSummary{UserID: userID, From: fromDay, To: toDay}
	if rows.Next() {
		if err := rows.Scan(
			&summary.CustomerName,
			&summary.ActiveDays, &summary.ActiveProstheses,
			&summary.TotalMovements, &summary.SuccessfulMovements, &summary.SuccessRate,
			&summary.AvgResponseTime, &summary.AvgBatteryLevel,
			&summary.TotalErrors, &summary.TotalWarnings, &summary.AvgErrorsPerDay,
			&summary.FirstActivity, &summary.LastActivity,
		); err != nil {
			return nil, classifyTargetErr(err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyTargetErr(err)
	}

	if summary.ActiveDays > 0 {
		summary.TotalDays = int(summary.LastActivity.Sub(summary.FirstActivity).Hours()/24) + 1
	} else {
		summary.FirstActivity, summary.LastActivity = time.Time{}, time.Time{}
	}
	return summary, nil
}

const reportDatesQuery = `
SELECT DISTINCT report_date
FROM user_prosthesis_stats
WHERE user_id = ?
ORDER BY report_date DESC
LIMIT ? OFFSET ?
`

// GetReportDates lists the dates a user has data for, newest first.
func (v *View) GetReportDates(ctx context.Context, userID string, limit, offset int) ([]time.Time, error) {
	conn, err := v.client.Conn(ctx)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, reportDatesQuery, userID, limit, offset)
	if err != nil {
		return nil, classifyTargetErr(err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, classifyTargetErr(err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyTargetErr(err)
	}
	return dates, nil
}
