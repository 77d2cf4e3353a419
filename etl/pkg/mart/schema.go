// Package mart owns the denormalized fact table user_prosthesis_stats and
// its read models.
package mart

import "time"

// UserProsthesisStat is one hourly fact row: a customer-prosthesis pair with
// the telemetry metrics for a single UTC hour. Logical key is
// (user_id, prosthesis_id, report_date, report_hour); on rewrite the row
// with the greatest etl_processed_at wins.
type UserProsthesisStat struct {
	UserID       string
	ProsthesisID int64
	ChipID       string
	ReportDate   time.Time
	ReportHour   uint8

	CustomerName       string
	CustomerEmail      string
	CustomerRegion     string
	CustomerBranch     string
	ProsthesisModel    string
	ProsthesisCategory string
	ProsthesisSerial   string
	FirmwareVersion    string

	MovementsCount       uint32
	SuccessfulMovements  uint32
	SuccessRate          float64
	AvgResponseTime      float64
	MinResponseTime      float64
	MaxResponseTime      float64
	AvgBatteryLevel      float64
	MinBatteryLevel      float64
	MaxBatteryLevel      float64
	AvgActuatorTemp      float64
	MaxActuatorTemp      float64
	ErrorCount           uint32
	WarningCount         uint32
	AvgConnectionQuality float64
	AvgMyoAmplitude      float64

	SourceUpdatedAt time.Time
	EtlProcessedAt  time.Time
}
