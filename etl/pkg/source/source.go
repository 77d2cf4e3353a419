// Package source pulls reference and telemetry rows for the reports ETL.
//
// Two adapters exist for the reference side: CRMSource reads the operational
// CRM Postgres directly, ReplicaSource reads the CDC replica in ClickHouse.
// Both expose the same flattened active-prosthesis view.
package source

import (
	"context"
	"errors"
	"time"
)

// Mode selects where reference data is extracted from.
type Mode string

const (
	// ModeDirect reads the operational CRM database.
	ModeDirect Mode = "direct"
	// ModeReplica reads the CDC replica populated by log-based replication.
	ModeReplica Mode = "replica"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeReplica:
		return Mode(s), nil
	default:
		return "", errors.New("source mode must be 'direct' or 'replica'")
	}
}

var (
	// ErrUnavailable indicates the source could not be reached or the read
	// failed transiently. The scheduler retries the task.
	ErrUnavailable = errors.New("source unavailable")

	// ErrSchemaMismatch indicates the source is missing an expected relation
	// or column. Fatal for the run; never retried.
	ErrSchemaMismatch = errors.New("source schema mismatch")
)

type sourceError struct {
	kind  error
	cause error
}

func (e *sourceError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *sourceError) Is(target error) bool { return target == e.kind }

func (e *sourceError) Unwrap() error { return e.cause }

// Permanent reports whether retrying can ever help. Schema drift cannot be
// retried away.
func (e *sourceError) Permanent() bool { return e.kind == ErrSchemaMismatch }

// CustomerProsthesis is one row of the flattened reference view: a customer
// joined with one active, chip-provisioned prosthesis and its model. At most
// one row exists per chip id.
type CustomerProsthesis struct {
	UserID             string
	LastName           string
	FirstName          string
	MiddleName         string
	CustomerEmail      string
	CustomerRegion     string
	CustomerBranch     string
	ProsthesisID       int64
	ProsthesisSerial   string
	ChipID             string
	ProsthesisModel    string
	ProsthesisCategory string
	FirmwareVersion    string
	LastUpdatedAt      time.Time
}

// HourlyAggregate is one pre-aggregated telemetry row keyed by
// (chip_id, hour_start), hour_start truncated to the UTC hour upstream.
type HourlyAggregate struct {
	ChipID               string
	HourStart            time.Time
	MovementsCount       int64
	SuccessfulMovements  int64
	AvgResponseTime      float64
	MinResponseTime      float64
	MaxResponseTime      float64
	AvgBatteryLevel      float64
	MinBatteryLevel      float64
	MaxBatteryLevel      float64
	AvgActuatorTemp      float64
	MaxActuatorTemp      float64
	ErrorCount           int64
	WarningCount         int64
	AvgMyoAmplitude      float64
	AvgConnectionQuality float64
	UpdatedAt            time.Time
}

// ReferenceSource streams the flattened active-prosthesis view. A zero since
// extracts the full view; a non-zero since filters on
// greatest(customer.updated_at, prosthesis.updated_at) >= since.
type ReferenceSource interface {
	ExtractReference(ctx context.Context, since time.Time, fn func(CustomerProsthesis) error) error
}

// TelemetrySource streams hourly aggregates with
// hour_start in [windowStart, windowEnd).
type TelemetrySource interface {
	ExtractTelemetry(ctx context.Context, windowStart, windowEnd time.Time, fn func(HourlyAggregate) error) error
}
