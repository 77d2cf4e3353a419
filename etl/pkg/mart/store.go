package mart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/bionicpro/reports/etl/pkg/clickhouse"
)

// ErrTargetUnavailable indicates the mart could not be written. Retryable.
var ErrTargetUnavailable = errors.New("mart unavailable")

type targetError struct {
	cause error
}

func (e *targetError) Error() string        { return "mart unavailable: " + e.cause.Error() }
func (e *targetError) Is(target error) bool { return target == ErrTargetUnavailable }
func (e *targetError) Unwrap() error        { return e.cause }
func (e *targetError) Permanent() bool      { return false }

func classifyTargetErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &targetError{cause: err}
}

type StoreConfig struct {
	Logger    *slog.Logger
	Client    clickhouse.Client
	BatchSize int
	Clock     clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10_000
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store writes fact rows into user_prosthesis_stats.
type Store struct {
	log *slog.Logger
	cfg *StoreConfig
}

func NewStore(cfg *StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate mart store config: %w", err)
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// Clock exposes the store's clock so callers can stamp rows consistently.
func (s *Store) Clock() clockwork.Clock {
	return s.cfg.Clock
}

type LoadResult struct {
	Inserted int
	// UserIDs are the distinct users touched by this load, sorted.
	UserIDs []string
}

const insertQuery = `
INSERT INTO user_prosthesis_stats (
    user_id, prosthesis_id, chip_id, report_date, report_hour,
    customer_name, customer_email, customer_region, customer_branch,
    prosthesis_model, prosthesis_category, prosthesis_serial, firmware_version,
    movements_count, successful_movements, success_rate,
    avg_response_time, min_response_time, max_response_time,
    avg_battery_level, min_battery_level, max_battery_level,
    avg_actuator_temp, max_actuator_temp,
    error_count, warning_count, avg_connection_quality, avg_myo_amplitude,
    source_updated_at, etl_processed_at
)`

// Load appends rows in batches. Re-running a window rewrites the same
// logical keys with a fresh etl_processed_at; merges collapse to the latest
// version, so loads are idempotent at the read model level.
func (s *Store) Load(ctx context.Context, rows []UserProsthesisStat) (LoadResult, error) {
	if len(rows) == 0 {
		return LoadResult{}, nil
	}

	conn, err := s.cfg.Client.Conn(ctx)
	if err != nil {
		return LoadResult{}, classifyTargetErr(err)
	}
	defer conn.Close()

	ctx = clickhouse.ContextWithSyncInsert(ctx)

	users := make(map[string]struct{})
	inserted := 0
	for start := 0; start < len(rows); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(rows))

		batch, err := conn.PrepareBatch(ctx, insertQuery)
		if err != nil {
			return LoadResult{}, classifyTargetErr(err)
		}
		for _, row := range rows[start:end] {
			if err := batch.Append(
				row.UserID, row.ProsthesisID, row.ChipID, row.ReportDate, row.ReportHour,
				row.CustomerName, row.CustomerEmail, row.CustomerRegion, row.CustomerBranch,
				row.ProsthesisModel, row.ProsthesisCategory, row.ProsthesisSerial, row.FirmwareVersion,
				row.MovementsCount, row.SuccessfulMovements, row.SuccessRate,
				row.AvgResponseTime, row.MinResponseTime, row.MaxResponseTime,
				row.AvgBatteryLevel, row.MinBatteryLevel, row.MaxBatteryLevel,
				row.AvgActuatorTemp, row.MaxActuatorTemp,
				row.ErrorCount, row.WarningCount, row.AvgConnectionQuality, row.AvgMyoAmplitude,
				row.SourceUpdatedAt, row.EtlProcessedAt,
			); err != nil {
				return LoadResult{}, classifyTargetErr(err)
			}
			users[row.UserID] = struct{}{}
		}
		if err := batch.Send(); err != nil {
			return LoadResult{}, classifyTargetErr(err)
		}
		inserted += end - start
		s.log.Debug("loaded mart batch", "rows", end-start, "total", inserted)
	}

	userIDs := make([]string, 0, len(users))
	for id := range users {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	return LoadResult{Inserted: inserted, UserIDs: userIDs}, nil
}

// ApplyRetention rewrites the mart TTL to the given number of days. Used by
// the admin command when the retention policy changes.
func (s *Store) ApplyRetention(ctx context.Context, days int) error {
	if days <= 0 {
		return errors.New("retention days must be positive")
	}
	conn, err := s.cfg.Client.Conn(ctx)
	if err != nil {
		return classifyTargetErr(err)
	}
	defer conn.Close()

	query := fmt.Sprintf("ALTER TABLE user_prosthesis_stats MODIFY TTL report_date + INTERVAL %d DAY DELETE", days)
	if err := conn.Exec(ctx, query); err != nil {
		return classifyTargetErr(err)
	}
	s.log.Info("mart retention updated", "days", days)
	return nil
}
