package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/bionicpro/reports/etl/pkg/clickhouse"
)

// ClickHouse server error codes that mean the replica table shape changed.
var chSchemaCodes = map[int32]bool{
	16: true, // NO_SUCH_COLUMN_IN_TABLE
	47: true, // UNKNOWN_IDENTIFIER
	60: true, // UNKNOWN_TABLE
}

func classifyChErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var exc *ch.Exception
	if errors.As(err, &exc) && chSchemaCodes[exc.Code] {
		return &sourceError{kind: ErrSchemaMismatch, cause: err}
	}
	return &sourceError{kind: ErrUnavailable, cause: err}
}

// ReplicaSource extracts the reference view from the CDC replica table in
// ClickHouse instead of the operational CRM database. Collapsing by the
// replication offset reproduces the latest CRM state per chip.
type ReplicaSource struct {
	log    *slog.Logger
	client clickhouse.Client
}

func NewReplicaSource(log *slog.Logger, client clickhouse.Client) *ReplicaSource {
	return &ReplicaSource{log: log, client: client}
}

// The %s slot takes an optional since filter on the collapsed row.
const replicaReferenceQuery = `
SELECT
    chip_id,
    argMax(user_id, _version) AS user_id,
    argMax(last_name, _version) AS last_name,
    argMax(first_name, _version) AS first_name,
    argMax(middle_name, _version) AS middle_name,
    argMax(customer_email, _version) AS customer_email,
    argMax(customer_region, _version) AS customer_region,
    argMax(customer_branch, _version) AS customer_branch,
    argMax(prosthesis_id, _version) AS prosthesis_id,
    argMax(prosthesis_serial, _version) AS prosthesis_serial,
    argMax(prosthesis_model, _version) AS prosthesis_model,
    argMax(prosthesis_category, _version) AS prosthesis_category,
    argMax(firmware_version, _version) AS firmware_version,
    argMax(is_active, _version) AS is_active,
    argMax(last_updated_at, _version) AS last_updated_at
FROM cdc_customer_data
WHERE chip_id != ''
GROUP BY chip_id
HAVING is_active = 1%s
ORDER BY chip_id
`

func (s *ReplicaSource) ExtractReference(ctx context.Context, since time.Time, fn func(CustomerProsthesis) error) error {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return classifyChErr(err)
	}
	defer conn.Close()

	filter := ""
	var args []any
	if !since.IsZero() {
		filter = " AND last_updated_at >= ?"
		args = append(args, since.UTC())
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(replicaReferenceQuery, filter), args...)
	if err != nil {
		return classifyChErr(err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			cp       CustomerProsthesis
			isActive uint8
		)
		if err := rows.Scan(
			&cp.ChipID,
			&cp.UserID,
			&cp.LastName,
			&cp.FirstName,
			&cp.MiddleName,
			&cp.CustomerEmail,
			&cp.CustomerRegion,
			&cp.CustomerBranch,
			&cp.ProsthesisID,
			&cp.ProsthesisSerial,
			&cp.ProsthesisModel,
			&cp.ProsthesisCategory,
			&cp.FirmwareVersion,
			&isActive,
			&cp.LastUpdatedAt,
		); err != nil {
			return classifyChErr(err)
		}
		cp.LastUpdatedAt = cp.LastUpdatedAt.UTC()
		if err := fn(cp); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return classifyChErr(err)
	}

	s.log.Debug("extracted replica reference rows", "rows", count)
	return nil
}

var _ ReferenceSource = (*ReplicaSource)(nil)
