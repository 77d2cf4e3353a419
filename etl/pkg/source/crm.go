package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres SQLSTATE classes that mean the relation shape changed under us.
var pgSchemaCodes = map[string]bool{
	"42703": true, // undefined_column
	"42P01": true, // undefined_table
	"42883": true, // undefined_function
	"42704": true, // undefined_object
}

func classifyPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgSchemaCodes[pgErr.Code] {
		return &sourceError{kind: ErrSchemaMismatch, cause: err}
	}
	return &sourceError{kind: ErrUnavailable, cause: err}
}

// NewPgPool opens a pgx connection pool and verifies connectivity.
func NewPgPool(ctx context.Context, log *slog.Logger, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("postgres pool initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return pool, nil
}

// CRMSource extracts the reference view straight from the operational CRM
// database.
type CRMSource struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewCRMSource(log *slog.Logger, pool *pgxpool.Pool) *CRMSource {
	return &CRMSource{log: log, pool: pool}
}

// DISTINCT ON keeps exactly one row per chip: the most recently updated
// claim wins, lowest prosthesis_id breaks ties.
const crmReferenceQuery = `
SELECT DISTINCT ON (p.chip_id)
    c.external_id,
    c.last_name,
    c.first_name,
    COALESCE(c.middle_name, ''),
    c.email,
    COALESCE(c.region, ''),
    COALESCE(c.branch, ''),
    p.prosthesis_id,
    p.serial_number,
    p.chip_id,
    pm.model_name,
    pm.category,
    COALESCE(p.firmware_version, ''),
    GREATEST(c.updated_at, p.updated_at) AS last_updated_at
FROM crm.customers c
JOIN crm.prostheses p ON p.customer_id = c.customer_id
JOIN crm.prosthesis_models pm ON pm.model_id = p.model_id
WHERE p.status = 'active'
  AND p.chip_id IS NOT NULL
  AND ($1::timestamptz IS NULL OR GREATEST(c.updated_at, p.updated_at) >= $1)
ORDER BY p.chip_id, GREATEST(c.updated_at, p.updated_at) DESC, p.prosthesis_id ASC
`

func (s *CRMSource) ExtractReference(ctx context.Context, since time.Time, fn func(CustomerProsthesis) error) error {
	var sinceArg *time.Time
	if !since.IsZero() {
		utc := since.UTC()
		sinceArg = &utc
	}

	rows, err := s.pool.Query(ctx, crmReferenceQuery, sinceArg)
	if err != nil {
		return classifyPgErr(err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var cp CustomerProsthesis
		if err := rows.Scan(
			&cp.UserID,
			&cp.LastName,
			&cp.FirstName,
			&cp.MiddleName,
			&cp.CustomerEmail,
			&cp.CustomerRegion,
			&cp.CustomerBranch,
			&cp.ProsthesisID,
			&cp.ProsthesisSerial,
			&cp.ChipID,
			&cp.ProsthesisModel,
			&cp.ProsthesisCategory,
			&cp.FirmwareVersion,
			&cp.LastUpdatedAt,
		); err != nil {
			return classifyPgErr(err)
		}
		cp.LastUpdatedAt = cp.LastUpdatedAt.UTC()
		if err := fn(cp); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return classifyPgErr(err)
	}

	s.log.Debug("extracted CRM reference rows", "rows", count)
	return nil
}

var _ ReferenceSource = (*CRMSource)(nil)
