package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bionicpro/reports/etl/pkg/clickhouse"
	"github.com/bionicpro/reports/etl/pkg/mart"
)

// ApplyRetention rewrites the mart TTL. Existing partitions past the new
// retention are dropped by ClickHouse on the next TTL merge.
func ApplyRetention(log *slog.Logger, addr, database, username, password string, secure bool, days int, dryRun bool) error {
	ctx := context.Background()

	if dryRun {
		fmt.Printf("[DRY RUN] Would set user_prosthesis_stats TTL to report_date + %d days\n", days)
		return nil
	}

	chDB, err := clickhouse.NewClient(ctx, log, addr, database, username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer chDB.Close()

	store, err := mart.NewStore(&mart.StoreConfig{Logger: log, Client: chDB})
	if err != nil {
		return fmt.Errorf("failed to create mart store: %w", err)
	}
	if err := store.ApplyRetention(ctx, days); err != nil {
		return fmt.Errorf("failed to apply retention: %w", err)
	}

	fmt.Printf("TTL set to report_date + %d days\n", days)
	return nil
}
