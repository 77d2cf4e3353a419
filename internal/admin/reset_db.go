package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bionicpro/reports/etl/pkg/clickhouse"
)

// Tables owned by the reports ETL. The goose bookkeeping table goes too so
// migrations start from scratch after a reset.
var managedTables = []string{
	"user_prosthesis_stats",
	"cdc_customer_data",
	"goose_db_version",
}

func ResetDB(log *slog.Logger, addr, database, username, password string, secure, dryRun, skipConfirm bool) error {
	ctx := context.Background()

	chDB, err := clickhouse.NewClient(ctx, log, addr, database, username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer chDB.Close()

	conn, err := chDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	tableQuery := `
		SELECT name
		FROM system.tables
		WHERE database = ? AND name IN (?)
		ORDER BY name
	`
	rows, err := conn.Query(ctx, tableQuery, database, managedTables)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}

	if len(tables) == 0 {
		fmt.Println("No ETL tables found in database")
		return nil
	}

	fmt.Printf("⚠️  WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), database)
	for _, table := range tables {
		fmt.Printf("  - %s\n", table)
	}

	if dryRun {
		fmt.Println("\n[DRY RUN] Would drop the above tables")
		return nil
	}

	if !skipConfirm {
		fmt.Printf("\n⚠️  This is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Printf("Type 'yes' to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Printf("\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Println()
	}

	fmt.Println("Dropping tables...")
	for _, table := range tables {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Printf("  ✓ Dropped %s\n", table)
	}

	fmt.Printf("\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}
