// Package db carries the embedded SQL migrations for the reports mart.
package db

import "embed"

//go:embed clickhouse/migrations/*.sql
var ClickHouseMigrationsFS embed.FS
