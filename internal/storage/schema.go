package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// Tables created by Migrate
const (
	QueueTable       = "review_queue_entries"
	FingerprintTable = "review_fingerprints"
	CursorTable      = "review_scan_cursors"
	DeadLetterTable  = "review_dead_letters"
)

type dialect struct {
	serialKey string
	timestamp string
}

var dialects = map[string]dialect{
	driverPostgres: {serialKey: "BIGSERIAL PRIMARY KEY", timestamp: "TIMESTAMPTZ"},
	driverSQLite:   {serialKey: "INTEGER PRIMARY KEY AUTOINCREMENT", timestamp: "TIMESTAMP"},
}

func statements(d dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + QueueTable + ` (
			id ` + d.serialKey + `,
			queue_name TEXT NOT NULL,
			item_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at ` + d.timestamp + ` NOT NULL,
			processing BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		// at most one waiting entry per item; claimed rows are exempt
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_review_queue_pending
			ON ` + QueueTable + ` (queue_name, item_id) WHERE processing = FALSE`,
		`CREATE INDEX IF NOT EXISTS ix_review_queue_order
			ON ` + QueueTable + ` (queue_name, processing, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS ` + FingerprintTable + ` (
			request_id BIGINT PRIMARY KEY,
			last_reviewed_updated_at ` + d.timestamp + ` NOT NULL,
			last_trigger_comment TEXT NOT NULL,
			recorded_at ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + CursorTable + ` (
			scanner TEXT PRIMARY KEY,
			page INTEGER NOT NULL,
			updated_at ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + DeadLetterTable + ` (
			id ` + d.serialKey + `,
			request_id BIGINT NOT NULL,
			stage TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at ` + d.timestamp + ` NOT NULL
		)`,
	}
}

// Migrate creates the pipeline tables if they do not exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	d, ok := dialects[db.DriverName()]
	if !ok {
		return fmt.Errorf("no schema for database driver %q", db.DriverName())
	}

	// statements run one by one; lib/pq and sqlite differ on multi-statement Exec
	for _, stmt := range statements(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Timestamp normalizes t to what every supported database stores losslessly
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
