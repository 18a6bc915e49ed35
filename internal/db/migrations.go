package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS violations (
		id                UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		track_id          BIGINT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'open',
		started_at        TIMESTAMPTZ NOT NULL,
		ended_at          TIMESTAMPTZ,
		duration_seconds  BIGINT,
		plate             TEXT,
		plate_normalized  TEXT,
		plate_confidence  DOUBLE PRECISION,
		color             TEXT,
		evidence_ref      TEXT,
		location          TEXT,
		ocr_readings      JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT chk_violations_status CHECK (status IN ('open', 'closed')),
		CONSTRAINT chk_violations_end CHECK (ended_at IS NULL OR ended_at >= started_at)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_started_at ON violations(started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_plate_normalized ON violations(plate_normalized);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_violations_open_track ON violations(track_id) WHERE status = 'open';`,
	`CREATE TABLE IF NOT EXISTS notification_batches (
		id          UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		count       INT NOT NULL,
		message     TEXT NOT NULL,
		payload     JSONB,
		sent_at     TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_notification_batches_unsent ON notification_batches(created_at) WHERE sent_at IS NULL;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
