package db

import (
	"context"

	"github.com/pkg/errors"
)

// Schema creates the destination tables the ingester writes and the
// tracker reconciles against, plus the delivery journal.
var Schema = []string{
	`CREATE SCHEMA IF NOT EXISTS logharbor`,
	`CREATE TABLE IF NOT EXISTS logharbor.ingestion_log (
		seq                 BIGSERIAL PRIMARY KEY,
		ingestion_source_id TEXT,
		database_name       TEXT NOT NULL,
		table_name          TEXT NOT NULL,
		relative_path       TEXT NOT NULL,
		blob_path           TEXT,
		raw_data_size       BIGINT NOT NULL DEFAULT 0,
		ingested_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ingestion_log_target_idx
		ON logharbor.ingestion_log (database_name, table_name, ingested_at)`,
	`CREATE TABLE IF NOT EXISTS logharbor.ingestion_failures (
		id                  BIGSERIAL PRIMARY KEY,
		ingestion_source_id TEXT,
		database_name       TEXT NOT NULL,
		table_name          TEXT NOT NULL,
		relative_path       TEXT NOT NULL,
		error_code          TEXT NOT NULL DEFAULT '',
		details             TEXT NOT NULL DEFAULT '',
		failed_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ingestion_failures_target_idx
		ON logharbor.ingestion_failures (database_name, table_name, failed_at)`,
	`CREATE TABLE IF NOT EXISTS logharbor.deliveries (
		correlation_id TEXT PRIMARY KEY,
		source_path    TEXT NOT NULL DEFAULT '',
		relative_path  TEXT NOT NULL,
		blob_uri       TEXT NOT NULL DEFAULT '',
		size_bytes     BIGINT NOT NULL DEFAULT 0,
		status         TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed')),
		failure_detail TEXT,
		enqueued_at    TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema applies Schema in order
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}
