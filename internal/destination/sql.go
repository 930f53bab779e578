package destination

import (
	"strconv"
	"time"
)

// Column names shared by the statements below and their readers
const (
	ColRelativePath = "relative_path"
	ColSourceID     = "ingestion_source_id"
	ColErrorCode    = "error_code"
	ColDetails      = "details"
	ColFailedAt     = "failed_at"
	ColIngestedAt   = "ingested_at"
	ColCursor       = "cursor"
)

// DistinctPaths lists relative paths ingested into database.table after
// since and, when cursor is non-empty, after that ingestion-log position
func DistinctPaths(database, table, cursor string, since time.Time) (string, []any) {
	q := `SELECT DISTINCT relative_path
FROM logharbor.ingestion_log
WHERE database_name = $1 AND table_name = $2 AND ingested_at >= $3`
	args := []any{database, table, since}
	if cursor != "" {
		args = append(args, cursor)
		q += ` AND seq > $` + strconv.Itoa(len(args)) + `::bigint`
	}
	return q, args
}

// CurrentCursor reports the latest ingestion-log position for the target.
// The value is an opaque ordering token.
func CurrentCursor(database, table string) (string, []any) {
	return `SELECT COALESCE(MAX(seq), 0)::text AS cursor
FROM logharbor.ingestion_log
WHERE database_name = $1 AND table_name = $2`, []any{database, table}
}

// FailuresSince lists ingestion failures recorded for the target after
// the watermark
func FailuresSince(database, table string, watermark time.Time) (string, []any) {
	return `SELECT ingestion_source_id, relative_path, error_code, details, failed_at
FROM logharbor.ingestion_failures
WHERE database_name = $1 AND table_name = $2 AND failed_at > $3
ORDER BY failed_at`, []any{database, table, watermark}
}

// RecordIngested appends a successful ingestion to the ingestion log
func RecordIngested(sourceID, database, table, relativePath, blobPath string, size int64) (string, []any) {
	return `INSERT INTO logharbor.ingestion_log
	(ingestion_source_id, database_name, table_name, relative_path, blob_path, raw_data_size)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING seq::text AS cursor`, []any{sourceID, database, table, relativePath, blobPath, size}
}

// RecordFailure appends an ingestion failure to the failure log
func RecordFailure(sourceID, database, table, relativePath, code, details string) (string, []any) {
	return `INSERT INTO logharbor.ingestion_failures
	(ingestion_source_id, database_name, table_name, relative_path, error_code, details)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING failed_at`, []any{sourceID, database, table, relativePath, code, details}
}
