package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/austindbirch/logharbor/internal/delivery"
)

const upsertDelivery = `
INSERT INTO logharbor.deliveries
	(correlation_id, source_path, relative_path, blob_uri, size_bytes, status, failure_detail, enqueued_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
ON CONFLICT (correlation_id) DO UPDATE SET
	status = EXCLUDED.status,
	failure_detail = EXCLUDED.failure_detail,
	updated_at = EXCLUDED.updated_at
WHERE logharbor.deliveries.status = 'pending'`

// Journal persists delivery record transitions to logharbor.deliveries.
// Terminal rows are never overwritten.
type Journal struct {
	db  Execer
	now func() time.Time
}

func NewJournal(db Execer) *Journal {
	return &Journal{db: db, now: time.Now}
}

func (j *Journal) RecordTransition(ctx context.Context, rec delivery.Record) error {
	_, err := j.db.Exec(ctx, upsertDelivery,
		rec.CorrelationID,
		rec.SourcePath,
		rec.RelativePath,
		rec.BlobURI,
		rec.Size,
		string(rec.State()),
		rec.FailureDetail,
		rec.EnqueuedAt,
		j.now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "journal %s as %s", rec.CorrelationID, rec.State())
	}
	return nil
}
