package tracker

import (
	"context"

	"github.com/austindbirch/logharbor/internal/delivery"
	"github.com/austindbirch/logharbor/internal/destination"
	"github.com/austindbirch/logharbor/internal/queue"
)

// Queue is a notification queue of confirmation messages
type Queue interface {
	PopMessages(ctx context.Context, queueURI string, max int) ([]queue.Message, error)
	DeleteMessage(ctx context.Context, queueURI string, msg queue.Message) error
}

// releaser is implemented by queues that need unmatched messages handed
// back explicitly instead of relying on a visibility timeout
type releaser interface {
	ReleaseMessage(ctx context.Context, queueURI string, msg queue.Message) error
}

// Destination runs reconciliation statements against the ingestion target
type Destination interface {
	Query(ctx context.Context, text string, args ...any) ([]destination.Row, error)
	Command(ctx context.Context, text string, args ...any) ([]destination.Row, error)
}

// Journal persists record transitions
type Journal interface {
	RecordTransition(ctx context.Context, rec delivery.Record) error
}
