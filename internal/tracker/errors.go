package tracker

import (
	"github.com/pkg/errors"

	"github.com/austindbirch/logharbor/internal/destination"
)

var (
	// ErrDuplicate is returned by Track and CheckDuplicate when the path is
	// already pending or has already reached the destination
	ErrDuplicate = errors.New("tracker: duplicate path")

	// ErrQueueUnavailable wraps failures popping or deleting confirmations
	ErrQueueUnavailable = errors.New("tracker: notification queue unavailable")

	// ErrQueryFailed wraps failures of reconciliation statements
	ErrQueryFailed = errors.New("tracker: destination query failed")

	// ErrMalformedRow marks destination rows that could not be read
	ErrMalformedRow = destination.ErrMalformedRow
)

// errorKind labels transient errors for metrics
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrQueueUnavailable):
		return "queue_unavailable"
	case errors.Is(err, ErrQueryFailed):
		return "query_failed"
	case errors.Is(err, ErrMalformedRow):
		return "malformed_row"
	default:
		return "other"
	}
}
