package delivery

import (
	"time"

	"github.com/google/uuid"
)

// State of a delivery record. Pending is the only non-terminal state.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Record describes one upload handed to the tracker. At most one of
// SucceededAt and FailedAt is ever set.
type Record struct {
	CorrelationID string     `json:"correlation_id"`
	SourcePath    string     `json:"source_path"`
	RelativePath  string     `json:"relative_path"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	SucceededAt   *time.Time `json:"succeeded_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	FailureDetail string     `json:"failure_detail,omitempty"`
	Size          int64      `json:"size,omitempty"`
	BlobURI       string     `json:"blob_uri,omitempty"`
}

// NewRecord creates a pending record with a fresh correlation id
func NewRecord(sourcePath, relativePath string) Record {
	return Record{
		CorrelationID: uuid.NewString(),
		SourcePath:    sourcePath,
		RelativePath:  relativePath,
		EnqueuedAt:    time.Now().UTC(),
	}
}

// Baseline creates an already-succeeded record for data that reached the
// destination outside this run.
func Baseline(relativePath string, at time.Time) Record {
	return Record{
		CorrelationID: uuid.NewString(),
		RelativePath:  relativePath,
		EnqueuedAt:    at,
		SucceededAt:   &at,
	}
}

func (r Record) State() State {
	switch {
	case r.SucceededAt != nil:
		return StateSucceeded
	case r.FailedAt != nil:
		return StateFailed
	default:
		return StatePending
	}
}

func (r Record) Terminal() bool {
	return r.State() != StatePending
}

// Succeed returns a succeeded copy of a pending record
func (r Record) Succeed(at time.Time) Record {
	if r.Terminal() {
		return r
	}
	r.SucceededAt = &at
	return r
}

// Fail returns a failed copy of a pending record
func (r Record) Fail(at time.Time, detail string) Record {
	if r.Terminal() {
		return r
	}
	r.FailedAt = &at
	r.FailureDetail = detail
	return r
}

// Matches reports whether a reported destination path identifies this record
func (r Record) Matches(path string) bool {
	return PathMatches(r.RelativePath, path) || PathMatches(r.SourcePath, path)
}
