package delivery

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ReportLevel selects which ingestion outcomes are reported back
type ReportLevel int

const (
	ReportFailuresOnly ReportLevel = iota
	ReportNone
	ReportFailuresAndSuccesses
)

// ReportMethod selects where outcomes are reported
type ReportMethod int

const (
	ReportQueue ReportMethod = iota
	ReportTable
	ReportQueueAndTable
)

// IngestionRequest is published once per uploaded blob
type IngestionRequest struct {
	Id                        string            `json:"Id"`
	BlobPath                  string            `json:"BlobPath"`
	DatabaseName              string            `json:"DatabaseName"`
	TableName                 string            `json:"TableName"`
	RawDataSize               int64             `json:"RawDataSize"`
	Format                    string            `json:"Format"`
	Compressed                bool              `json:"Compressed"`
	IngestionMapping          string            `json:"IngestionMapping,omitempty"`
	ReportLevel               ReportLevel       `json:"ReportLevel"`
	ReportMethod              ReportMethod      `json:"ReportMethod"`
	RetainBlobOnSuccess       bool              `json:"RetainBlobOnSuccess"`
	SourceMessageCreationTime time.Time         `json:"SourceMessageCreationTime"`
	RelativePath              string            `json:"RelativePath"`
	TraceHeaders              map[string]string `json:"TraceHeaders,omitempty"` // OTel trace propagation headers
}

// SuccessMessage is posted to the success queue by the ingestion service
type SuccessMessage struct {
	IngestionSourceId   string    `json:"IngestionSourceId"`
	IngestionSourcePath string    `json:"IngestionSourcePath"`
	Database            string    `json:"Database"`
	Table               string    `json:"Table"`
	SucceededOn         time.Time `json:"SucceededOn"`
}

// FailureMessage is posted to the failure queue by the ingestion service
type FailureMessage struct {
	IngestionSourceId   string    `json:"IngestionSourceId"`
	IngestionSourcePath string    `json:"IngestionSourcePath"`
	Database            string    `json:"Database"`
	Table               string    `json:"Table"`
	FailedOn            time.Time `json:"FailedOn"`
	ErrorCode           string    `json:"ErrorCode"`
	FailureStatus       string    `json:"FailureStatus"` // Transient or Permanent
	Details             string    `json:"Details"`
	ShouldRetry         bool      `json:"ShouldRetry"`
}

// NewIngestionRequest builds the request for an uploaded record
func NewIngestionRequest(rec Record, database, table, format string) IngestionRequest {
	return IngestionRequest{
		Id:                        rec.CorrelationID,
		BlobPath:                  rec.BlobURI,
		DatabaseName:              database,
		TableName:                 table,
		RawDataSize:               rec.Size,
		Format:                    format,
		Compressed:                IsCompressed(rec.SourcePath),
		ReportLevel:               ReportFailuresAndSuccesses,
		ReportMethod:              ReportQueue,
		RetainBlobOnSuccess:       true,
		SourceMessageCreationTime: time.Now().UTC(),
		RelativePath:              rec.RelativePath,
	}
}

// Success builds the confirmation an ingester posts for this request
func (r IngestionRequest) Success(at time.Time) SuccessMessage {
	return SuccessMessage{
		IngestionSourceId:   r.Id,
		IngestionSourcePath: r.RelativePath,
		Database:            r.DatabaseName,
		Table:               r.TableName,
		SucceededOn:         at,
	}
}

// Failure builds the failure an ingester posts for this request
func (r IngestionRequest) Failure(at time.Time, code, details string, permanent bool) FailureMessage {
	status := "Transient"
	if permanent {
		status = "Permanent"
	}
	return FailureMessage{
		IngestionSourceId:   r.Id,
		IngestionSourcePath: r.RelativePath,
		Database:            r.DatabaseName,
		Table:               r.TableName,
		FailedOn:            at,
		ErrorCode:           code,
		FailureStatus:       status,
		Details:             details,
		ShouldRetry:         !permanent,
	}
}

// Summary is the human readable failure detail stored on the record
func (m FailureMessage) Summary() string {
	if m.ErrorCode == "" {
		return m.Details
	}
	if m.Details == "" {
		return m.ErrorCode
	}
	return m.ErrorCode + ": " + m.Details
}

func DecodeSuccess(body []byte) (SuccessMessage, error) {
	var m SuccessMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, errors.Wrap(err, "decode success message")
	}
	return m, nil
}

func DecodeFailure(body []byte) (FailureMessage, error) {
	var m FailureMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, errors.Wrap(err, "decode failure message")
	}
	return m, nil
}

// IsCompressed reports whether the source is an archive the ingester must
// decompress
func IsCompressed(path string) bool {
	p := strings.ToLower(path)
	return strings.HasSuffix(p, ".gz") || strings.HasSuffix(p, ".zip")
}
