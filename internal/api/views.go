package api

import (
	"encoding/json"
	"time"

	"example.com/healthsync/internal/domain"
)

// IngestResponse is returned by the ingestion endpoints for both accepted and skipped syncs.
type IngestResponse struct {
	Status      string `json:"status"`
	Outcome     string `json:"outcome"`
	Inserted    bool   `json:"inserted"`
	ID          string `json:"id,omitempty"`
	PayloadHash string `json:"payload_hash"`
	RowCount    int    `json:"row_count,omitempty"`
}

// DebugResponse echoes a captured debug submission.
type DebugResponse struct {
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	SizeBytes    int             `json:"size_bytes"`
	TopLevelKeys []string        `json:"top_level_keys"`
}

// HealthResponse reports store reachability.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Detail  string `json:"detail,omitempty"`
}

// RecordView is the public projection of a stored row. Data is the stored document.
type RecordView struct {
	ID            string          `json:"id"`
	DeviceID      string          `json:"device_id"`
	Date          string          `json:"date"`
	CollectedAt   time.Time       `json:"collected_at"`
	ReceivedAt    time.Time       `json:"received_at"`
	SchemaVersion int             `json:"schema_version"`
	SourceApp     string          `json:"source_app"`
	RecordType    string          `json:"record_type"`
	PayloadHash   string          `json:"payload_hash"`
	Data          json.RawMessage `json:"data"`
}

// ListRecordsResponse wraps a date range query.
type ListRecordsResponse struct {
	Count   int          `json:"count"`
	Records []RecordView `json:"records"`
}

// DateView annotates a date with canonical data.
type DateView struct {
	Date           string    `json:"date"`
	RecordCount    int       `json:"record_count"`
	LastReceivedAt time.Time `json:"last_received_at"`
}

// ListDatesResponse wraps the date listing.
type ListDatesResponse struct {
	Count int        `json:"count"`
	Dates []DateView `json:"dates"`
}

// ListLogsResponse wraps an audit log page.
type ListLogsResponse struct {
	Count      int          `json:"count"`
	Logs       []RecordView `json:"logs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

func toRecordView(rec domain.Record) RecordView {
	return RecordView{
		ID:            rec.ID,
		DeviceID:      rec.DeviceID,
		Date:          domain.FormatDate(rec.Date),
		CollectedAt:   rec.CollectedAt.UTC(),
		ReceivedAt:    rec.ReceivedAt.UTC(),
		SchemaVersion: rec.SchemaVersion,
		SourceApp:     rec.SourceApp,
		RecordType:    string(rec.Type),
		PayloadHash:   rec.PayloadHash,
		Data:          rec.Payload,
	}
}
