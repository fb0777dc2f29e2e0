// Package events defines the payloads emitted after a sync is persisted.
package events

import "time"

// SyncCompletedType is the event_type header value for SyncCompleted messages.
const SyncCompletedType = "health.sync_completed"

// SyncCompleted is emitted once per accepted sync, after its row is durable.
type SyncCompleted struct {
	RecordID      string       `json:"record_id"`
	RecordType    string       `json:"record_type"`
	Date          string       `json:"date"`
	DeviceID      string       `json:"device_id"`
	SourceApp     string       `json:"source_app"`
	RowCountToday int          `json:"row_count_today"`
	ReceivedAt    time.Time    `json:"received_at"`
	PayloadHash   string       `json:"payload_hash"`
	Summary       *SyncSummary `json:"summary,omitempty"`
}

// SyncSummary holds the few headline figures pulled out of a payload for notifications.
// Missing figures stay nil so a message can say "unknown" rather than zero.
type SyncSummary struct {
	Steps        *int64   `json:"steps,omitempty"`
	Workouts     int      `json:"workouts"`
	CaloriesKcal *float64 `json:"calories_kcal,omitempty"`
}
