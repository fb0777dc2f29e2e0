package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date wire format used for sync dates.
const DateLayout = "2006-01-02"

// RecordType selects which persistence structure a sync is written to.
type RecordType string

const (
	// RecordTypeDaily rows make up the canonical table.
	RecordTypeDaily RecordType = "daily"
	// RecordTypeIntraday rows make up the append-only audit log.
	RecordTypeIntraday RecordType = "intraday"
)

// Valid reports whether t names a persisted table.
func (t RecordType) Valid() bool {
	return t == RecordTypeDaily || t == RecordTypeIntraday
}

// Record is a single persisted sync. Rows are never updated in place.
type Record struct {
	ID            string
	Type          RecordType
	Date          time.Time
	DeviceID      string
	SourceApp     string
	CollectedAt   time.Time
	ReceivedAt    time.Time
	SchemaVersion int
	PayloadHash   string
	Payload       json.RawMessage
}

// CanonicalRecord is a row of the daily table. Which row is "current" for a date is
// decided at read time by the Resolver.
type CanonicalRecord = Record

// AuditLogEntry is a row of the intraday log.
type AuditLogEntry = Record

// DateSummary annotates a date that has canonical data.
type DateSummary struct {
	Date           time.Time
	RecordCount    int
	LastReceivedAt time.Time
}

// Cursor models the audit log pagination token.
type Cursor struct {
	ReceivedAt time.Time
	ID         string
}

// LogFilter narrows an audit log query.
type LogFilter struct {
	Date     *time.Time
	DeviceID string
	Limit    int
	Cursor   *Cursor
}

// ParseDate parses a YYYY-MM-DD calendar date into midnight UTC.
func ParseDate(value string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", value)
	}
	return parsed.UTC(), nil
}

// TruncateDate drops the clock component of ts, keeping the UTC calendar date.
func TruncateDate(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a calendar date in DateLayout.
func FormatDate(ts time.Time) string {
	return ts.UTC().Format(DateLayout)
}
