// Package memory provides an in-process Repository used by tests and STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/healthsync/internal/domain"
)

type key struct {
	date   string
	device string
	at     int64
}

// Repository keeps rows in memory. It enforces the same (date, device_id, received_at)
// uniqueness as the SQL stores.
type Repository struct {
	mu     sync.RWMutex
	tables map[domain.RecordType][]domain.Record
	seen   map[domain.RecordType]map[key]struct{}

	// Fail, when set, is returned by every operation.
	Fail error
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		tables: make(map[domain.RecordType][]domain.Record),
		seen:   make(map[domain.RecordType]map[key]struct{}),
	}
}

// Insert appends rec to its table.
func (r *Repository) Insert(_ context.Context, rec domain.Record) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return 0, r.Fail
	}
	if !rec.Type.Valid() {
		return 0, fmt.Errorf("%w: unknown table %q", domain.ErrStorageRejected, rec.Type)
	}

	k := key{date: domain.FormatDate(rec.Date), device: rec.DeviceID, at: rec.ReceivedAt.UnixNano()}
	if r.seen[rec.Type] == nil {
		r.seen[rec.Type] = make(map[key]struct{})
	}
	if _, dup := r.seen[rec.Type][k]; dup {
		return 0, fmt.Errorf("%w: duplicate row for %s/%s at %s", domain.ErrStorageRejected, k.date, k.device, rec.ReceivedAt.Format(time.RFC3339Nano))
	}
	for _, existing := range r.tables[rec.Type] {
		if existing.ID == rec.ID {
			return 0, fmt.Errorf("%w: duplicate id %s", domain.ErrStorageRejected, rec.ID)
		}
	}

	rec.Payload = append([]byte(nil), rec.Payload...)
	r.seen[rec.Type][k] = struct{}{}
	r.tables[rec.Type] = append(r.tables[rec.Type], rec)

	count := 0
	for _, existing := range r.tables[rec.Type] {
		if existing.Date.Equal(rec.Date) {
			count++
		}
	}
	return count, nil
}

// LatestForDevice returns the most recently received row for (date, deviceID), or nil.
func (r *Repository) LatestForDevice(_ context.Context, table domain.RecordType, date time.Time, deviceID string) (*domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	var latest *domain.Record
	for i := range r.tables[table] {
		rec := r.tables[table][i]
		if !rec.Date.Equal(date) || rec.DeviceID != deviceID {
			continue
		}
		if latest == nil || newer(rec, *latest) {
			c := rec
			latest = &c
		}
	}
	return latest, nil
}

// DailyCandidates returns the latest daily row per (date, source_app, device_id) in range.
func (r *Repository) DailyCandidates(_ context.Context, start, end time.Time) ([]domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	return latestBy(r.tables[domain.RecordTypeDaily], func(rec domain.Record) (string, bool) {
		if rec.Date.Before(start) || rec.Date.After(end) {
			return "", false
		}
		return domain.FormatDate(rec.Date) + "\x00" + rec.SourceApp + "\x00" + rec.DeviceID, true
	}), nil
}

// LatestCandidates returns the latest daily row per (source_app, device_id).
func (r *Repository) LatestCandidates(_ context.Context) ([]domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	return latestBy(r.tables[domain.RecordTypeDaily], func(rec domain.Record) (string, bool) {
		return rec.SourceApp + "\x00" + rec.DeviceID, true
	}), nil
}

// DateSummaries lists dates with daily rows, newest first.
func (r *Repository) DateSummaries(_ context.Context) ([]domain.DateSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	byDate := make(map[string]*domain.DateSummary)
	for _, rec := range r.tables[domain.RecordTypeDaily] {
		k := domain.FormatDate(rec.Date)
		sum, ok := byDate[k]
		if !ok {
			sum = &domain.DateSummary{Date: rec.Date}
			byDate[k] = sum
		}
		sum.RecordCount++
		if rec.ReceivedAt.After(sum.LastReceivedAt) {
			sum.LastReceivedAt = rec.ReceivedAt
		}
	}
	out := make([]domain.DateSummary, 0, len(byDate))
	for _, sum := range byDate {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

// Logs returns intraday rows newest first.
func (r *Repository) Logs(_ context.Context, filter domain.LogFilter) ([]domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	matched := make([]domain.Record, 0)
	for _, rec := range r.tables[domain.RecordTypeIntraday] {
		if filter.Date != nil && !rec.Date.Equal(*filter.Date) {
			continue
		}
		if filter.DeviceID != "" && rec.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Cursor != nil && !newer(domain.Record{ReceivedAt: filter.Cursor.ReceivedAt, ID: filter.Cursor.ID}, rec) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool { return newer(matched[i], matched[j]) })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Ping reports Fail.
func (r *Repository) Ping(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Fail
}

// Count returns the number of rows in table.
func (r *Repository) Count(table domain.RecordType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables[table])
}

// All returns a copy of every row in table in insertion order.
func (r *Repository) All(table domain.RecordType) []domain.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Record(nil), r.tables[table]...)
}

func newer(a, b domain.Record) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.ID > b.ID
}

func latestBy(rows []domain.Record, group func(domain.Record) (string, bool)) []domain.Record {
	latest := make(map[string]domain.Record)
	order := make([]string, 0)
	for _, rec := range rows {
		k, ok := group(rec)
		if !ok {
			continue
		}
		current, exists := latest[k]
		if !exists {
			order = append(order, k)
		}
		if !exists || newer(rec, current) {
			latest[k] = rec
		}
	}
	out := make([]domain.Record, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}
