// Package domain holds the ingestion and query logic of the health sync service.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/events"
)

const (
	// DefaultLogLimit applies when a log query does not set a limit.
	DefaultLogLimit = 10
	// MaxLogLimit bounds a single log page.
	MaxLogLimit = 100
)

// Repository captures the durable store. Implementations classify their failures as
// ErrStorageUnavailable or ErrStorageRejected.
type Repository interface {
	LatestReader
	// Insert writes rec in one transaction and returns how many rows its table now holds
	// for rec.Date, the new row included.
	Insert(ctx context.Context, rec Record) (int, error)
	// DailyCandidates returns the most recently received daily row per
	// (date, source_app, device_id) with start <= date <= end.
	DailyCandidates(ctx context.Context, start, end time.Time) ([]Record, error)
	// LatestCandidates returns the most recently received daily row per
	// (source_app, device_id) across all dates.
	LatestCandidates(ctx context.Context) ([]Record, error)
	// DateSummaries lists every date with daily rows.
	DateSummaries(ctx context.Context) ([]DateSummary, error)
	// Logs returns intraday rows newest first.
	Logs(ctx context.Context, filter LogFilter) ([]Record, error)
	Ping(ctx context.Context) error
}

// Notifier receives accepted syncs after they are durable. Implementations must not
// block the caller.
type Notifier interface {
	Notify(event events.SyncCompleted, payload json.RawMessage)
}

// Outcome reports what an ingestion did.
type Outcome = Decision

// IngestResult describes a completed ingestion.
type IngestResult struct {
	Outcome     Outcome
	Record      Record
	RowCount    int
	Fingerprint string

	// ClientHashMismatch is set when the envelope carried a payload_hash that differs
	// from Fingerprint. The server fingerprint is stored either way.
	ClientHashMismatch bool
}

// Inserted reports whether a row was written.
func (r IngestResult) Inserted() bool { return r.Outcome == DecisionAccept }

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithNotifier sets the component told about accepted syncs.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the clock used for received_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIntradayDedup gates intraday writes against the intraday log as well.
func WithIntradayDedup(enabled bool) Option {
	return func(s *Service) { s.intradayDedup = enabled }
}

// WithResolver sets the source priority used by reads.
func WithResolver(r *Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// Service orchestrates ingestion and queries.
type Service struct {
	repo          Repository
	gate          Gate
	resolver      *Resolver
	notifier      Notifier
	logger        *log.Logger
	now           func() time.Time
	intradayDedup bool
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		gate:     NewGate(repo),
		resolver: NewResolver(),
		logger:   log.New(log.Writer(), "[domain] ", log.LstdFlags),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest runs an envelope through the dedup gate and, when accepted, writes it to the
// table named by kind. Notification happens after the write and never affects the result.
func (s *Service) Ingest(ctx context.Context, kind RecordType, env SyncEnvelope) (IngestResult, error) {
	if !kind.Valid() {
		return IngestResult{}, fmt.Errorf("%w: unknown record type %q", ErrInvalidEnvelope, kind)
	}
	if env.RecordType != "" && env.RecordType != kind {
		return IngestResult{}, fmt.Errorf("%w: record_type must be %q", ErrInvalidEnvelope, kind)
	}
	if env.Source.DeviceID == "" || env.Date.IsZero() || len(env.RawPayload) == 0 {
		return IngestResult{}, fmt.Errorf("%w: date, device_id and payload are required", ErrInvalidEnvelope)
	}

	fingerprint, err := Fingerprint(env.RawPayload)
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	mismatch := env.PayloadHash != "" && env.PayloadHash != fingerprint
	if mismatch {
		s.logger.Printf("%s sync date=%s device=%s: client payload_hash %s differs from %s, using server fingerprint",
			kind, FormatDate(env.Date), env.Source.DeviceID, env.PayloadHash, fingerprint)
	}

	date := TruncateDate(env.Date)
	if kind == RecordTypeDaily || s.intradayDedup {
		decision, err := s.gate.Check(ctx, kind, date, env.Source.DeviceID, fingerprint)
		if err != nil {
			return IngestResult{}, err
		}
		if decision == DecisionSkip {
			s.logger.Printf("skip %s sync date=%s device=%s: payload unchanged", kind, FormatDate(date), env.Source.DeviceID)
			return IngestResult{Outcome: DecisionSkip, Fingerprint: fingerprint, ClientHashMismatch: mismatch}, nil
		}
	}

	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	version := env.Source.SchemaVersion
	if version == 0 {
		version = DefaultSchemaVersion
	}
	sourceApp := env.Source.SourceApp
	if sourceApp == "" {
		sourceApp = DefaultSourceApp
	}

	rec := Record{
		ID:            id,
		Type:          kind,
		Date:          date,
		DeviceID:      env.Source.DeviceID,
		SourceApp:     sourceApp,
		CollectedAt:   env.Source.CollectedAt.UTC().Truncate(time.Microsecond),
		ReceivedAt:    s.now().UTC().Truncate(time.Microsecond), // storage resolution
		SchemaVersion: version,
		PayloadHash:   fingerprint,
		Payload:       env.RawPayload,
	}

	count, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return IngestResult{}, err
	}

	if s.notifier != nil {
		s.notifier.Notify(events.SyncCompleted{
			RecordID:      rec.ID,
			RecordType:    string(rec.Type),
			Date:          FormatDate(rec.Date),
			DeviceID:      rec.DeviceID,
			SourceApp:     rec.SourceApp,
			RowCountToday: count,
			ReceivedAt:    rec.ReceivedAt,
			PayloadHash:   rec.PayloadHash,
		}, rec.Payload)
	}

	return IngestResult{Outcome: DecisionAccept, Record: rec, RowCount: count, Fingerprint: fingerprint, ClientHashMismatch: mismatch}, nil
}

// GetLatest returns the resolved row among the latest row of every source.
func (s *Service) GetLatest(ctx context.Context) (Record, error) {
	candidates, err := s.repo.LatestCandidates(ctx)
	if err != nil {
		return Record{}, err
	}
	rec, ok := s.resolver.Resolve(candidates)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// GetByDate returns the resolved row for a single date.
func (s *Service) GetByDate(ctx context.Context, date time.Time) (Record, error) {
	date = TruncateDate(date)
	candidates, err := s.repo.DailyCandidates(ctx, date, date)
	if err != nil {
		return Record{}, err
	}
	rec, ok := s.resolver.Resolve(candidates)
	if !ok {
		return Record{}, fmt.Errorf("%w: no record for %s", ErrNotFound, FormatDate(date))
	}
	return rec, nil
}

// GetRange returns one resolved row per date in [start, end], ascending by date.
func (s *Service) GetRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	start, end = TruncateDate(start), TruncateDate(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: start_date %s is after end_date %s", ErrInvalidQuery, FormatDate(start), FormatDate(end))
	}
	candidates, err := s.repo.DailyCandidates(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return s.resolver.ResolveByDate(candidates), nil
}

// ListDates returns every date with canonical data, newest first.
func (s *Service) ListDates(ctx context.Context) ([]DateSummary, error) {
	return s.repo.DateSummaries(ctx)
}

// GetLogs pages through the intraday log. The returned cursor is nil on the last page.
func (s *Service) GetLogs(ctx context.Context, filter LogFilter) ([]Record, *Cursor, error) {
	switch {
	case filter.Limit == 0:
		filter.Limit = DefaultLogLimit
	case filter.Limit < 0 || filter.Limit > MaxLogLimit:
		return nil, nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxLogLimit)
	}
	if filter.Date != nil {
		d := TruncateDate(*filter.Date)
		filter.Date = &d
	}

	entries, err := s.repo.Logs(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	var next *Cursor
	if len(entries) == filter.Limit {
		last := entries[len(entries)-1]
		next = &Cursor{ReceivedAt: last.ReceivedAt, ID: last.ID}
	}
	return entries, next, nil
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
