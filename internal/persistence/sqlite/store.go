// Package sqlite stores health records in a single-file SQLite database for
// single-user deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = `id, date, device_id, source_app, collected_at, received_at, schema_version, COALESCE(payload_hash, ''), raw_payload`

// Store implements domain.Repository on SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify("connect", err)
	}

	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func tableFor(t domain.RecordType) (string, error) {
	switch t {
	case domain.RecordTypeDaily:
		return "health_daily_records", nil
	case domain.RecordTypeIntraday:
		return "health_intraday_logs", nil
	default:
		return "", fmt.Errorf("%w: unknown record type %q", domain.ErrStorageRejected, t)
	}
}

// Insert writes rec and counts the rows stored for its date inside one transaction.
func (s *Store) Insert(ctx context.Context, rec domain.Record) (count int, err error) {
	table, err := tableFor(rec.Type)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("insert", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	date := domain.FormatDate(rec.Date)
	if _, err = tx.ExecContext(ctx, `INSERT INTO `+table+` (id, date, device_id, source_app, collected_at, received_at, schema_version, payload_hash, record_type, raw_payload)
        VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID,
		date,
		rec.DeviceID,
		rec.SourceApp,
		formatTime(rec.CollectedAt),
		formatTime(rec.ReceivedAt),
		rec.SchemaVersion,
		nullIfEmpty(rec.PayloadHash),
		string(rec.Type),
		string(rec.Payload),
	); err != nil {
		return 0, classify("insert", err)
	}
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE date=?`, date).Scan(&count); err != nil {
		return 0, classify("insert", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, classify("insert", err)
	}
	observability.RecordPersisted(string(rec.Type), rec.ReceivedAt)
	return count, nil
}

// LatestForDevice returns the most recently received row for (date, deviceID), or nil.
func (s *Store) LatestForDevice(ctx context.Context, t domain.RecordType, date time.Time, deviceID string) (*domain.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM `+table+`
        WHERE date=? AND device_id=? ORDER BY received_at DESC, id DESC LIMIT 1`,
		domain.FormatDate(date), deviceID)

	rec, err := scanRecord(row, t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("latest_for_device", err)
	}
	return &rec, nil
}

// DailyCandidates returns the newest daily row per (date, source_app, device_id) in range.
func (s *Store) DailyCandidates(ctx context.Context, start, end time.Time) ([]domain.Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM (
            SELECT *, ROW_NUMBER() OVER (PARTITION BY date, source_app, device_id ORDER BY received_at DESC, id DESC) AS rn
            FROM health_daily_records WHERE date BETWEEN ? AND ?
        ) WHERE rn = 1 ORDER BY date`
	return s.queryRecords(ctx, "daily_candidates", domain.RecordTypeDaily, query, domain.FormatDate(start), domain.FormatDate(end))
}

// LatestCandidates returns the newest daily row per (source_app, device_id).
func (s *Store) LatestCandidates(ctx context.Context) ([]domain.Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM (
            SELECT *, ROW_NUMBER() OVER (PARTITION BY source_app, device_id ORDER BY received_at DESC, id DESC) AS rn
            FROM health_daily_records
        ) WHERE rn = 1`
	return s.queryRecords(ctx, "latest_candidates", domain.RecordTypeDaily, query)
}

// DateSummaries lists dates with daily rows, newest first.
func (s *Store) DateSummaries(ctx context.Context) ([]domain.DateSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, COUNT(*), MAX(received_at) FROM health_daily_records
        GROUP BY date ORDER BY date DESC`)
	if err != nil {
		return nil, classify("date_summaries", err)
	}
	defer rows.Close()

	summaries := make([]domain.DateSummary, 0)
	for rows.Next() {
		var (
			sum          domain.DateSummary
			date, latest string
		)
		if err := rows.Scan(&date, &sum.RecordCount, &latest); err != nil {
			return nil, classify("date_summaries", err)
		}
		if sum.Date, err = domain.ParseDate(date); err != nil {
			return nil, fmt.Errorf("%w: stored date %q: %v", domain.ErrStorageRejected, date, err)
		}
		if sum.LastReceivedAt, err = parseTime(latest); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("date_summaries", err)
	}
	return summaries, nil
}

// Logs returns intraday rows newest first, honouring the filter and keyset cursor.
func (s *Store) Logs(ctx context.Context, filter domain.LogFilter) ([]domain.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Date != nil {
		where = append(where, "date=?")
		args = append(args, domain.FormatDate(*filter.Date))
	}
	if filter.DeviceID != "" {
		where = append(where, "device_id=?")
		args = append(args, filter.DeviceID)
	}
	if filter.Cursor != nil {
		at := formatTime(filter.Cursor.ReceivedAt)
		where = append(where, "(received_at < ? OR (received_at = ? AND id < ?))")
		args = append(args, at, at, filter.Cursor.ID)
	}

	query := `SELECT ` + recordColumns + ` FROM health_intraday_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	return s.queryRecords(ctx, "logs", domain.RecordTypeIntraday, query, args...)
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, op string, t domain.RecordType, query string, args ...interface{}) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	results := make([]domain.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows, t)
		if err != nil {
			return nil, classify(op, err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner, t domain.RecordType) (domain.Record, error) {
	var (
		rec                             domain.Record
		date, collected, received, body string
	)
	if err := row.Scan(&rec.ID, &date, &rec.DeviceID, &rec.SourceApp, &collected, &received, &rec.SchemaVersion, &rec.PayloadHash, &body); err != nil {
		return domain.Record{}, err
	}
	var err error
	if rec.Date, err = domain.ParseDate(date); err != nil {
		return domain.Record{}, fmt.Errorf("%w: stored date %q: %v", domain.ErrStorageRejected, date, err)
	}
	if rec.CollectedAt, err = parseTime(collected); err != nil {
		return domain.Record{}, err
	}
	if rec.ReceivedAt, err = parseTime(received); err != nil {
		return domain.Record{}, err
	}
	rec.Type = t
	rec.Payload = []byte(body)
	return rec, nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	ts, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: stored timestamp %q: %v", domain.ErrStorageRejected, value, err)
	}
	return ts.UTC(), nil
}

// classify maps driver failures onto the storage error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrStorageRejected) {
		observability.RecordStorageError(op, "rejected")
		return fmt.Errorf("%s: %w", op, err)
	}
	sentinel := domain.ErrStorageUnavailable

	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrReadonly:
		default:
			sentinel = domain.ErrStorageRejected
		}
	}

	class := "unavailable"
	if sentinel == domain.ErrStorageRejected {
		class = "rejected"
	}
	observability.RecordStorageError(op, class)
	return fmt.Errorf("%w: %s: %w", sentinel, op, err)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
