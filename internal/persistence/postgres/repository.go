package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
)

const recordColumns = `id::text, date, device_id, source_app, collected_at, received_at, schema_version, COALESCE(payload_hash, ''), raw_payload::text`

// Repository provides Postgres-backed persistence for the daily table and the intraday log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NewPool opens a connection pool for url.
func NewPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify("connect", err)
	}
	return pool, nil
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
func (r *Repository) Insert(ctx context.Context, rec domain.Record) (count int, err error) {
	table, err := tableFor(rec.Type)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, classify("insert", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	insert := `INSERT INTO ` + table + ` (id, date, device_id, source_app, collected_at, received_at, schema_version, payload_hash, record_type, raw_payload)
        VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10::json)`
	if _, err = tx.Exec(ctx, insert,
		rec.ID,
		rec.Date,
		rec.DeviceID,
		rec.SourceApp,
		rec.CollectedAt,
		rec.ReceivedAt,
		rec.SchemaVersion,
		nullIfEmpty(rec.PayloadHash),
		string(rec.Type),
		string(rec.Payload),
	); err != nil {
		return 0, classify("insert", err)
	}

	if err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE date=$1`, rec.Date).Scan(&count); err != nil {
		return 0, classify("insert", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, classify("insert", err)
	}
	observability.RecordPersisted(string(rec.Type), rec.ReceivedAt)
	return count, nil
}

// LatestForDevice returns the most recently received row for (date, deviceID), or nil.
func (r *Repository) LatestForDevice(ctx context.Context, t domain.RecordType, date time.Time, deviceID string) (*domain.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM ` + table + `
        WHERE date=$1 AND device_id=$2 ORDER BY received_at DESC, id DESC LIMIT 1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, date, deviceID), t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("latest_for_device", err)
	}
	return &rec, nil
}

// DailyCandidates returns the newest daily row per (date, source_app, device_id) in range.
func (r *Repository) DailyCandidates(ctx context.Context, start, end time.Time) ([]domain.Record, error) {
	const query = `SELECT DISTINCT ON (date, source_app, device_id) ` + recordColumns + `
        FROM health_daily_records WHERE date BETWEEN $1 AND $2
        ORDER BY date, source_app, device_id, received_at DESC, id DESC`
	return r.queryRecords(ctx, "daily_candidates", domain.RecordTypeDaily, query, start, end)
}

// LatestCandidates returns the newest daily row per (source_app, device_id).
func (r *Repository) LatestCandidates(ctx context.Context) ([]domain.Record, error) {
	const query = `SELECT DISTINCT ON (source_app, device_id) ` + recordColumns + `
        FROM health_daily_records
        ORDER BY source_app, device_id, received_at DESC, id DESC`
	return r.queryRecords(ctx, "latest_candidates", domain.RecordTypeDaily, query)
}

// DateSummaries lists dates with daily rows, newest first.
func (r *Repository) DateSummaries(ctx context.Context) ([]domain.DateSummary, error) {
	const query = `SELECT date, COUNT(*), MAX(received_at) FROM health_daily_records
        GROUP BY date ORDER BY date DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, classify("date_summaries", err)
	}
	defer rows.Close()

	summaries := make([]domain.DateSummary, 0)
	for rows.Next() {
		var s domain.DateSummary
		if err := rows.Scan(&s.Date, &s.RecordCount, &s.LastReceivedAt); err != nil {
			return nil, classify("date_summaries", err)
		}
		s.Date = domain.TruncateDate(s.Date)
		s.LastReceivedAt = s.LastReceivedAt.UTC()
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("date_summaries", err)
	}
	return summaries, nil
}

// Logs returns intraday rows newest first, honouring the filter and keyset cursor.
func (r *Repository) Logs(ctx context.Context, filter domain.LogFilter) ([]domain.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Date != nil {
		args = append(args, *filter.Date)
		where = append(where, fmt.Sprintf("date=$%d", len(args)))
	}
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		where = append(where, fmt.Sprintf("device_id=$%d", len(args)))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.ReceivedAt, filter.Cursor.ID)
		where = append(where, fmt.Sprintf("(received_at, id) < ($%d, $%d::uuid)", len(args)-1, len(args)))
	}

	query := `SELECT ` + recordColumns + ` FROM health_intraday_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(` ORDER BY received_at DESC, id DESC LIMIT $%d`, len(args))

	return r.queryRecords(ctx, "logs", domain.RecordTypeIntraday, query, args...)
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (r *Repository) queryRecords(ctx context.Context, op string, t domain.RecordType, query string, args ...interface{}) ([]domain.Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
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

func scanRecord(row pgx.Row, t domain.RecordType) (domain.Record, error) {
	var (
		rec     domain.Record
		payload string
	)
	if err := row.Scan(&rec.ID, &rec.Date, &rec.DeviceID, &rec.SourceApp, &rec.CollectedAt, &rec.ReceivedAt, &rec.SchemaVersion, &rec.PayloadHash, &payload); err != nil {
		return domain.Record{}, err
	}
	rec.Type = t
	rec.Date = domain.TruncateDate(rec.Date)
	rec.CollectedAt = rec.CollectedAt.UTC()
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	rec.PayloadHash = strings.TrimSpace(rec.PayloadHash)
	rec.Payload = []byte(payload)
	return rec, nil
}

// classify maps driver failures onto the storage error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	sentinel := domain.ErrStorageUnavailable

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
		default:
			// 22 data exception, 23 integrity violation, and anything else the server refused.
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
