// Package storetest holds behaviour every domain.Repository implementation must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

// Factory returns an empty repository for one subtest.
type Factory func(t *testing.T) domain.Repository

var base = time.Date(2026, time.February, 26, 21, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func row(kind domain.RecordType, date, device, app string, offset time.Duration, payload string) domain.Record {
	return domain.Record{
		ID:            uuid.NewString(),
		Type:          kind,
		Date:          day(date),
		DeviceID:      device,
		SourceApp:     app,
		CollectedAt:   base.Add(offset - time.Minute),
		ReceivedAt:    base.Add(offset),
		SchemaVersion: domain.DefaultSchemaVersion,
		PayloadHash:   fingerprint(payload),
		Payload:       []byte(payload),
	}
}

func fingerprint(payload string) string {
	sum, err := domain.Fingerprint([]byte(payload))
	if err != nil {
		panic(err)
	}
	return sum
}

func insert(t *testing.T, repo domain.Repository, recs ...domain.Record) {
	t.Helper()
	for _, rec := range recs {
		_, err := repo.Insert(context.Background(), rec)
		require.NoError(t, err)
	}
}

// Run exercises newRepo against the shared repository contract.
func Run(t *testing.T, newRepo Factory) {
	t.Run("InsertCountsRowsForDate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		n, err := repo.Insert(ctx, row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", 0, `{"steps":500}`))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = repo.Insert(ctx, row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", time.Minute, `{"steps":600}`))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = repo.Insert(ctx, row(domain.RecordTypeDaily, "2026-02-25", "pixel", "health_connect", 2*time.Minute, `{"steps":1}`))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = repo.Insert(ctx, row(domain.RecordTypeIntraday, "2026-02-26", "pixel", "health_connect", 0, `{"steps":500}`))
		require.NoError(t, err)
		require.Equal(t, 1, n, "tables are counted independently")
	})

	t.Run("InsertRejectsDuplicateReceivedAt", func(t *testing.T) {
		repo := newRepo(t)
		first := row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", 0, `{"steps":500}`)
		insert(t, repo, first)

		dup := row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", 0, `{"steps":600}`)
		_, err := repo.Insert(context.Background(), dup)
		require.ErrorIs(t, err, domain.ErrStorageRejected)
	})

	t.Run("PayloadRoundTripsVerbatim", func(t *testing.T) {
		repo := newRepo(t)
		payload := `{"z":1, "a":[1.50,2e3],"nested":{"b":"café","a":null}}`
		insert(t, repo, row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", 0, payload))

		got, err := repo.LatestForDevice(context.Background(), domain.RecordTypeDaily, day("2026-02-26"), "pixel")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, payload, string(got.Payload))
		require.Equal(t, fingerprint(payload), got.PayloadHash)
		require.Equal(t, domain.RecordTypeDaily, got.Type)
		require.True(t, got.ReceivedAt.Equal(base))
	})

	t.Run("LatestForDeviceIsScoped", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		got, err := repo.LatestForDevice(ctx, domain.RecordTypeDaily, day("2026-02-26"), "pixel")
		require.NoError(t, err)
		require.Nil(t, got)

		older := row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", 0, `{"steps":500}`)
		newer := row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", time.Minute, `{"steps":600}`)
		insert(t, repo,
			newer, older,
			row(domain.RecordTypeDaily, "2026-02-26", "watch", "health_connect", time.Hour, `{"steps":9}`),
			row(domain.RecordTypeDaily, "2026-02-27", "pixel", "health_connect", time.Hour, `{"steps":9}`),
			row(domain.RecordTypeIntraday, "2026-02-26", "pixel", "health_connect", time.Hour, `{"steps":9}`),
		)

		got, err = repo.LatestForDevice(ctx, domain.RecordTypeDaily, day("2026-02-26"), "pixel")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, newer.ID, got.ID)
	})

	t.Run("DailyCandidatesKeepNewestPerSource", func(t *testing.T) {
		repo := newRepo(t)
		keep := row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", time.Minute, `{"steps":600}`)
		other := row(domain.RecordTypeDaily, "2026-02-26", "band", "zepp", 0, `{"steps":700}`)
		early := row(domain.RecordTypeDaily, "2026-02-24", "pixel", "health_connect", 0, `{"steps":1}`)
		insert(t, repo,
			row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", 0, `{"steps":500}`),
			keep, other, early,
			row(domain.RecordTypeDaily, "2026-02-28", "pixel", "health_connect", 0, `{"steps":2}`),
		)

		got, err := repo.DailyCandidates(context.Background(), day("2026-02-24"), day("2026-02-27"))
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, rec := range got {
			ids = append(ids, rec.ID)
		}
		require.ElementsMatch(t, []string{keep.ID, other.ID, early.ID}, ids)
	})

	t.Run("LatestCandidatesSpanDates", func(t *testing.T) {
		repo := newRepo(t)
		newest := row(domain.RecordTypeDaily, "2026-02-25", "pixel", "health_connect", time.Hour, `{"steps":3}`)
		band := row(domain.RecordTypeDaily, "2026-02-20", "band", "zepp", 0, `{"steps":4}`)
		insert(t, repo,
			row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", 0, `{"steps":1}`),
			newest, band,
		)

		got, err := repo.LatestCandidates(context.Background())
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, rec := range got {
			ids = append(ids, rec.ID)
		}
		require.ElementsMatch(t, []string{newest.ID, band.ID}, ids)
	})

	t.Run("DateSummariesNewestFirst", func(t *testing.T) {
		repo := newRepo(t)
		empty, err := repo.DateSummaries(context.Background())
		require.NoError(t, err)
		require.Empty(t, empty)

		insert(t, repo,
			row(domain.RecordTypeDaily, "2026-02-25", "pixel", "health_connect", 0, `{"steps":1}`),
			row(domain.RecordTypeDaily, "2026-02-26", "pixel", "health_connect", time.Minute, `{"steps":2}`),
			row(domain.RecordTypeDaily, "2026-02-26", "band", "zepp", 2*time.Minute, `{"steps":3}`),
			row(domain.RecordTypeIntraday, "2026-02-27", "pixel", "health_connect", 0, `{"steps":4}`),
		)

		got, err := repo.DateSummaries(context.Background())
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "2026-02-26", domain.FormatDate(got[0].Date))
		require.Equal(t, 2, got[0].RecordCount)
		require.True(t, got[0].LastReceivedAt.Equal(base.Add(2*time.Minute)))
		require.Equal(t, "2026-02-25", domain.FormatDate(got[1].Date))
		require.Equal(t, 1, got[1].RecordCount)
	})

	t.Run("LogsFilterAndPaginate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		var pixel []domain.Record
		for i := 0; i < 5; i++ {
			rec := row(domain.RecordTypeIntraday, "2026-02-26", "pixel", "health_connect", time.Duration(i)*time.Minute, `{"i":1}`)
			pixel = append(pixel, rec)
			insert(t, repo, rec)
		}
		insert(t, repo,
			row(domain.RecordTypeIntraday, "2026-02-26", "watch", "health_connect", 10*time.Minute, `{"w":1}`),
			row(domain.RecordTypeIntraday, "2026-02-25", "pixel", "health_connect", 11*time.Minute, `{"old":1}`),
		)

		all, err := repo.Logs(ctx, domain.LogFilter{Limit: 100})
		require.NoError(t, err)
		require.Len(t, all, 7)
		for i := 1; i < len(all); i++ {
			require.False(t, all[i].ReceivedAt.After(all[i-1].ReceivedAt), "newest first")
		}

		date := day("2026-02-26")
		page, err := repo.Logs(ctx, domain.LogFilter{Date: &date, DeviceID: "pixel", Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, pixel[4].ID, page[0].ID)
		require.Equal(t, pixel[3].ID, page[1].ID)

		cursor := &domain.Cursor{ReceivedAt: page[1].ReceivedAt, ID: page[1].ID}
		page, err = repo.Logs(ctx, domain.LogFilter{Date: &date, DeviceID: "pixel", Limit: 10, Cursor: cursor})
		require.NoError(t, err)
		require.Len(t, page, 3)
		require.Equal(t, pixel[2].ID, page[0].ID)
		require.Equal(t, pixel[0].ID, page[2].ID)
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, newRepo(t).Ping(context.Background()))
	})
}
