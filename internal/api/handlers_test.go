package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/diagnostics"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/notify"
	"example.com/healthsync/internal/persistence/memory"
)

var fixedNow = func() time.Time { return time.Date(2026, time.February, 27, 9, 0, 0, 0, time.UTC) }

func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2026, time.February, 26, 21, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

type testServer struct {
	repo *memory.Repository
	mux  *http.ServeMux
}

func newTestServer(t *testing.T, serviceOpts []domain.Option, handlerOpts ...Option) *testServer {
	t.Helper()
	repo := memory.NewRepository()
	quiet := log.New(io.Discard, "", 0)
	service := domain.NewService(repo, append([]domain.Option{domain.WithClock(steppingClock()), domain.WithLogger(quiet)}, serviceOpts...)...)
	handler := NewHandler(service, append([]Option{WithClock(fixedNow), WithLogger(quiet), WithVersion("test")}, handlerOpts...)...)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &testServer{repo: repo, mux: mux}
}

func withScopes(req *http.Request, scopes ...string) *http.Request {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Subject: "tester", Scopes: set, ExpiresAt: time.Now().Add(time.Hour)}))
}

func (s *testServer) do(method, target, body string, scopes ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if len(scopes) > 0 {
		req = withScopes(req, scopes...)
	}
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) post(target, body string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, target, body, auth.ScopeHealthWrite)
}

func (s *testServer) get(target string) *httptest.ResponseRecorder {
	return s.do(http.MethodGet, target, "", auth.ScopeHealthRead)
}

func syncBody(date, device, sourceApp, payload string) string {
	source := fmt.Sprintf(`{"device_id":%q,"collected_at":"%sT20:00:00Z"`, device, date)
	if sourceApp != "" {
		source += fmt.Sprintf(`,"source_app":%q`, sourceApp)
	}
	return fmt.Sprintf(`{"date":%q,"schema_version":3,"source":%s},"raw_payload":%s}`, date, source, payload)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestIngestWorkedExample(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := srv.post("/v1/ingest/daily", syncBody("2026-02-26", "A", "", `{"StepsRecord":[{"count":500}]}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	first := decode[IngestResponse](t, rr)
	require.True(t, first.Inserted)
	require.Equal(t, "accepted", first.Outcome)
	require.Equal(t, 1, first.RowCount)
	require.NotEmpty(t, first.ID)

	rr = srv.post("/v1/ingest/daily", syncBody("2026-02-26", "A", "", `{"StepsRecord":[{"count":500}]}`))
	require.Equal(t, http.StatusOK, rr.Code)
	second := decode[IngestResponse](t, rr)
	require.False(t, second.Inserted)
	require.Equal(t, "skipped", second.Outcome)
	require.Equal(t, first.PayloadHash, second.PayloadHash)
	require.Equal(t, 1, srv.repo.Count(domain.RecordTypeDaily))

	rr = srv.post("/v1/ingest/daily", syncBody("2026-02-26", "A", "", `{"StepsRecord":[{"count":600}]}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 2, decode[IngestResponse](t, rr).RowCount)

	rr = srv.get("/v1/records/2026-02-26")
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[RecordView](t, rr)
	require.JSONEq(t, `{"StepsRecord":[{"count":600}]}`, string(view.Data))
	require.Equal(t, "A", view.DeviceID)
	require.Equal(t, "health_connect", view.SourceApp)
	require.Equal(t, "daily", view.RecordType)
	require.Equal(t, 3, view.SchemaVersion)
}

func TestIngestIntradayAppends(t *testing.T) {
	srv := newTestServer(t, nil)
	body := syncBody("2026-02-26", "A", "", `{"HeartRateRecord":[{"bpm":61}]}`)
	for i := 0; i < 2; i++ {
		rr := srv.post("/v1/ingest/intraday", body)
		require.Equal(t, http.StatusOK, rr.Code)
		require.True(t, decode[IngestResponse](t, rr).Inserted)
	}
	require.Equal(t, 2, srv.repo.Count(domain.RecordTypeIntraday))
	require.Zero(t, srv.repo.Count(domain.RecordTypeDaily))
}

func TestIngestValidationErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	cases := map[string]string{
		"malformed":    `{"date":`,
		"no device":    `{"date":"2026-02-26","source":{"collected_at":"2026-02-26T20:00:00Z"},"raw_payload":{"a":1}}`,
		"future":       syncBody("2026-03-01", "A", "", `{"a":1}`),
		"empty":        syncBody("2026-02-26", "A", "", `{}`),
		"wrong type":   `{"record_type":"intraday","date":"2026-02-26","source":{"device_id":"A","collected_at":"2026-02-26T20:00:00Z"},"raw_payload":{"a":1}}`,
		"bad hash":     `{"payload_hash":"not-a-digest","date":"2026-02-26","source":{"device_id":"A","collected_at":"2026-02-26T20:00:00Z"},"raw_payload":{"a":1}}`,
		"bad raw_json": `{"date":"2026-02-26","source":{"device_id":"A","collected_at":"2026-02-26T20:00:00Z"},"raw_json":"{"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := srv.post("/v1/ingest/daily", body)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			require.Equal(t, "validation_failed", decode[map[string]string](t, rr)["type"])
		})
	}
	require.Zero(t, srv.repo.Count(domain.RecordTypeDaily))
}

func TestIngestAcceptsForeignClientHash(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"payload_hash":"0000000000000000000000000000000000000000000000000000000000000000","date":"2026-02-26","source":{"device_id":"A","collected_at":"2026-02-26T20:00:00Z"},"raw_payload":{"a":1}}`

	rr := srv.post("/v1/ingest/daily", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[IngestResponse](t, rr)
	require.True(t, resp.Inserted)
	want, err := domain.Fingerprint([]byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, want, resp.PayloadHash)
	require.Equal(t, 1, srv.repo.Count(domain.RecordTypeDaily))
}

type outageSink struct {
	calls atomic.Int32
}

func (s *outageSink) Name() string { return "outage" }

func (s *outageSink) Send(ctx context.Context, _ events.SyncCompleted) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }

func (failingSink) Send(context.Context, events.SyncCompleted) error {
	return errors.New("connection refused")
}

func TestIngestSucceedsWhileNotificationsAreDown(t *testing.T) {
	hung := &outageSink{}
	dispatcher := notify.NewDispatcher(
		[]notify.Sink{hung, failingSink{}},
		notify.WithTimeout(500*time.Millisecond),
		notify.WithLogger(log.New(io.Discard, "", 0)),
	)
	srv := newTestServer(t, []domain.Option{domain.WithNotifier(dispatcher)})

	start := time.Now()
	rr := srv.post("/v1/ingest/daily", syncBody("2026-02-26", "A", "", `{"steps":500}`))
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.True(t, decode[IngestResponse](t, rr).Inserted)
	require.Equal(t, 1, srv.repo.Count(domain.RecordTypeDaily))
	require.Less(t, elapsed, 250*time.Millisecond, "ingest waited on a notification sink")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Wait(ctx))
	require.Equal(t, int32(1), hung.calls.Load())
}

func TestIngestPayloadTooLarge(t *testing.T) {
	srv := newTestServer(t, nil, WithMaxPayloadBytes(128))
	body := syncBody("2026-02-26", "A", "", fmt.Sprintf(`{"pad":%q}`, strings.Repeat("x", 512)))

	rr := srv.post("/v1/ingest/daily", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Equal(t, "payload_too_large", decode[map[string]string](t, rr)["type"])
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func ingestCount(t *testing.T, kind, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "healthsync_ingest_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["record_type"] == kind && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestIngestCountsUnreadableBodyAsInvalidRequest(t *testing.T) {
	srv := newTestServer(t, nil)
	tooLarge := ingestCount(t, "intraday", "payload_too_large")
	invalid := ingestCount(t, "intraday", "invalid_request")

	req := withScopes(httptest.NewRequest(http.MethodPost, "/v1/ingest/intraday", brokenBody{}), auth.ScopeHealthWrite)
	rr := httptest.NewRecorder()
	srv.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_request", decode[map[string]string](t, rr)["type"])
	require.Equal(t, invalid+1, ingestCount(t, "intraday", "invalid_request"))
	require.Equal(t, tooLarge, ingestCount(t, "intraday", "payload_too_large"))
}

func TestIngestAuthorization(t *testing.T) {
	srv := newTestServer(t, nil)
	body := syncBody("2026-02-26", "A", "", `{"a":1}`)

	rr := srv.do(http.MethodPost, "/v1/ingest/daily", body)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = srv.do(http.MethodPost, "/v1/ingest/daily", body, auth.ScopeHealthRead)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = srv.do(http.MethodGet, "/v1/dates", "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = srv.do(http.MethodGet, "/v1/ingest/daily", "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestStorageFailuresMapTo5xx(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.repo.Fail = fmt.Errorf("%w: dial tcp: connection refused", domain.ErrStorageUnavailable)

	rr := srv.post("/v1/ingest/daily", syncBody("2026-02-26", "A", "", `{"a":1}`))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]string](t, rr)
	require.Equal(t, "storage_unavailable", body["type"])
	require.NotContains(t, body["detail"], "dial tcp")

	rr = srv.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	srv.repo.Fail = fmt.Errorf("%w: unique violation", domain.ErrStorageRejected)
	rr = srv.post("/v1/ingest/intraday", syncBody("2026-02-26", "A", "", `{"a":1}`))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "storage_rejected", decode[map[string]string](t, rr)["type"])
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := srv.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok","version":"test"}`, rr.Body.String())

	rr = srv.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestRecordQueries(t *testing.T) {
	resolver, err := domain.ParseResolver([]string{"samsung_health"})
	require.NoError(t, err)
	srv := newTestServer(t, []domain.Option{domain.WithResolver(resolver)})

	for _, body := range []string{
		syncBody("2026-02-24", "phone", "health_connect", `{"d":24}`),
		syncBody("2026-02-26", "watch", "samsung_health", `{"d":26,"src":"samsung"}`),
		syncBody("2026-02-26", "phone", "health_connect", `{"d":26,"src":"hc"}`),
	} {
		rr := srv.post("/v1/ingest/daily", body)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr := srv.get("/v1/records/latest")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"d":26,"src":"samsung"}`, string(decode[RecordView](t, rr).Data))

	rr = srv.get("/v1/records/2026-02-26")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "samsung_health", decode[RecordView](t, rr).SourceApp)

	rr = srv.get("/v1/records/2026-02-25")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "not_found", decode[map[string]string](t, rr)["type"])

	rr = srv.get("/v1/records/26-02-2026")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.get("/v1/records?start_date=2026-02-20&end_date=2026-02-28")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[ListRecordsResponse](t, rr)
	require.Equal(t, 2, list.Count)
	require.Equal(t, "2026-02-24", list.Records[0].Date)
	require.Equal(t, "2026-02-26", list.Records[1].Date)

	rr = srv.get("/v1/records?start_date=2026-01-01&end_date=2026-01-31")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"count":0,"records":[]}`, rr.Body.String())

	rr = srv.get("/v1/records?start_date=2026-02-28&end_date=2026-02-20")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.get("/v1/records?start_date=2026-02-20")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.get("/v1/dates")
	require.Equal(t, http.StatusOK, rr.Code)
	dates := decode[ListDatesResponse](t, rr)
	require.Equal(t, 2, dates.Count)
	require.Equal(t, "2026-02-26", dates.Dates[0].Date)
	require.Equal(t, 2, dates.Dates[0].RecordCount)
}

func TestRecordQueriesEmptyStore(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := srv.get("/v1/records/latest")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = srv.get("/v1/dates")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"count":0,"dates":[]}`, rr.Body.String())
}

func TestListLogsPagination(t *testing.T) {
	srv := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		rr := srv.post("/v1/ingest/intraday", syncBody("2026-02-26", "A", "", fmt.Sprintf(`{"n":%d}`, i)))
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := srv.post("/v1/ingest/intraday", syncBody("2026-02-25", "B", "", `{"n":9}`))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = srv.get("/v1/logs?date=2026-02-26&device_id=A&limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[ListLogsResponse](t, rr)
	require.Equal(t, 2, page.Count)
	require.NotEmpty(t, page.NextCursor)
	require.JSONEq(t, `{"n":2}`, string(page.Logs[0].Data))

	rr = srv.get("/v1/logs?date=2026-02-26&device_id=A&limit=2&cursor=" + page.NextCursor)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode[ListLogsResponse](t, rr)
	require.Equal(t, 1, page.Count)
	require.Empty(t, page.NextCursor)

	rr = srv.get("/v1/logs")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 4, decode[ListLogsResponse](t, rr).Count)

	for _, q := range []string{"limit=0", "limit=101", "limit=ten", "date=yesterday", "cursor=%21%21"} {
		rr = srv.get("/v1/logs?" + q)
		require.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestIngestDebug(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, nil, WithDebugSink(diagnostics.NewFileSink(dir, log.New(io.Discard, "", 0))))

	rr := srv.post("/v1/ingest/debug", `{"date":"2026-02-26","StepsRecord":[{"count":1}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[DebugResponse](t, rr)
	require.Equal(t, "debug_logged", resp.Status)
	require.Equal(t, []string{"StepsRecord", "date"}, resp.TopLevelKeys)
	require.JSONEq(t, `{"date":"2026-02-26","StepsRecord":[{"count":1}]}`, string(resp.Payload))
	require.Zero(t, srv.repo.Count(domain.RecordTypeDaily))

	rr = srv.post("/v1/ingest/debug", `[1,2,3]`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecordDataIsNotReshaped(t *testing.T) {
	srv := newTestServer(t, nil)
	payload := `{"zeta":[3,1,2],"alpha":{"html":"<b>&</b>","n":1.50}}`
	rr := srv.post("/v1/ingest/daily", syncBody("2026-02-26", "A", "", payload))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = srv.get("/v1/records/2026-02-26")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, bytes.Contains(rr.Body.Bytes(), []byte(`"data":{"zeta":[3,1,2],"alpha":{"html":"<b>&</b>","n":1.50}}`)), rr.Body.String())
}
