// Package api exposes HTTP handlers for the health sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/diagnostics"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/persistence"
)

// DebugSink captures payloads posted to the debug endpoint.
type DebugSink interface {
	Capture(body []byte) (diagnostics.Report, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithDebugSink sets where debug submissions go.
func WithDebugSink(sink DebugSink) Option {
	return func(h *Handler) { h.debug = sink }
}

// WithMaxPayloadBytes caps ingestion bodies.
func WithMaxPayloadBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxPayload = n
		}
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithClock overrides the clock used to reject future dates.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service    *domain.Service
	debug      DebugSink
	maxPayload int
	version    string
	now        func() time.Time
	logger     *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, opts ...Option) *Handler {
	h := &Handler{
		service:    service,
		maxPayload: domain.DefaultMaxPayloadBytes,
		version:    "dev",
		now:        time.Now,
		logger:     log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.debug == nil {
		h.debug = diagnostics.NewFileSink("", h.logger)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ingest/daily", h.ingest(domain.RecordTypeDaily))
	mux.HandleFunc("/v1/ingest/intraday", h.ingest(domain.RecordTypeIntraday))
	mux.HandleFunc("/v1/ingest/debug", h.ingestDebug)
	mux.HandleFunc("/v1/records", h.listRecords)
	mux.HandleFunc("/v1/records/", h.recordByDate)
	mux.HandleFunc("/v1/dates", h.listDates)
	mux.HandleFunc("/v1/logs", h.listLogs)
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container liveness checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.service.Ping(ctx); err != nil {
		h.logger.Printf("health check: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Version: h.version, Detail: "storage unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return false
	}
	return true
}

// readBody returns the request body, or the error type it already wrote to w.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxPayload)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "body exceeds "+strconv.Itoa(h.maxPayload)+" bytes")
			return nil, "payload_too_large"
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
		return nil, "invalid_request"
	}
	return body, ""
}

func (h *Handler) ingest(kind domain.RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		if !requireScope(w, r, auth.ScopeHealthWrite) {
			return
		}
		body, failure := h.readBody(w, r)
		if failure != "" {
			observability.RecordIngest(string(kind), failure, 0)
			return
		}

		env, err := domain.ParseEnvelope(body, kind, domain.EnvelopeOptions{MaxPayloadBytes: h.maxPayload, Now: h.now})
		if err != nil {
			observability.RecordIngest(string(kind), errorType(err), 0)
			h.writeDomainError(w, err)
			return
		}

		result, err := h.service.Ingest(r.Context(), kind, env)
		if err != nil {
			observability.RecordIngest(string(kind), errorType(err), 0)
			h.writeDomainError(w, err)
			return
		}
		observability.RecordIngest(string(kind), string(result.Outcome), len(body))
		if result.ClientHashMismatch {
			observability.RecordHashMismatch(string(kind))
		}

		resp := IngestResponse{
			Status:      "ok",
			Outcome:     string(result.Outcome),
			Inserted:    result.Inserted(),
			PayloadHash: result.Fingerprint,
		}
		if result.Inserted() {
			resp.ID = result.Record.ID
			resp.RowCount = result.RowCount
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) ingestDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeHealthWrite) {
		return
	}
	body, failure := h.readBody(w, r)
	if failure != "" {
		return
	}
	report, err := h.debug.Capture(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DebugResponse{
		Status:       "debug_logged",
		Payload:      report.Payload,
		SizeBytes:    report.SizeBytes,
		TopLevelKeys: report.TopLevelKeys,
	})
}

func (h *Handler) recordByDate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeHealthRead) {
		return
	}
	segment := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/records/"), "/")
	if segment == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing date")
		return
	}

	var (
		rec domain.Record
		err error
	)
	if segment == "latest" {
		rec, err = h.service.GetLatest(r.Context())
	} else {
		date, parseErr := domain.ParseDate(segment)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", parseErr.Error())
			return
		}
		rec, err = h.service.GetByDate(r.Context(), date)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(rec))
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeHealthRead) {
		return
	}

	query := r.URL.Query()
	start, err := domain.ParseDate(query.Get("start_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "start_date: "+err.Error())
		return
	}
	end, err := domain.ParseDate(query.Get("end_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "end_date: "+err.Error())
		return
	}

	records, err := h.service.GetRange(r.Context(), start, end)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, toRecordView(rec))
	}
	writeJSON(w, http.StatusOK, ListRecordsResponse{Count: len(views), Records: views})
}

func (h *Handler) listDates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeHealthRead) {
		return
	}
	summaries, err := h.service.ListDates(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	views := make([]DateView, 0, len(summaries))
	for _, s := range summaries {
		views = append(views, DateView{
			Date:           domain.FormatDate(s.Date),
			RecordCount:    s.RecordCount,
			LastReceivedAt: s.LastReceivedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, ListDatesResponse{Count: len(views), Dates: views})
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeHealthRead) {
		return
	}

	query := r.URL.Query()
	filter := domain.LogFilter{DeviceID: strings.TrimSpace(query.Get("device_id")), Limit: domain.DefaultLogLimit}
	if raw := query.Get("date"); raw != "" {
		date, err := domain.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		filter.Date = &date
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > domain.MaxLogLimit {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer between 1 and "+strconv.Itoa(domain.MaxLogLimit))
			return
		}
		filter.Limit = parsed
	}
	cursor, err := persistence.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid cursor")
		return
	}
	filter.Cursor = cursor

	entries, next, err := h.service.GetLogs(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	views := make([]RecordView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toRecordView(e))
	}
	writeJSON(w, http.StatusOK, ListLogsResponse{Count: len(views), Logs: views, NextCursor: persistence.EncodeCursor(next)})
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, domain.ErrInvalidEnvelope):
		return "validation_failed"
	case errors.Is(err, domain.ErrInvalidQuery):
		return "invalid_request"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, domain.ErrStorageRejected):
		return "storage_rejected"
	default:
		return "server_error"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	kind := errorType(err)
	status := http.StatusInternalServerError
	switch kind {
	case "payload_too_large":
		status = http.StatusRequestEntityTooLarge
	case "validation_failed", "invalid_request":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "storage_unavailable":
		status = http.StatusServiceUnavailable
	}
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		// driver messages stay in the log
		h.logger.Printf("%s: %v", kind, err)
		detail = strings.ReplaceAll(kind, "_", " ")
	}
	writeError(w, status, kind, detail)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
