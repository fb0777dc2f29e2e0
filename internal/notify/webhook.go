package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"example.com/healthsync/internal/events"
)

// WebhookSink POSTs the event as JSON to an arbitrary endpoint.
type WebhookSink struct {
	client *http.Client
	url    string
	token  string
}

// NewWebhookSink constructs a WebhookSink. A non-empty token is sent as a bearer credential.
func NewWebhookSink(endpoint, token string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &WebhookSink{
		client: client,
		url:    strings.TrimRight(endpoint, "/"),
		token:  token,
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, event events.SyncCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", events.SyncCompletedType)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &WebhookError{Status: resp.StatusCode}
	}
	return nil
}

// WebhookError represents a non-successful webhook response.
type WebhookError struct {
	Status int
}

func (e *WebhookError) Error() string {
	return "webhook delivery failed with status " + http.StatusText(e.Status)
}
