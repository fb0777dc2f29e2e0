package consumer

import (
	"context"
	"errors"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/events"
)

type captureSink struct {
	err  error
	sent []events.SyncCompleted
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, event events.SyncCompleted) error {
	s.sent = append(s.sent, event)
	return s.err
}

func TestRelayForwardsSyncCompleted(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink, log.New(testWriter{t}, "", 0))

	err := relay.Handle(context.Background(), Message{
		EventType: events.SyncCompletedType,
		Payload:   []byte(`{"record_id":"r1","date":"2026-02-26","device_id":"A","row_count_today":3}`),
	})
	require.NoError(t, err)
	require.Len(t, sink.sent, 1)
	require.Equal(t, 3, sink.sent[0].RowCountToday)
}

func TestRelayIgnoresOtherEventsAndBadBodies(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink, log.New(testWriter{t}, "", 0))

	require.NoError(t, relay.Handle(context.Background(), Message{EventType: "health.other", Payload: []byte(`{}`)}))
	require.NoError(t, relay.Handle(context.Background(), Message{EventType: events.SyncCompletedType, Payload: []byte(`[1]`)}))
	require.Empty(t, sink.sent)
}

func TestRelaySurfacesSinkErrors(t *testing.T) {
	sink := &captureSink{err: errors.New("telegram down")}
	relay := NewRelay(sink, log.New(testWriter{t}, "", 0))

	err := relay.Handle(context.Background(), Message{EventType: events.SyncCompletedType, Payload: []byte(`{"record_id":"r1"}`)})
	require.ErrorContains(t, err, "relay to capture")
}

func TestRelayCountsDeliveriesPerSink(t *testing.T) {
	ok := relayedCounter.WithLabelValues("capture", "daily", "ok")
	failed := relayedCounter.WithLabelValues("capture", "daily", "failed")
	foreign := skippedCounter.WithLabelValues(skipForeignEvent)
	beforeOK, beforeFailed, beforeForeign := testutil.ToFloat64(ok), testutil.ToFloat64(failed), testutil.ToFloat64(foreign)

	sink := &captureSink{}
	relay := NewRelay(sink, log.New(testWriter{t}, "", 0))
	msg := Message{EventType: events.SyncCompletedType, RecordType: "daily", Payload: []byte(`{"record_id":"r1"}`)}
	require.NoError(t, relay.Handle(context.Background(), msg))

	sink.err = errors.New("telegram down")
	require.Error(t, relay.Handle(context.Background(), msg))
	require.NoError(t, relay.Handle(context.Background(), Message{EventType: "health.other"}))

	require.Equal(t, beforeOK+1, testutil.ToFloat64(ok))
	require.Equal(t, beforeFailed+1, testutil.ToFloat64(failed))
	require.Equal(t, beforeForeign+1, testutil.ToFloat64(foreign))
}
