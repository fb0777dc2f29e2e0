//go:build integration

package consumer

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/notify"
)

type lockedSink struct {
	mu   sync.Mutex
	sent []events.SyncCompleted
}

func (s *lockedSink) Name() string { return "locked" }

func (s *lockedSink) Send(_ context.Context, event events.SyncCompleted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, event)
	return nil
}

func (s *lockedSink) snapshot() []events.SyncCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.SyncCompleted(nil), s.sent...)
}

func TestKafkaSinkToRelayRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.RunContainer(ctx, testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	topic := "health_sync_events"
	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
	require.NoError(t, conn.Close())

	producer := notify.NewKafkaProducer(brokers)
	t.Cleanup(func() { _ = producer.Close() })
	sink := notify.NewKafkaSink(producer, topic)

	steps := int64(600)
	event := events.SyncCompleted{
		RecordID:      "6f1c1d1e-3f0a-4a55-9a57-0e0c8d1f9a11",
		RecordType:    "daily",
		Date:          "2026-02-26",
		DeviceID:      "pixel-8",
		SourceApp:     "health_connect",
		RowCountToday: 2,
		ReceivedAt:    time.Date(2026, time.February, 26, 21, 0, 0, 0, time.UTC),
		Summary:       &events.SyncSummary{Steps: &steps},
	}
	require.NoError(t, sink.Send(ctx, event))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "healthsync-relay-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	received := &lockedSink{}
	logger := log.New(testWriter{t}, "", 0)
	proc := NewProcessor(reader, NewRelay(received, logger), WithLogger(logger))

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = proc.Run(consumerCtx) }()

	require.Eventually(t, func() bool { return len(received.snapshot()) == 1 }, 60*time.Second, 500*time.Millisecond)
	got := received.snapshot()[0]
	require.Equal(t, event.RecordID, got.RecordID)
	require.Equal(t, event.DeviceID, got.DeviceID)
	require.Equal(t, 2, got.RowCountToday)
	require.Equal(t, steps, *got.Summary.Steps)
}
