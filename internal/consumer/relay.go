package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/notify"
)

// Relay forwards health.sync_completed events to a notification sink. Other event
// types are acknowledged and ignored.
type Relay struct {
	sink   notify.Sink
	logger *log.Logger
}

// NewRelay constructs a Relay. A nil logger falls back to the standard logger.
func NewRelay(sink notify.Sink, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{sink: sink, logger: logger}
}

// Handle implements Handler.
func (r *Relay) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.SyncCompletedType {
		recordSkipped(skipForeignEvent)
		return nil
	}
	var event events.SyncCompleted
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// retrying cannot fix a malformed body
		r.logger.Printf("dropping undecodable %s at offset %d: %v", msg.EventType, msg.Offset, err)
		recordSkipped(skipBadBody)
		return nil
	}
	err := r.sink.Send(ctx, event)
	recordRelayed(r.sink.Name(), msg.RecordType, err)
	if err != nil {
		return fmt.Errorf("relay to %s: %w", r.sink.Name(), err)
	}
	return nil
}
