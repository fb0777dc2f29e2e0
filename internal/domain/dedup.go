package domain

import (
	"context"
	"time"
)

// Decision is the Dedup Gate's verdict for one submission.
type Decision string

const (
	// DecisionAccept means the payload is new information for its key.
	DecisionAccept Decision = "accepted"
	// DecisionSkip means the payload matches the most recent accepted sync for its key.
	DecisionSkip Decision = "skipped"
)

// LatestReader exposes the single lookup the gate needs.
type LatestReader interface {
	LatestForDevice(ctx context.Context, table RecordType, date time.Time, deviceID string) (*Record, error)
}

// Gate compares an incoming fingerprint with the most recently stored row for the same
// (date, device_id). There is no separate fingerprint store: the reference is the
// stored row itself.
type Gate struct {
	store LatestReader
}

// NewGate constructs a Gate.
func NewGate(store LatestReader) Gate {
	return Gate{store: store}
}

// Check decides whether a submission with the given fingerprint should be written to table.
func (g Gate) Check(ctx context.Context, table RecordType, date time.Time, deviceID, fingerprint string) (Decision, error) {
	latest, err := g.store.LatestForDevice(ctx, table, date, deviceID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return DecisionAccept, nil
	}

	stored := latest.PayloadHash
	if stored == "" {
		// rows written before hashes were persisted
		stored, err = Fingerprint(latest.Payload)
		if err != nil {
			return DecisionAccept, nil
		}
	}
	if stored == fingerprint {
		return DecisionSkip, nil
	}
	return DecisionAccept, nil
}
