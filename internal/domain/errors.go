package domain

import "errors"

var (
	// ErrInvalidEnvelope marks a malformed sync submission. Nothing is written.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrPayloadTooLarge is returned when a submission exceeds the configured size cap.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidQuery marks query parameters that cannot be satisfied (e.g. start after end).
	ErrInvalidQuery = errors.New("invalid query")
	// ErrNotFound is returned when a query has no matching canonical data.
	ErrNotFound = errors.New("record not found")
	// ErrStorageUnavailable means the durable store could not be reached. Transient.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageRejected means the durable store refused the operation (constraint or data error).
	ErrStorageRejected = errors.New("storage rejected write")
)
