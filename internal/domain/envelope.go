package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var validationPrinter = message.NewPrinter(language.English)

const (
	// DefaultSchemaVersion applies when a bridge omits schema_version (raw export format).
	DefaultSchemaVersion = 3
	// DefaultSourceApp applies when a bridge omits source_app.
	DefaultSourceApp = "health_connect"
	// DefaultMaxPayloadBytes caps a single submission.
	DefaultMaxPayloadBytes = 50 << 20
)

// Source describes the device and platform a sync came from.
type Source struct {
	DeviceID      string
	CollectedAt   time.Time
	SourceApp     string
	SchemaVersion int
}

// SyncEnvelope wraps one sync submission: metadata plus an opaque payload.
type SyncEnvelope struct {
	ID          string
	Date        time.Time
	Source      Source
	RecordType  RecordType
	PayloadHash string
	RawPayload  json.RawMessage
}

// EnvelopeOptions tune ParseEnvelope.
type EnvelopeOptions struct {
	MaxPayloadBytes int
	Now             func() time.Time
}

type envelopeWire struct {
	ID            string          `json:"id"`
	Date          string          `json:"date"`
	SchemaVersion *json.Number    `json:"schema_version"`
	RecordType    string          `json:"record_type"`
	PayloadHash   string          `json:"payload_hash"`
	RawPayload    json.RawMessage `json:"raw_payload"`
	RawJSON       *string         `json:"raw_json"`
	Source        struct {
		DeviceID      string       `json:"device_id"`
		CollectedAt   string       `json:"collected_at"`
		SourceApp     string       `json:"source_app"`
		SchemaVersion *json.Number `json:"schema_version"`
	} `json:"source"`
}

// ParseEnvelope validates a raw request body for the given endpoint and returns the
// decoded envelope. The payload document itself is never inspected beyond checking
// that it is well-formed, structured and non-empty.
func ParseEnvelope(body []byte, kind RecordType, opts EnvelopeOptions) (SyncEnvelope, error) {
	if opts.MaxPayloadBytes > 0 && len(body) > opts.MaxPayloadBytes {
		return SyncEnvelope{}, fmt.Errorf("%w: body exceeds %d bytes", ErrPayloadTooLarge, opts.MaxPayloadBytes)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	schema, err := envelopeSchema()
	if err != nil {
		return SyncEnvelope{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return SyncEnvelope{}, invalidf("body is not valid JSON: %v", err)
	}
	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return SyncEnvelope{}, invalidf("%s", flattenValidation(verr))
		}
		return SyncEnvelope{}, invalidf("%v", err)
	}

	var wire envelopeWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return SyncEnvelope{}, invalidf("unable to decode envelope: %v", err)
	}

	env := SyncEnvelope{
		ID:          strings.TrimSpace(wire.ID),
		PayloadHash: wire.PayloadHash,
		RecordType:  RecordType(wire.RecordType),
	}

	if env.Date, err = ParseDate(wire.Date); err != nil {
		return SyncEnvelope{}, invalidf("%v", err)
	}
	if env.Date.After(TruncateDate(now())) {
		return SyncEnvelope{}, invalidf("date %s cannot be in the future", wire.Date)
	}

	if env.ID != "" {
		if _, err := uuid.Parse(env.ID); err != nil {
			return SyncEnvelope{}, invalidf("id must be a UUID")
		}
	}
	if env.RecordType != "" && env.RecordType != kind {
		return SyncEnvelope{}, invalidf("record_type must be %q for this endpoint", kind)
	}
	env.RecordType = kind

	env.Source.DeviceID = strings.TrimSpace(wire.Source.DeviceID)
	if env.Source.DeviceID == "" {
		return SyncEnvelope{}, invalidf("source.device_id is required")
	}
	collected, err := time.Parse(time.RFC3339Nano, wire.Source.CollectedAt)
	if err != nil {
		return SyncEnvelope{}, invalidf("source.collected_at must be an RFC 3339 timestamp")
	}
	env.Source.CollectedAt = collected.UTC()
	env.Source.SourceApp = strings.TrimSpace(wire.Source.SourceApp)
	if env.Source.SourceApp == "" {
		env.Source.SourceApp = DefaultSourceApp
	}

	version, err := resolveSchemaVersion(wire.SchemaVersion, wire.Source.SchemaVersion)
	if err != nil {
		return SyncEnvelope{}, err
	}
	env.Source.SchemaVersion = version

	payload, err := selectPayload(wire.RawPayload, wire.RawJSON)
	if err != nil {
		return SyncEnvelope{}, err
	}
	env.RawPayload = payload
	return env, nil
}

func selectPayload(structured json.RawMessage, encoded *string) (json.RawMessage, error) {
	hasStructured := len(bytes.TrimSpace(structured)) > 0 && !bytes.Equal(bytes.TrimSpace(structured), []byte("null"))
	switch {
	case hasStructured && encoded != nil:
		return nil, invalidf("provide either raw_payload or raw_json, not both")
	case hasStructured:
		if empty, err := isEmptyDocument(structured); err != nil || empty {
			return nil, invalidf("raw_payload must be a non-empty document")
		}
		return append(json.RawMessage(nil), structured...), nil
	case encoded != nil:
		raw := []byte(*encoded)
		if !json.Valid(raw) {
			return nil, invalidf("raw_json is not valid JSON")
		}
		empty, err := isEmptyDocument(raw)
		if err != nil || empty {
			return nil, invalidf("raw_json must encode a non-empty document")
		}
		return json.RawMessage(raw), nil
	default:
		return nil, invalidf("raw_payload is required")
	}
}

func isEmptyDocument(doc []byte) (bool, error) {
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return false, err
	}
	switch v := value.(type) {
	case nil:
		return true, nil
	case map[string]any:
		return len(v) == 0, nil
	case []any:
		return len(v) == 0, nil
	default:
		// scalars are not structured documents
		return true, nil
	}
}

func resolveSchemaVersion(top, nested *json.Number) (int, error) {
	parse := func(n *json.Number) (int, error) {
		f, err := n.Float64()
		if err != nil || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
			return 0, invalidf("schema_version must be a non-negative integer")
		}
		return int(f), nil
	}

	switch {
	case top == nil && nested == nil:
		return DefaultSchemaVersion, nil
	case nested == nil:
		return parse(top)
	case top == nil:
		return parse(nested)
	}

	a, err := parse(top)
	if err != nil {
		return 0, err
	}
	b, err := parse(nested)
	if err != nil {
		return 0, err
	}
	if a != b {
		return 0, invalidf("schema_version and source.schema_version disagree (%d != %d)", a, b)
	}
	return a, nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

func flattenValidation(verr *jsonschema.ValidationError) string {
	leaves := make([]string, 0, 4)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			leaves = append(leaves, fmt.Sprintf("%s: %s", loc, e.ErrorKind.LocalizedString(validationPrinter)))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}

const envelopeSchemaURL = "https://healthsync.example.com/schemas/sync-envelope.json"

const envelopeSchemaDoc = `{
  "type": "object",
  "required": ["date", "source"],
  "properties": {
    "id": {"type": "string"},
    "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "schema_version": {"type": "integer", "minimum": 0},
    "record_type": {"type": "string", "enum": ["daily", "intraday"]},
    "payload_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "raw_json": {"type": "string", "minLength": 1},
    "raw_payload": {"type": ["object", "array", "null"]},
    "source": {
      "type": "object",
      "required": ["device_id", "collected_at"],
      "properties": {
        "device_id": {"type": "string", "minLength": 1},
        "collected_at": {"type": "string", "minLength": 1},
        "source_app": {"type": "string"},
        "schema_version": {"type": "integer", "minimum": 0}
      }
    }
  },
  "anyOf": [
    {"required": ["raw_payload"]},
    {"required": ["raw_json"]}
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func envelopeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaDoc))
		if err != nil {
			schemaErr = fmt.Errorf("envelope schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("envelope schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(envelopeSchemaURL)
	})
	return compiledSchema, schemaErr
}
