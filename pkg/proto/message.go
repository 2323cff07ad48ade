package proto

import (
	"encoding/json"
	"fmt"
)

// FieldTypeRequest is the mandatory discriminator field carried by every
// envelope in both directions.
const FieldTypeRequest = "typeRequest"

// Message is a structured request or response envelope. Fields beyond the
// typeRequest discriminator are type-specific; accessors return a caller
// supplied default when a field is absent or of the wrong shape, mirroring
// how the controller builds these documents.
type Message map[string]any

// ParseMessage decodes a raw envelope. A payload that is not a JSON object is
// an error; the dispatcher treats that the same as an empty payload.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse message envelope: %w", err)
	}
	return m, nil
}

// NewMessage creates an outbound envelope for the given discriminator.
func NewMessage(state EngineState) Message {
	return Message{FieldTypeRequest: state.String()}
}

// TypeRequest returns the discriminator, or "" when absent.
func (m Message) TypeRequest() string {
	return m.String(FieldTypeRequest, "")
}

// String returns the string field at key, or def when absent or non-string.
func (m Message) String(key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer field at key, or def when absent. JSON numbers
// arrive as float64; both are accepted.
func (m Message) Int(key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Bool returns the boolean field at key, or def when absent or non-boolean.
func (m Message) Bool(key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// Value returns the raw field at key, which may be nil.
func (m Message) Value(key string) any {
	return m[key]
}

// Object returns the object field at key, or nil when absent or non-object.
func (m Message) Object(key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Has reports whether the field is present, even if null.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// RawValue returns the field at key re-encoded as JSON, or "null" when the
// field is absent. Option payloads and result keys are stored this way so
// they can be handed to the computation runtime verbatim.
func (m Message) RawValue(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// JSON encodes the envelope. Encoding a map of JSON-decoded values cannot
// fail; an error here indicates a programming bug upstream.
func (m Message) JSON() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return data
}
