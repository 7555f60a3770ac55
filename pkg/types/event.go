// Package types provides the core data types shared across the Tally pipeline.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultPartitionKey is the log partition key used when an event carries no user_id.
const DefaultPartitionKey = "default"

// Known event record field names.
const (
	FieldID        = "id"
	FieldValue     = "value"
	FieldCategory  = "category"
	FieldUserID    = "user_id"
	FieldTimestamp = "timestamp"
)

// EventRecord is the wire and log form of a producer event.
// Every field is optional; defaulting happens in the components that consume them.
type EventRecord struct {
	// ID identifies the event. Producer supplied or assigned at ingestion.
	ID *string

	// Value is the metric value, kept as its literal JSON text so it can be
	// converted to an exact decimal without passing through float64.
	Value *json.Number

	// Category groups events for the indexed query path.
	Category *string

	// UserID is only used to route the event to a log partition.
	UserID *string

	// Timestamp is stamped by the ingestion gateway (ISO-8601 UTC).
	Timestamp *string

	// Attributes holds any other producer keys, passed through untouched.
	Attributes map[string]json.RawMessage
}

// PartitionKey returns the log partition key for the record.
func (e *EventRecord) PartitionKey() string {
	if e.UserID == nil || *e.UserID == "" {
		return DefaultPartitionKey
	}
	return *e.UserID
}

// UnmarshalJSON decodes a JSON object into the record.
func (e *EventRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("event record must be a JSON object: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("event record must be a JSON object, got null")
	}

	*e = EventRecord{}
	var err error

	if e.ID, err = decodeText(raw, FieldID, true); err != nil {
		return err
	}
	if e.UserID, err = decodeText(raw, FieldUserID, true); err != nil {
		return err
	}
	if e.Category, err = decodeText(raw, FieldCategory, false); err != nil {
		return err
	}
	if e.Timestamp, err = decodeText(raw, FieldTimestamp, false); err != nil {
		return err
	}
	if e.Value, err = decodeNumber(raw, FieldValue); err != nil {
		return err
	}

	for _, k := range []string{FieldID, FieldUserID, FieldCategory, FieldTimestamp, FieldValue} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		e.Attributes = raw
	}
	return nil
}

// MarshalJSON encodes the record as a flat JSON object with sorted keys.
func (e EventRecord) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(e.Attributes)+5)
	for k, v := range e.Attributes {
		fields[k] = v
	}

	put := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		fields[key] = b
		return nil
	}

	if e.ID != nil {
		if err := put(FieldID, *e.ID); err != nil {
			return nil, err
		}
	}
	if e.Value != nil {
		fields[FieldValue] = json.RawMessage(e.Value.String())
	}
	if e.Category != nil {
		if err := put(FieldCategory, *e.Category); err != nil {
			return nil, err
		}
	}
	if e.UserID != nil {
		if err := put(FieldUserID, *e.UserID); err != nil {
			return nil, err
		}
	}
	if e.Timestamp != nil {
		if err := put(FieldTimestamp, *e.Timestamp); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeText reads a string field. When allowNumber is set, a JSON number is
// accepted and kept as its literal text.
func decodeText(raw map[string]json.RawMessage, key string, allowNumber bool) (*string, error) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return &s, nil
	}

	if allowNumber {
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			text := n.String()
			return &text, nil
		}
		return nil, fmt.Errorf("%s must be a string or number", key)
	}
	return nil, fmt.Errorf("%s must be a string", key)
}

// decodeNumber reads a numeric field given either as a JSON number or as a
// string holding a valid number.
func decodeNumber(raw map[string]json.RawMessage, key string) (*json.Number, error) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return nil, nil
	}

	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return nil, fmt.Errorf("%s must be a number: %v", key, err)
	}
	return &n, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
