package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the fixed-width ISO-8601 UTC layout used for every
// timestamp in the pipeline. Fixed width keeps lexicographic order equal to
// chronological order, which both store backends rely on for range reads.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// DefaultWindowDays is the analytics window applied when the caller gives none.
const DefaultWindowDays = 7

// DefaultMetricValue is stored when an event carries no value.
var DefaultMetricValue = decimal.Zero

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// StoredItem is the materialized form of one processed event.
// (ID, Timestamp) is the composite primary key; (Category, Timestamp) is the
// secondary index key.
type StoredItem struct {
	ID          string
	Timestamp   string
	Category    *string
	MetricValue decimal.Decimal
}

// CategoryOrEmpty returns the category, or "" when the item has none.
func (i StoredItem) CategoryOrEmpty() string {
	if i.Category == nil {
		return ""
	}
	return *i.Category
}

// Equal reports whether two items carry the same key and field values.
func (i StoredItem) Equal(other StoredItem) bool {
	if i.ID != other.ID || i.Timestamp != other.Timestamp {
		return false
	}
	if (i.Category == nil) != (other.Category == nil) {
		return false
	}
	if i.Category != nil && *i.Category != *other.Category {
		return false
	}
	return i.MetricValue.Equal(other.MetricValue)
}

// storedItemJSON is the external JSON shape of a stored item.
// metric_value is written as a bare JSON number holding the exact decimal text.
type storedItemJSON struct {
	ID          string      `json:"id"`
	Timestamp   string      `json:"timestamp"`
	Category    *string     `json:"category"`
	MetricValue json.Number `json:"metric_value"`
}

// MarshalJSON encodes the item without losing decimal precision.
func (i StoredItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedItemJSON{
		ID:          i.ID,
		Timestamp:   i.Timestamp,
		Category:    i.Category,
		MetricValue: json.Number(i.MetricValue.String()),
	})
}

// UnmarshalJSON decodes the external JSON shape of a stored item.
func (i *StoredItem) UnmarshalJSON(data []byte) error {
	var raw storedItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value := DefaultMetricValue
	if raw.MetricValue != "" {
		d, err := decimal.NewFromString(raw.MetricValue.String())
		if err != nil {
			return err
		}
		value = d
	}
	*i = StoredItem{
		ID:          raw.ID,
		Timestamp:   raw.Timestamp,
		Category:    raw.Category,
		MetricValue: value,
	}
	return nil
}
