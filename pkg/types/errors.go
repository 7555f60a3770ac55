package types

import "errors"

// Stored item key errors
var (
	// ErrMissingID is returned when an item or record has no id
	ErrMissingID = errors.New("missing id")

	// ErrMissingTimestamp is returned when an item or record has no timestamp
	ErrMissingTimestamp = errors.New("missing timestamp")
)

// ValidateKey checks that the item carries both halves of its primary key.
func (i StoredItem) ValidateKey() error {
	if i.ID == "" {
		return ErrMissingID
	}
	if i.Timestamp == "" {
		return ErrMissingTimestamp
	}
	return nil
}
