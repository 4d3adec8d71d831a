package endpoint

import "errors"

var (
	// ErrInvalidUDN is returned for an empty device name.
	ErrInvalidUDN = errors.New("endpoint: udn is required")

	// ErrIdentifiersExhausted is returned when the counter passes MaxID.
	ErrIdentifiersExhausted = errors.New("endpoint: identifier space exhausted")

	// ErrInvalidFirstID is returned by NewRegistry for a first id outside 1..MaxID.
	ErrInvalidFirstID = errors.New("endpoint: first dynamic id out of range")
)
