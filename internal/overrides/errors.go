package overrides

import "errors"

var (
	// ErrNotFound is returned when unsetting an override that does not exist.
	ErrNotFound = errors.New("overrides: not found")

	// ErrInvalidKey is returned for an empty module or key, or a key with
	// an empty dotted segment.
	ErrInvalidKey = errors.New("overrides: invalid key")
)
