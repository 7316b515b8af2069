package envelope

import "errors"

var (
	// ErrMalformed is returned when a payload is not a valid envelope.
	ErrMalformed = errors.New("envelope: malformed")

	// ErrKind is returned when a Value is asked for a kind it does not hold.
	ErrKind = errors.New("envelope: wrong value kind")
)
