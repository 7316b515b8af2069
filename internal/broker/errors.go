package broker

import "errors"

// Sentinel errors returned by Send.
var (
	// ErrTimeout is returned when no response arrived within the timeout.
	ErrTimeout = errors.New("broker: request timed out")

	// ErrClosed is returned for requests pending when the broker closed,
	// and for Send after Close.
	ErrClosed = errors.New("broker: closed")

	// ErrDuplicateRequest is returned when a req_id is already in flight.
	ErrDuplicateRequest = errors.New("broker: duplicate req_id in flight")

	// ErrInvalidCommand is returned for a nil command or one without req_id.
	ErrInvalidCommand = errors.New("broker: invalid command")
)
