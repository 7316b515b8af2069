package device

import "errors"

// Domain errors for the device registry.
var (
	// ErrInvalidTopic is returned when a meta message arrives on a topic
	// that is not /lab/device/{id}/meta.
	ErrInvalidTopic = errors.New("device: invalid meta topic")
)
