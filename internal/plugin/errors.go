package plugin

import "errors"

var (
	// ErrUnknownDevice is returned when the device is not in the registry.
	ErrUnknownDevice = errors.New("plugin: unknown device")

	// ErrUnsupported is returned when the device does not run the module.
	ErrUnsupported = errors.New("plugin: device does not support module")

	// ErrReservationConflict is returned when another holder has the device.
	ErrReservationConflict = errors.New("plugin: device reserved by another holder")

	// ErrNotOwner is returned when releasing a reservation held by someone else.
	ErrNotOwner = errors.New("plugin: not the reservation holder")

	// ErrNotFound is returned for unknown scheduled jobs.
	ErrNotFound = errors.New("plugin: not found")

	// ErrInvalidRequest is returned for input that fails validation.
	ErrInvalidRequest = errors.New("plugin: invalid request")
)
