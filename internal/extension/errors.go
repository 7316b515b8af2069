package extension

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidManifest is wrapped by every *ManifestError.
	ErrInvalidManifest = errors.New("extension: invalid manifest")

	// ErrLoad is wrapped by every *LoadError.
	ErrLoad = errors.New("extension: load failed")

	// ErrDuplicateName is returned when two extensions claim the same name.
	ErrDuplicateName = errors.New("extension: duplicate name")

	// ErrUnknownAction is returned (wrapped) by handlers that do not
	// implement the requested action.
	ErrUnknownAction = errors.New("extension: unknown action")

	// ErrNotFound is returned when a named extension is not loaded.
	ErrNotFound = errors.New("extension: not found")

	// ErrInvalidConfig is returned when merged config fails validation.
	ErrInvalidConfig = errors.New("extension: invalid config")

	// ErrInvalidParams is returned when command params fail validation.
	ErrInvalidParams = errors.New("extension: invalid params")
)

// ManifestError describes a manifest that could not be parsed or checked.
type ManifestError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	msg := "invalid manifest"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrInvalidManifest and the underlying cause.
func (e *ManifestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidManifest}
	}
	return []error{ErrInvalidManifest, e.Err}
}

// LoadError describes an extension that could not be instantiated.
type LoadError struct {
	Name       string
	EntryPoint string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s (%s): %v", e.Name, e.EntryPoint, e.Err)
}

// Unwrap returns ErrLoad and the underlying cause.
func (e *LoadError) Unwrap() []error {
	return []error{ErrLoad, e.Err}
}

// UnknownAction returns an error wrapping ErrUnknownAction for action.
func UnknownAction(action string) error {
	return fmt.Errorf("%w: %s", ErrUnknownAction, action)
}
