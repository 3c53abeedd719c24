package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrConflict) {
//	    // uniqueId or phone already belongs to another device
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrConflict is returned when an add or update would index a uniqueId
	// or phone that already belongs to a different device.
	ErrConflict = errors.New("device: conflict")

	// ErrUniqueIDTaken wraps ErrConflict for a duplicate uniqueId.
	ErrUniqueIDTaken = fmt.Errorf("%w: unique id already indexed", ErrConflict)

	// ErrPhoneTaken wraps ErrConflict for a duplicate phone number.
	ErrPhoneTaken = fmt.Errorf("%w: phone already indexed", ErrConflict)

	// ErrNoLatestPosition is returned when an operation needs a cached latest
	// position and the device has none.
	ErrNoLatestPosition = errors.New("device: no latest position")

	// ErrStore is returned when the durable store fails. The in-memory
	// state is left exactly as it was before the attempt.
	ErrStore = errors.New("device: store failure")

	// ErrCoercion is returned when a typed attribute accessor cannot convert
	// the resolved value to the requested type.
	ErrCoercion = errors.New("device: attribute coercion failed")

	// ErrGroupCycle is returned when group ascent detects a parent loop or
	// exceeds the maximum depth.
	ErrGroupCycle = errors.New("device: group hierarchy cycle")

	// ErrInvalidDevice is returned when a device payload fails validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidPosition is returned when a position payload fails validation.
	ErrInvalidPosition = errors.New("device: invalid position")
)
