package device

import (
	"fmt"
	"math"
	"strings"
)

// Validation constants.
const (
	maxNameLength     = 128
	maxUniqueIDLength = 128
	maxPhoneLength    = 32

	// Size limits for attribute maps to prevent memory exhaustion from
	// misbehaving decoders or API payloads.
	maxAttributeKeys  = 200
	maxStringValueLen = 1024
)

// ValidateDevice checks a device payload before it is persisted or indexed.
// Returns an error wrapping ErrInvalidDevice describing the first failure.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidDevice)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}

	if err := ValidateUniqueID(d.UniqueID); err != nil {
		return err
	}

	if len(d.Phone) > maxPhoneLength {
		return fmt.Errorf("%w: phone exceeds %d characters", ErrInvalidDevice, maxPhoneLength)
	}

	return validateAttributes(d.Attributes, ErrInvalidDevice)
}

// ValidateUniqueID checks that a wire identifier can be indexed.
func ValidateUniqueID(uniqueID string) error {
	if strings.TrimSpace(uniqueID) == "" {
		return fmt.Errorf("%w: unique id cannot be empty", ErrInvalidDevice)
	}
	if len(uniqueID) > maxUniqueIDLength {
		return fmt.Errorf("%w: unique id exceeds %d characters", ErrInvalidDevice, maxUniqueIDLength)
	}
	return nil
}

// ValidatePosition checks a decoded position before acceptance.
func ValidatePosition(p *Position) error {
	if p == nil {
		return ErrInvalidPosition
	}
	if p.DeviceID <= 0 {
		return fmt.Errorf("%w: device id is required", ErrInvalidPosition)
	}
	if p.FixTime.IsZero() {
		return fmt.Errorf("%w: fix time is required", ErrInvalidPosition)
	}
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPosition, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPosition, p.Longitude)
	}
	return validateAttributes(p.Attributes, ErrInvalidPosition)
}

// validateAttributes enforces size limits on an attribute map.
func validateAttributes(attrs Attributes, kind error) error {
	if len(attrs) > maxAttributeKeys {
		return fmt.Errorf("%w: too many attributes (%d > %d)", kind, len(attrs), maxAttributeKeys)
	}
	for k, v := range attrs {
		if len(k) > maxStringValueLen {
			return fmt.Errorf("%w: attribute key too long", kind)
		}
		if s, ok := v.(string); ok && len(s) > maxStringValueLen {
			return fmt.Errorf("%w: attribute %q value too long", kind, k)
		}
	}
	return nil
}
