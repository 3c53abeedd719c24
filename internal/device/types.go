package device

import (
	"maps"
	"time"
)

// Well-known position attribute keys.
const (
	// KeyTotalDistance is the accumulated odometer distance in metres.
	KeyTotalDistance = "totalDistance"

	// KeyHours is the accumulated engine hours in milliseconds.
	KeyHours = "hours"
)

// Device status values.
const (
	StatusUnknown = "unknown"
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Attributes holds free-form typed scalars keyed by name.
// Values are strings, numbers (float64 after JSON decoding, or any integer
// kind when set in code) or booleans.
type Attributes map[string]any

// Clone returns an independent copy of the attribute map.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return Attributes(deepCopyMap(a))
}

// Device is the identity and configuration record of a tracked unit.
type Device struct {
	// Identity
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	UniqueID string `json:"uniqueId"`
	Phone    string `json:"phone,omitempty"`

	// Classification
	GroupID  int64  `json:"groupId"`
	Category string `json:"category,omitempty"`
	Contact  string `json:"contact,omitempty"`
	Model    string `json:"model,omitempty"`

	// Operational
	Status     string     `json:"status"`
	Disabled   bool       `json:"disabled"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
	PositionID int64      `json:"positionId"`

	// Per-device overrides for attribute resolution.
	Attributes Attributes `json:"attributes"`
}

// DeepCopy creates a complete independent copy of the Device.
// The attribute map is cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	cpy.Attributes = d.Attributes.Clone()

	// *time.Time is never mutated through the pointer, sharing is safe
	return &cpy
}

// Group is a node in the configuration hierarchy. Devices inherit attributes
// from their group and, transitively, from every ancestor group.
type Group struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	GroupID    int64      `json:"groupId"` // Parent group, 0 for a root
	Attributes Attributes `json:"attributes"`
}

// DeepCopy creates an independent copy of the Group.
func (g *Group) DeepCopy() *Group {
	if g == nil {
		return nil
	}
	cpy := *g
	cpy.Attributes = g.Attributes.Clone()
	return &cpy
}

// Position is a single normalised telemetry sample.
type Position struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"deviceId"`
	Protocol   string    `json:"protocol"`
	ServerTime time.Time `json:"serverTime"`
	DeviceTime time.Time `json:"deviceTime"`
	FixTime    time.Time `json:"fixTime"`
	Valid      bool      `json:"valid"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Speed      float64   `json:"speed"`  // knots
	Course     float64   `json:"course"` // degrees
	Accuracy   float64   `json:"accuracy"`
	Address    string    `json:"address,omitempty"`

	// Decoder-specific extras (ignition, fuel, odometer, ...).
	Attributes Attributes `json:"attributes"`
}

// DeepCopy creates an independent copy of the Position.
func (p *Position) DeepCopy() *Position {
	if p == nil {
		return nil
	}
	cpy := *p
	cpy.Attributes = p.Attributes.Clone()
	return &cpy
}

// DeviceState is transient per-device scratch state used by motion and
// overspeed bookkeeping. It lives for the process lifetime only.
type DeviceState struct {
	MotionState         *bool     `json:"motionState,omitempty"`
	MotionPosition      *Position `json:"motionPosition,omitempty"`
	OverspeedState      *bool     `json:"overspeedState,omitempty"`
	OverspeedPosition   *Position `json:"overspeedPosition,omitempty"`
	OverspeedGeofenceID int64     `json:"overspeedGeofenceId,omitempty"`
}

// clone returns a copy whose pointers do not alias the original.
func (s DeviceState) clone() DeviceState {
	cpy := s
	if s.MotionState != nil {
		v := *s.MotionState
		cpy.MotionState = &v
	}
	if s.OverspeedState != nil {
		v := *s.OverspeedState
		cpy.OverspeedState = &v
	}
	cpy.MotionPosition = s.MotionPosition.DeepCopy()
	cpy.OverspeedPosition = s.OverspeedPosition.DeepCopy()
	return cpy
}

// Accumulators carries new values for the running totals stored on the
// latest position. A nil field leaves that total untouched.
type Accumulators struct {
	TotalDistance *float64 `json:"totalDistance,omitempty"`
	Hours         *int64   `json:"hours,omitempty"`
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case Attributes:
		return Attributes(deepCopyMap(val))
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// mergeAttributes returns a copy of base with every key of overlay applied.
func mergeAttributes(base, overlay Attributes) Attributes {
	out := base.Clone()
	if out == nil {
		out = make(Attributes, len(overlay))
	}
	maps.Copy(out, overlay)
	return out
}
