package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxGroupDepth bounds the group ascent. Real hierarchies are a handful of
// levels deep; anything beyond this is treated as a misconfiguration.
const maxGroupDepth = 64

// ConfigLookup provides process-wide configuration values by name.
// It backs attribute resolution when lookupConfig is requested.
type ConfigLookup interface {
	Lookup(name string) (string, bool)
}

// ServerAttributeSource provides the global server record's attributes.
type ServerAttributeSource interface {
	ServerAttributes() Attributes
}

// AttributeResolver resolves a named configuration value for a device by
// walking device → group ancestry → global fallback.
//
// Precedence:
//  1. the device's own attributes
//  2. the device's group, then each ancestor group (if group lookup is enabled)
//  3. process configuration (lookupConfig = true) or server attributes (false)
type AttributeResolver struct {
	devices      *Index
	groups       *GroupIndex
	config       ConfigLookup
	server       ServerAttributeSource
	lookupGroups bool
}

// NewAttributeResolver creates a resolver. config and server may be nil, in
// which case that fallback never resolves.
func NewAttributeResolver(devices *Index, groups *GroupIndex, config ConfigLookup, server ServerAttributeSource, lookupGroups bool) *AttributeResolver {
	return &AttributeResolver{
		devices:      devices,
		groups:       groups,
		config:       config,
		server:       server,
		lookupGroups: lookupGroups,
	}
}

// Resolve returns the first value found for name along the inheritance chain.
// found is false when nothing resolves or the device is unknown. The only
// error is ErrGroupCycle for a looping or excessively deep group hierarchy.
func (r *AttributeResolver) Resolve(deviceID int64, name string, lookupConfig bool) (value any, found bool, err error) {
	dev, ok := r.devices.ByID(deviceID)
	if !ok {
		return nil, false, nil
	}

	if v, ok := dev.Attributes[name]; ok && v != nil {
		return v, true, nil
	}

	if r.lookupGroups && dev.GroupID != 0 && r.groups != nil {
		v, ok, err := r.ascend(dev.GroupID, name)
		if err != nil {
			return nil, false, fmt.Errorf("device %d attribute %q: %w", deviceID, name, err)
		}
		if ok {
			return v, true, nil
		}
	}

	if lookupConfig {
		if r.config != nil {
			if v, ok := r.config.Lookup(name); ok {
				return v, true, nil
			}
		}
		return nil, false, nil
	}

	if r.server != nil {
		if v, ok := r.server.ServerAttributes()[name]; ok && v != nil {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// ascend walks from groupID up through parent links.
func (r *AttributeResolver) ascend(groupID int64, name string) (any, bool, error) {
	visited := make(map[int64]struct{}, 4)
	for id := groupID; id != 0; {
		if _, seen := visited[id]; seen {
			return nil, false, fmt.Errorf("%w: group %d revisited", ErrGroupCycle, id)
		}
		if len(visited) >= maxGroupDepth {
			return nil, false, fmt.Errorf("%w: deeper than %d levels", ErrGroupCycle, maxGroupDepth)
		}
		visited[id] = struct{}{}

		v, has, parent, exists := r.groups.attribute(id, name)
		if !exists {
			// Dangling reference ends the ascent like a root would.
			return nil, false, nil
		}
		if has {
			return v, true, nil
		}
		id = parent
	}
	return nil, false, nil
}

// Bool resolves name as a boolean, returning def when nothing resolves.
func (r *AttributeResolver) Bool(deviceID int64, name string, def bool, lookupConfig bool) (bool, error) {
	v, ok, err := r.Resolve(deviceID, name, lookupConfig)
	if err != nil || !ok {
		return def, err
	}
	return coerceBool(name, v)
}

// String resolves name as a string, returning def when nothing resolves.
func (r *AttributeResolver) String(deviceID int64, name string, def string, lookupConfig bool) (string, error) {
	v, ok, err := r.Resolve(deviceID, name, lookupConfig)
	if err != nil || !ok {
		return def, err
	}
	return coerceString(name, v)
}

// Int resolves name as an int, returning def when nothing resolves.
func (r *AttributeResolver) Int(deviceID int64, name string, def int, lookupConfig bool) (int, error) {
	v, ok, err := r.Resolve(deviceID, name, lookupConfig)
	if err != nil || !ok {
		return def, err
	}
	n, err := coerceInt64(name, v)
	if err != nil {
		return def, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return def, fmt.Errorf("%w: %q value %d overflows int32", ErrCoercion, name, n)
	}
	return int(n), nil
}

// Int64 resolves name as an int64, returning def when nothing resolves.
func (r *AttributeResolver) Int64(deviceID int64, name string, def int64, lookupConfig bool) (int64, error) {
	v, ok, err := r.Resolve(deviceID, name, lookupConfig)
	if err != nil || !ok {
		return def, err
	}
	n, err := coerceInt64(name, v)
	if err != nil {
		return def, err
	}
	return n, nil
}

// Float64 resolves name as a float64, returning def when nothing resolves.
func (r *AttributeResolver) Float64(deviceID int64, name string, def float64, lookupConfig bool) (float64, error) {
	v, ok, err := r.Resolve(deviceID, name, lookupConfig)
	if err != nil || !ok {
		return def, err
	}
	f, err := coerceFloat64(name, v)
	if err != nil {
		return def, err
	}
	return f, nil
}

func coerceBool(name string, v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, fmt.Errorf("%w: %q value %q is not a boolean", ErrCoercion, name, val)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %q has type %T, want boolean", ErrCoercion, name, v)
	}
}

func coerceString(name string, v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case json.Number:
		return val.String(), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val), nil
	default:
		return "", fmt.Errorf("%w: %q has type %T, want string", ErrCoercion, name, v)
	}
}

func coerceInt64(name string, v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %q value %d overflows int64", ErrCoercion, name, val)
		}
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %q value %d overflows int64", ErrCoercion, name, val)
		}
		return int64(val), nil
	case float32:
		return floatToInt64(name, float64(val))
	case float64:
		return floatToInt64(name, val)
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q value %q is not an integer", ErrCoercion, name, val)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q value %q is not an integer", ErrCoercion, name, val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q has type %T, want integer", ErrCoercion, name, v)
	}
}

// floatToInt64 accepts only integral values; JSON decoding turns every
// number into float64, so 30 arrives as 30.0.
func floatToInt64(name string, f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q value %v is not an integer", ErrCoercion, name, f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q value %v overflows int64", ErrCoercion, name, f)
	}
	return int64(f), nil
}

func coerceFloat64(name string, v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q value %q is not a number", ErrCoercion, name, val)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q value %q is not a number", ErrCoercion, name, val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %q has type %T, want number", ErrCoercion, name, v)
	}
}
