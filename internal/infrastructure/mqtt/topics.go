package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "gltracker"

// Topics provides builders for tracker MQTT topics under a common prefix.
// Using these helpers ensures consistent topic naming across the codebase.
//
// Topic scheme:
//
//	{prefix}/ingest/{protocol}/{uniqueId}   decoder → tracker, normalised positions
//	{prefix}/device/{deviceId}/position     tracker → clients, accepted latest position
//	{prefix}/system/status                  retained online/offline status (LWT)
//
// The zero value uses DefaultTopicPrefix:
//
//	topics := mqtt.Topics{}
//	topic := topics.Ingest("gt06", "359710049000001")
//	// Returns: "gltracker/ingest/gt06/359710049000001"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Ingest returns the topic a decoder publishes a normalised position on.
//
// Example: gltracker/ingest/gt06/359710049000001
func (t Topics) Ingest(protocol, uniqueID string) string {
	return fmt.Sprintf("%s/ingest/%s/%s", t.prefix(), protocol, uniqueID)
}

// AllIngest returns a pattern matching every ingest topic.
//
// Pattern: gltracker/ingest/+/+
func (t Topics) AllIngest() string {
	return fmt.Sprintf("%s/ingest/+/+", t.prefix())
}

// ProtocolIngest returns a pattern matching the ingest topics of one decoder.
//
// Pattern: gltracker/ingest/gt06/+
func (t Topics) ProtocolIngest(protocol string) string {
	return fmt.Sprintf("%s/ingest/%s/+", t.prefix(), protocol)
}

// ParseIngest splits an ingest topic into its protocol and uniqueId.
// ok is false for topics outside the ingest scheme or with empty segments.
func (t Topics) ParseIngest(topic string) (protocol, uniqueID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/ingest/")
	if !found {
		return "", "", false
	}
	protocol, uniqueID, found = strings.Cut(rest, "/")
	if !found || protocol == "" || uniqueID == "" || strings.Contains(uniqueID, "/") {
		return "", "", false
	}
	return protocol, uniqueID, true
}

// DevicePosition returns the live position topic for a device.
//
// Example: gltracker/device/42/position
func (t Topics) DevicePosition(deviceID int64) string {
	return fmt.Sprintf("%s/device/%s/position", t.prefix(), strconv.FormatInt(deviceID, 10))
}

// AllDevicePositions returns a pattern matching every live position topic.
//
// Pattern: gltracker/device/+/position
func (t Topics) AllDevicePositions() string {
	return fmt.Sprintf("%s/device/+/position", t.prefix())
}

// SystemStatus returns the system status topic.
//
// Example: gltracker/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// AllTopics returns a pattern matching every tracker topic.
// Use with caution - this receives ALL traffic.
//
// Pattern: gltracker/#
func (t Topics) AllTopics() string {
	return t.prefix() + "/#"
}
