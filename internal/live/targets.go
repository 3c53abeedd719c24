package live

import (
	"context"
	"strconv"

	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/mqtt"
)

// MQTTPublisher is the subset of *mqtt.Client used by MQTTTarget.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTTarget publishes each update as a retained message on the device's
// position topic, so late subscribers immediately get the latest fix.
type MQTTTarget struct {
	pub    MQTTPublisher
	topics mqtt.Topics
}

// NewMQTTTarget creates an MQTT target.
func NewMQTTTarget(pub MQTTPublisher, topics mqtt.Topics) *MQTTTarget {
	return &MQTTTarget{pub: pub, topics: topics}
}

// Name implements Target.
func (t *MQTTTarget) Name() string { return "mqtt" }

// Deliver implements Target.
func (t *MQTTTarget) Deliver(_ context.Context, u Update) error {
	return t.pub.PublishJSON(t.topics.DevicePosition(u.Device.ID), NewMessage(u), true)
}

// Remove implements Remover by clearing the retained position; an empty
// retained payload deletes it on the broker.
func (t *MQTTTarget) Remove(_ context.Context, deviceID int64) error {
	return t.pub.Publish(t.topics.DevicePosition(deviceID), nil, 1, true)
}

// ShadowWriter is the subset of *redis.Client used by ShadowTarget.
type ShadowWriter interface {
	WriteShadow(ctx context.Context, deviceID int64, fields map[string]any) error
	DeleteShadow(ctx context.Context, deviceID int64) error
}

// ShadowTarget keeps each device's Redis shadow current.
type ShadowTarget struct {
	w ShadowWriter
}

// NewShadowTarget creates a Redis shadow target.
func NewShadowTarget(w ShadowWriter) *ShadowTarget {
	return &ShadowTarget{w: w}
}

// Name implements Target.
func (t *ShadowTarget) Name() string { return "redis" }

// Deliver implements Target.
func (t *ShadowTarget) Deliver(ctx context.Context, u Update) error {
	return t.w.WriteShadow(ctx, u.Device.ID, shadowFields(u))
}

// Remove implements Remover.
func (t *ShadowTarget) Remove(ctx context.Context, deviceID int64) error {
	return t.w.DeleteShadow(ctx, deviceID)
}

// UplinkPublisher is the subset of *nats.Client used by UplinkTarget.
type UplinkPublisher interface {
	PublishUplink(protocol string, v any) error
}

// UplinkTarget publishes each update on the NATS uplink subjects.
type UplinkTarget struct {
	pub UplinkPublisher
}

// NewUplinkTarget creates a NATS uplink target.
func NewUplinkTarget(pub UplinkPublisher) *UplinkTarget {
	return &UplinkTarget{pub: pub}
}

// Name implements Target.
func (t *UplinkTarget) Name() string { return "nats" }

// Deliver implements Target. Positions without a protocol go to "unknown".
func (t *UplinkTarget) Deliver(_ context.Context, u Update) error {
	protocol := u.Position.Protocol
	if protocol == "" {
		protocol = "unknown"
	}
	return t.pub.PublishUplink(protocol, NewMessage(u))
}

// PositionWriter is the subset of *influxdb.Client used by HistoryTarget.
type PositionWriter interface {
	WritePosition(p influxdb.PositionPoint)
}

// HistoryTarget appends each update to the InfluxDB position history.
// Writes are batched by the client; errors surface through its callback.
type HistoryTarget struct {
	w PositionWriter
}

// NewHistoryTarget creates an InfluxDB history target.
func NewHistoryTarget(w PositionWriter) *HistoryTarget {
	return &HistoryTarget{w: w}
}

// Name implements Target.
func (t *HistoryTarget) Name() string { return "influxdb" }

// Deliver implements Target.
func (t *HistoryTarget) Deliver(_ context.Context, u Update) error {
	p := u.Position
	t.w.WritePosition(influxdb.PositionPoint{
		DeviceID:  strconv.FormatInt(u.Device.ID, 10),
		UniqueID:  u.Device.UniqueID,
		Protocol:  p.Protocol,
		FixTime:   p.FixTime,
		Valid:     p.Valid,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Altitude:  p.Altitude,
		Speed:     p.Speed,
		Course:    p.Course,
		Accuracy:  p.Accuracy,
		Extras:    p.Attributes,
	})
	return nil
}
