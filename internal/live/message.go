package live

import (
	"time"

	"github.com/nerrad567/gray-logic-tracker/internal/device"
)

// Message is the JSON document published for an accepted position.
type Message struct {
	DeviceID int64           `json:"deviceId"`
	UniqueID string          `json:"uniqueId"`
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Position device.Position `json:"position"`
}

// NewMessage builds the published document for u.
func NewMessage(u Update) Message {
	return Message{
		DeviceID: u.Device.ID,
		UniqueID: u.Device.UniqueID,
		Name:     u.Device.Name,
		Status:   u.Device.Status,
		Position: u.Position,
	}
}

// shadowFields flattens u into the hash written to the Redis shadow.
// Position attributes are not included; the shadow is a quick-look record.
func shadowFields(u Update) map[string]any {
	p := u.Position
	return map[string]any{
		"uniqueId":   u.Device.UniqueID,
		"status":     u.Device.Status,
		"positionId": p.ID,
		"protocol":   p.Protocol,
		"valid":      p.Valid,
		"latitude":   p.Latitude,
		"longitude":  p.Longitude,
		"altitude":   p.Altitude,
		"speed":      p.Speed,
		"course":     p.Course,
		"accuracy":   p.Accuracy,
		"fixTime":    p.FixTime.UTC().Format(time.RFC3339Nano),
		"serverTime": p.ServerTime.UTC().Format(time.RFC3339Nano),
		"ts":         time.Now().Unix(),
	}
}
