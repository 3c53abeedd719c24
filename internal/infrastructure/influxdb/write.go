package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PositionMeasurement is the measurement accepted positions are written to.
const PositionMeasurement = "positions"

// PositionPoint is the history record of one accepted position.
//
// Tags carry the low-cardinality identity of the fix; everything else
// is a field. Extras holds decoder attributes that are numeric, boolean
// or string and is written as additional fields.
type PositionPoint struct {
	DeviceID  string
	UniqueID  string
	Protocol  string
	FixTime   time.Time
	Valid     bool
	Latitude  float64
	Longitude float64
	Altitude  float64
	Speed     float64
	Course    float64
	Accuracy  float64
	Extras    map[string]interface{}
}

// NewPositionPoint builds the line-protocol point for p without writing it.
// A zero FixTime falls back to the current time.
func NewPositionPoint(p PositionPoint) *write.Point {
	fields := make(map[string]interface{}, len(p.Extras)+7)
	for k, v := range p.Extras {
		switch v.(type) {
		case float64, float32, int, int64, int32, uint64, bool, string:
			fields[k] = v
		}
	}
	// Core fields win over a same-named extra.
	fields["valid"] = p.Valid
	fields["latitude"] = p.Latitude
	fields["longitude"] = p.Longitude
	fields["altitude"] = p.Altitude
	fields["speed"] = p.Speed
	fields["course"] = p.Course
	fields["accuracy"] = p.Accuracy

	tags := map[string]string{"device_id": p.DeviceID}
	if p.UniqueID != "" {
		tags["unique_id"] = p.UniqueID
	}
	if p.Protocol != "" {
		tags["protocol"] = p.Protocol
	}

	ts := p.FixTime
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(PositionMeasurement, tags, fields, ts)
}

// WritePosition records an accepted position in the history bucket.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.WritePosition(influxdb.PositionPoint{
//	    DeviceID: "42", Protocol: "gt06",
//	    FixTime: fix, Latitude: 51.5, Longitude: -0.12, Valid: true,
//	})
func (c *Client) WritePosition(p PositionPoint) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(NewPositionPoint(p))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
