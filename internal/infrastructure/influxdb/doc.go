// Package influxdb provides InfluxDB connectivity for position history.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched writes and health monitoring.
//
// Every position the registry accepts can be appended to the "positions"
// measurement, tagged by device, uniqueId and protocol and timestamped
// with the fix time reported by the device.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePosition(influxdb.PositionPoint{
//	    DeviceID: "42",
//	    Protocol: "gt06",
//	    FixTime:  fix,
//	    Latitude: 51.5, Longitude: -0.12,
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered through
// the SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
