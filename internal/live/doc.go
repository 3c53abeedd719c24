// Package live fans accepted positions out to downstream consumers.
//
// The registry hands every accepted position to a Dispatcher, which queues
// it and returns immediately. Worker goroutines deliver each update to the
// configured targets:
//
//   - MQTTTarget publishes a retained message on {prefix}/device/{id}/position
//   - ShadowTarget writes the device shadow hash in Redis
//   - UplinkTarget publishes on the NATS uplink subjects
//   - HistoryTarget appends the position to InfluxDB
//
// Updates for one device always go through the same worker, so targets see
// them in acceptance order. When a worker's queue is full the update is
// dropped and counted; ingestion never waits on a slow consumer.
package live
