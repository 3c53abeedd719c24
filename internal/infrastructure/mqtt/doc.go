// Package mqtt provides MQTT client connectivity for Gray Logic Tracker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS guarantees (live positions, system status)
//   - Topic subscriptions with wildcard support (position ingestion)
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// Protocol decoders publish normalised positions on
// {prefix}/ingest/{protocol}/{uniqueId}. The tracker identifies the device,
// keeps the latest position and republishes it, retained, on
// {prefix}/device/{deviceId}/position for dashboards and mobile clients.
//
//	Decoders → MQTT Broker → Tracker → MQTT Broker → Clients
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllIngest(), 1, handler)
//	err = client.PublishJSON(client.Topics().DevicePosition(42), pos, true)
package mqtt
