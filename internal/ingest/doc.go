// Package ingest feeds decoded positions from protocol decoders into the
// device registry.
//
// Decoders publish one normalised position per MQTT message on
//
//	{prefix}/ingest/{protocol}/{uniqueId}
//
// with a JSON body shaped like device.Position (deviceId is ignored; the
// device is resolved from the uniqueId in the topic). For each message the
// subscriber identifies the device, provisioning it when allowed, stores the
// position, marks the device online and offers the position to the
// registry as the new latest fix.
package ingest
