// Package telemetry holds the latest telemetry per channel and adapts the
// MQTT pub/sub client to the engine.
//
// The Store is written only by the transport and read by the engine. Each
// accepted message appends to its channel and triggers a tick for that channel.
package telemetry
