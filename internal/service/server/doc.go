// Package server runs the alarm-engine process.
//
// It loads configuration, builds the rule pipeline (rule store, subscription
// resolver, engine, dispatcher, outbox), connects the telemetry transport and
// serves the gRPC and HTTP APIs until the context is cancelled.
package server
