// Package web serves the engine's HTTP surface: the WebSocket toast feed for
// dashboards, Prometheus metrics and a health probe.
package web
