// Package config defines the alarm engine settings and helpers to load,
// validate and save them in YAML format.
//
// Validate fills defaults (timeouts, digest interval, confirmation phrase)
// so callers can rely on every duration being positive after Load.
package config
