// Package common holds helpers shared by the engine command line tools.
//
// It provides a typed gRPC client for the engine API with call timeouts and
// detection of the local user and host sent with mutating calls.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
