// Package watch implements the alarm-watch command line tool.
//
// It connects to a running engine over gRPC to follow activation events,
// inspect rules and their phases, read the activation history, and create or
// delete rules.
package watch
