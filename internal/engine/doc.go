// Package engine drives every alarm rule through the Idle, Pending and Active
// phases. Telemetry ticks and debounce timer fires are the only inputs; both
// are serialized by one mutex over the runtime state map, and every
// transition that is visible outside the engine is handed to a Publisher.
package engine
