// Package notify turns engine events into UI toasts, the active rule set and
// periodic email digests.
//
// Publish is safe to call from the engine's tick path: it only updates
// in-memory state and hands the event to the dispatcher goroutine started by
// Run. Digests leave the process through an Outbox, which is drained on a
// fixed interval independent of any rule's wait time.
package notify
