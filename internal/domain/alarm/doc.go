// Package alarm contains the core domain types of the rule engine.
//
// It defines Rule (a user condition over one telemetry variable), the
// Evaluate condition check, the Phase of a rule's runtime state, and the
// Event, Recipient and ActivationRecord values exchanged with collaborators.
// Clone helpers keep callers from sharing internal references.
package alarm
