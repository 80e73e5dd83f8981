// Package store keeps the session's rules and digest recipients in memory,
// synchronized with the CRUD backend.
//
// Writes are pessimistic: nothing is stored until the backend confirms it
// with an id, and a failed backend call leaves the cached state untouched.
package store
