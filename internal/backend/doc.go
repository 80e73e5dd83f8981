// Package backend is the HTTP client of the dashboard's CRUD backend.
//
// Every call is scoped to the account of the Session given at construction.
// Transport failures and 5xx answers are reported as ErrUnavailable, so
// callers can keep their last known good state and retry later.
package backend
