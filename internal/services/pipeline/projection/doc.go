// Package projection maintains the task, document and relation read models
// from completed events and rebuilds them from the event log.
//
// Each completed event is applied at most once: the store reserves a
// checkpoint keyed by event id in the same transaction as the row write.
// Row writes are additionally guarded by aggregate version, so replaying
// older events over newer rows leaves them untouched.
package projection
