// Package fanout pushes command outcomes to the issuing user's live
// sessions. Delivery is best effort: a slow or closed session loses the
// notification and the pipeline never waits on it.
package fanout
