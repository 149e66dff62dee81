// Package stage drives commands through the pipeline stages.
//
// Ingress turns an accepted command into a requested event. The Machine then
// reacts to each stage event it receives from the channel: requested events
// are authorized and validated, validated events are executed against the
// latest completed snapshot of their aggregate, and every outcome is appended
// as the next stage event with its causation id pointing at the trigger.
//
// Handlers are safe to run more than once for the same event. A follow-up
// already recorded for a trigger short-circuits the handler, and the log's
// unique causation index rejects a racing duplicate.
package stage
