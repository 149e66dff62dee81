// Package event defines the canonical event envelope of the command pipeline.
//
// Events are immutable facts. Every mutation walks through the stages
// requested, validated and then completed or failed, each recorded as its own
// event on the same aggregate. The log assigns per-aggregate versions at
// append time; nothing here mutates a stored event.
package event
