// Package publisher implements the dual write of the pipeline: append to the
// event log, then relay to the message channel.
//
// The append is the commit point. A relay failure after a successful append
// never fails the call; it leaves an outbox marker that the Sweeper retries
// with exponential backoff until the event is relayed or the marker is
// declared stuck.
package publisher
