// Package channel is the at-least-once message channel between the event
// log relay and the pipeline consumers.
//
// Topics are event types (task.create.requested). Subscriptions use dotted
// glob patterns where "*" matches exactly one segment. Subscribers sharing a
// group and pattern compete: each message goes to one of them. Every other
// (group, pattern) pair gets its own copy.
package channel

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel is closed")

// Handler consumes one message. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Channel relays opaque payloads by topic.
type Channel interface {
	// Send hands payload to the channel. A nil error means the channel
	// accepted responsibility for delivery.
	Send(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topics matching pattern in group. The
	// registration is in place when Subscribe returns; delivery stops when ctx
	// ends.
	Subscribe(ctx context.Context, pattern, group string, handler Handler) error
	// Close stops delivery and waits for in-flight handlers.
	Close() error
}

// consumerGroup names the delivery group of a subscription.
func consumerGroup(group, pattern string) string {
	return group + ":" + pattern
}

// Match reports whether topic matches the dotted glob pattern.
func Match(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i, part := range patternParts {
		if part != "*" && part != topicParts[i] {
			return false
		}
	}
	return true
}

// ValidPattern reports whether pattern has no empty segments.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	for _, part := range strings.Split(pattern, ".") {
		if part == "" {
			return false
		}
	}
	return true
}
