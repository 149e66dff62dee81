package fanout

import (
	"context"
	"log/slog"

	"github.com/louisbranch/causeway/internal/services/pipeline/channel"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
)

// DefaultGroup is the subscription group used when none is configured.
// Every process serving sessions needs its own group so each one sees
// every outcome.
const DefaultGroup = "fanout"

// Consumer turns terminal events from the channel into notifications.
type Consumer struct {
	hub    *Hub
	group  string
	logger *slog.Logger
}

// NewConsumer builds a Consumer delivering into hub.
func NewConsumer(hub *Hub, group string, logger *slog.Logger) *Consumer {
	if group == "" {
		group = DefaultGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{hub: hub, group: group, logger: logger}
}

// Subscribe registers one subscription for every stage; Handle keeps the
// terminal ones.
func (c *Consumer) Subscribe(ctx context.Context, ch channel.Channel) error {
	return ch.Subscribe(ctx, "*.*.*", c.group, c.Handle)
}

// Handle is a channel.Handler. It never fails: notifications are not
// redelivered.
func (c *Consumer) Handle(ctx context.Context, topic string, payload []byte) error {
	evt, err := event.Decode(payload)
	if err != nil {
		c.logger.Warn("dropping undecodable fan-out message", "topic", topic, "error", err)
		return nil
	}
	n, ok := FromEvent(evt)
	if !ok {
		return nil
	}
	c.hub.Notify(ctx, evt.UserID, n)
	return nil
}
