package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize       = 256
	defaultMaxRedeliveries = 5
	defaultRedeliveryDelay = 50 * time.Millisecond
)

// MemoryOptions tune the in-process bus.
type MemoryOptions struct {
	QueueSize       int
	MaxRedeliveries int
	RedeliveryDelay time.Duration
	Logger          *slog.Logger
}

// Memory is an in-process Channel. Send blocks while a subscriber queue is
// full, so a stalled consumer surfaces as a relay failure instead of a silent
// drop.
type Memory struct {
	opts   MemoryOptions
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]*memoryGroup
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type memoryGroup struct {
	subs []*memorySubscription
	next int
}

type memorySubscription struct {
	pattern string
	group   string
	queue   chan memoryMessage
	handler Handler
	stopped chan struct{}
}

type memoryMessage struct {
	topic   string
	payload []byte
}

// NewMemory builds an in-process bus.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxRedeliveries <= 0 {
		opts.MaxRedeliveries = defaultMaxRedeliveries
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = defaultRedeliveryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		opts:   opts,
		logger: logger,
		groups: make(map[string]*memoryGroup),
		done:   make(chan struct{}),
	}
}

// Send enqueues payload for one subscriber of every group with a matching
// pattern.
func (m *Memory) Send(ctx context.Context, topic string, payload []byte) error {
	targets, err := m.route(topic)
	if err != nil {
		return err
	}
	msg := memoryMessage{topic: topic, payload: append([]byte(nil), payload...)}
	for _, sub := range targets {
		select {
		case sub.queue <- msg:
		case <-sub.stopped:
		case <-ctx.Done():
			return fmt.Errorf("send %s: %w", topic, ctx.Err())
		case <-m.done:
			return ErrClosed
		}
	}
	return nil
}

func (m *Memory) route(topic string) ([]*memorySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var targets []*memorySubscription
	for _, group := range m.groups {
		for i := range group.subs {
			idx := (group.next + i) % len(group.subs)
			sub := group.subs[idx]
			if Match(sub.pattern, topic) {
				targets = append(targets, sub)
				group.next = idx + 1
				break
			}
		}
	}
	return targets, nil
}

// Subscribe registers handler and starts its delivery goroutine.
func (m *Memory) Subscribe(ctx context.Context, pattern, group string, handler Handler) error {
	if !ValidPattern(pattern) {
		return fmt.Errorf("invalid topic pattern %q", pattern)
	}
	if group == "" {
		return fmt.Errorf("consumer group is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	sub := &memorySubscription{
		pattern: pattern,
		group:   group,
		queue:   make(chan memoryMessage, m.opts.QueueSize),
		handler: handler,
		stopped: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	key := consumerGroup(group, pattern)
	g, ok := m.groups[key]
	if !ok {
		g = &memoryGroup{}
		m.groups[key] = g
	}
	g.subs = append(g.subs, sub)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.deliver(ctx, sub)
	return nil
}

func (m *Memory) deliver(ctx context.Context, sub *memorySubscription) {
	defer m.wg.Done()
	defer close(sub.stopped)
	defer m.unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case msg := <-sub.queue:
			m.handle(ctx, sub, msg)
		}
	}
}

// handle runs the handler, redelivering on error up to MaxRedeliveries.
func (m *Memory) handle(ctx context.Context, sub *memorySubscription, msg memoryMessage) {
	delay := m.opts.RedeliveryDelay
	for attempt := 1; ; attempt++ {
		err := sub.handler(ctx, msg.topic, msg.payload)
		if err == nil {
			return
		}
		if attempt > m.opts.MaxRedeliveries {
			m.logger.Error("dropping message after redeliveries",
				"topic", msg.topic,
				"consumer_group", sub.group,
				"attempts", attempt,
				"error", err,
			)
			return
		}
		m.logger.Warn("consumer handler failed, redelivering",
			"topic", msg.topic,
			"consumer_group", sub.group,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (m *Memory) unsubscribe(target *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := consumerGroup(target.group, target.pattern)
	g, ok := m.groups[key]
	if !ok {
		return
	}
	filtered := g.subs[:0]
	for _, sub := range g.subs {
		if sub != target {
			filtered = append(filtered, sub)
		}
	}
	g.subs = filtered
	if len(g.subs) == 0 {
		delete(m.groups, key)
	}
}

// Close stops every subscription and waits for running handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
