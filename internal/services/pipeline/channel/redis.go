package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStream is the Redis stream carrying every pipeline topic.
	DefaultStream = "causeway:events"

	redisTopicField   = "topic"
	redisPayloadField = "payload"
)

// RedisOptions configure the Redis Streams channel.
type RedisOptions struct {
	Stream string
	// MaxLen approximately caps the stream length; zero keeps everything.
	MaxLen int64
	// Block is how long one XREADGROUP call waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an unacknowledged entry stays with its consumer
	// before another consumer of the group reclaims it.
	ClaimIdle time.Duration
	BatchSize int64
	Logger    *slog.Logger
}

// Redis is a Channel over a single Redis stream. Every (group, pattern)
// subscription owns a Redis consumer group, so subscribers sharing a group
// and pattern compete for entries while different patterns of one group each
// see the whole stream. Entries that do not match a subscription's pattern
// are acknowledged and skipped for it.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	stop   context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewRedis wraps client. The channel does not close the client.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Redis{client: client, opts: opts, logger: logger, ctx: ctx, stop: stop}
}

// Send appends the payload to the stream.
func (r *Redis) Send(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]any{redisTopicField: topic, redisPayloadField: string(payload)},
	}
	if r.opts.MaxLen > 0 {
		args.MaxLen = r.opts.MaxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts reading.
func (r *Redis) Subscribe(ctx context.Context, pattern, group string, handler Handler) error {
	if !ValidPattern(pattern) {
		return fmt.Errorf("invalid topic pattern %q", pattern)
	}
	if group == "" {
		return fmt.Errorf("consumer group is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	group = consumerGroup(group, pattern)
	err := r.client.XGroupCreateMkStream(ctx, r.opts.Stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	consumer := group + "-" + uuid.NewString()
	go r.consume(ctx, pattern, group, consumer, handler)
	return nil
}

func (r *Redis) consume(ctx context.Context, pattern, group, consumer string, handler Handler) {
	defer r.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	lastClaim := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= r.opts.ClaimIdle {
			r.reclaim(ctx, pattern, group, consumer, handler)
			lastClaim = time.Now()
		}
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{r.opts.Stream, ">"},
			Count:    r.opts.BatchSize,
			Block:    r.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("redis read failed", "consumer_group", group, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(r.opts.Block):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				r.dispatch(ctx, pattern, group, msg, handler)
			}
		}
	}
}

// reclaim takes over entries other consumers of the group left unacknowledged.
func (r *Redis) reclaim(ctx context.Context, pattern, group, consumer string, handler Handler) {
	start := "0-0"
	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.opts.Stream,
			Group:    group,
			MinIdle:  r.opts.ClaimIdle,
			Start:    start,
			Count:    r.opts.BatchSize,
			Consumer: consumer,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("redis autoclaim failed", "consumer_group", group, "error", err)
			}
			return
		}
		for _, msg := range msgs {
			r.dispatch(ctx, pattern, group, msg, handler)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (r *Redis) dispatch(ctx context.Context, pattern, group string, msg redis.XMessage, handler Handler) {
	topic, _ := msg.Values[redisTopicField].(string)
	payload, _ := msg.Values[redisPayloadField].(string)
	if Match(pattern, topic) {
		if err := handler(ctx, topic, []byte(payload)); err != nil {
			// Left pending; reclaimed after ClaimIdle.
			r.logger.Warn("consumer handler failed",
				"topic", topic,
				"consumer_group", group,
				"stream_id", msg.ID,
				"error", err,
			)
			return
		}
	}
	if err := r.client.XAck(ctx, r.opts.Stream, group, msg.ID).Err(); err != nil && ctx.Err() == nil {
		r.logger.Warn("redis ack failed", "consumer_group", group, "stream_id", msg.ID, "error", err)
	}
}

// Close stops every consumer and waits for them.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
	return nil
}
