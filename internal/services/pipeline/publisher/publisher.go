package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	platformotel "github.com/louisbranch/causeway/internal/platform/otel"
	"github.com/louisbranch/causeway/internal/platform/timeouts"
	"github.com/louisbranch/causeway/internal/services/pipeline/channel"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/observability"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

// Receipt reports the outcome of a publish. Relayed is false when the event
// is durable but waiting in the outbox.
type Receipt struct {
	Event   event.Event
	Relayed bool
}

// EventID returns the stored event id.
func (r Receipt) EventID() string { return r.Event.ID }

// Config wires a Publisher.
type Config struct {
	Events  storage.EventStore
	Outbox  storage.OutboxStore
	Channel channel.Channel
	Retry   RetryPolicy
	// RelayTimeout caps one send; zero uses timeouts.Relay.
	RelayTimeout time.Duration
	// Alerter, when set, is told about every event that exhausts its relay
	// attempts.
	Alerter Alerter
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Publisher appends events and relays them.
type Publisher struct {
	events       storage.EventStore
	outbox       storage.OutboxStore
	channel      channel.Channel
	retry        RetryPolicy
	relayTimeout time.Duration
	alerter      Alerter
	metrics      *observability.Metrics
	logger       *slog.Logger
	clock        func() time.Time
	tracer       trace.Tracer
}

// New validates cfg and builds a Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Events == nil {
		return nil, errors.New("event store is required")
	}
	if cfg.Outbox == nil {
		return nil, errors.New("outbox store is required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = timeouts.Relay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Publisher{
		events:       cfg.Events,
		outbox:       cfg.Outbox,
		channel:      cfg.Channel,
		retry:        cfg.Retry.normalized(),
		relayTimeout: cfg.RelayTimeout,
		alerter:      cfg.Alerter,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		tracer:       platformotel.Tracer("publisher"),
	}, nil
}

// Publish appends evt and relays it. Only an append failure is returned.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) (Receipt, error) {
	ctx, span := p.tracer.Start(ctx, "publisher.Publish", trace.WithAttributes(
		attribute.String("event.type", string(evt.Type)),
		attribute.String("event.aggregate_id", evt.AggregateID),
	))
	defer span.End()

	stored, err := p.events.AppendEvent(ctx, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return Receipt{}, err
	}
	p.metrics.EventAppended(string(stored.Type.Stage()))
	return p.relayStored(ctx, stored), nil
}

// PublishBatch appends evts atomically and relays each one.
func (p *Publisher) PublishBatch(ctx context.Context, evts []event.Event) ([]Receipt, error) {
	ctx, span := p.tracer.Start(ctx, "publisher.PublishBatch", trace.WithAttributes(
		attribute.Int("event.count", len(evts)),
	))
	defer span.End()

	stored, err := p.events.AppendEvents(ctx, evts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, err
	}
	receipts := make([]Receipt, 0, len(stored))
	for _, evt := range stored {
		p.metrics.EventAppended(string(evt.Type.Stage()))
		receipts = append(receipts, p.relayStored(ctx, evt))
	}
	return receipts, nil
}

// relayStored sends a durable event. The caller's cancellation is detached:
// once appended, the relay and its bookkeeping run to completion.
func (p *Publisher) relayStored(ctx context.Context, evt event.Event) Receipt {
	ctx = context.WithoutCancel(ctx)
	if err := p.send(ctx, evt); err != nil {
		p.metrics.RelayFailed("publish")
		p.recordRelayFailure(ctx, evt, err, 1, p.clock())
		return Receipt{Event: evt}
	}
	return Receipt{Event: evt, Relayed: true}
}

// recordRelayFailure advances the outbox marker of evt after its attempt-th
// failed send and raises the stuck alert when attempts are exhausted. It
// reports false when the marker could not be written.
func (p *Publisher) recordRelayFailure(ctx context.Context, evt event.Event, sendErr error, attempt int, now time.Time) bool {
	stuck := p.retry.Exhausted(attempt)
	marker, err := p.outbox.MarkRelayFailed(ctx, evt.ID, sendErr.Error(), now.Add(p.retry.Delay(attempt)), stuck, now)
	if err != nil {
		p.logger.Error("outbox marker write failed; event is durable but unrelayed",
			"event_id", evt.ID,
			"event_type", string(evt.Type),
			"aggregate_id", evt.AggregateID,
			"error", err,
			"relay_error", sendErr,
		)
		return false
	}
	if !stuck {
		p.logger.Warn("relay failed, event queued in outbox",
			"code", apperrors.CodeOf(sendErr),
			"event_id", evt.ID,
			"event_type", string(evt.Type),
			"aggregate_id", evt.AggregateID,
			"attempt", attempt,
			"error", sendErr,
		)
		return true
	}
	p.metrics.OutboxStuck()
	p.logger.Error("outbox event stuck after max relay attempts",
		"code", apperrors.CodeOf(sendErr),
		"event_id", evt.ID,
		"event_type", string(evt.Type),
		"aggregate_id", evt.AggregateID,
		"attempts", marker.RetryCount,
		"error", sendErr,
	)
	if p.alerter != nil {
		p.alerter.OutboxStuck(ctx, marker, evt)
	}
	return true
}

// send encodes evt and hands it to the channel under the relay timeout.
func (p *Publisher) send(ctx context.Context, evt event.Event) error {
	payload, err := event.Encode(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.relayTimeout)
	defer cancel()
	if err := p.channel.Send(ctx, string(evt.Type), payload); err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeRelayFailure, "relay "+string(evt.Type),
			map[string]string{"event_id": evt.ID}, err)
	}
	return nil
}

// OutboxSummary reports outbox state for operators.
func (p *Publisher) OutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	return p.outbox.Summary(ctx)
}

// RequeueStuck makes a stuck event eligible for the next sweep.
func (p *Publisher) RequeueStuck(ctx context.Context, eventID string) (bool, error) {
	return p.outbox.RequeueStuck(ctx, eventID, p.clock())
}
