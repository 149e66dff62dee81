package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	platformotel "github.com/louisbranch/causeway/internal/platform/otel"
	"github.com/louisbranch/causeway/internal/services/pipeline/channel"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/observability"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

const defaultPageSize = 200

// Group is the subscription group of the completed-event consumer.
const Group = "projection"

// Config wires an Engine.
type Config struct {
	Store storage.ProjectionStore
	// Events is only required by Rebuild.
	Events storage.EventStore
	// Payloads decodes completed snapshots.
	Payloads *event.Registry
	PageSize int
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Engine applies completed events to the read models.
type Engine struct {
	store    storage.ProjectionStore
	events   storage.EventStore
	payloads *event.Registry
	pageSize int
	metrics  *observability.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// RebuildResult summarizes a rebuild. A rebuild is clean when Errors is zero.
type RebuildResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("projection store is required")
	}
	if cfg.Payloads == nil {
		return nil, errors.New("payload registry is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		events:   cfg.Events,
		payloads: cfg.Payloads,
		pageSize: cfg.PageSize,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		tracer:   platformotel.Tracer("projection"),
	}, nil
}

// Apply projects a completed event. It returns false when the event was
// already applied, is not a completed event or left the rows unchanged.
func (e *Engine) Apply(ctx context.Context, evt event.Event) (bool, error) {
	key, stage, err := command.KeyOf(evt.Type)
	if err != nil || stage != event.StageCompleted {
		return false, nil
	}
	handler, ok := handlers[key]
	if !ok {
		return false, nil
	}
	ctx, span := e.tracer.Start(ctx, "projection.Apply", trace.WithAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", string(evt.Type)),
	))
	defer span.End()

	started := time.Now()
	snapshot, err := e.payloads.Decode(evt.Type, evt.PayloadJSON)
	if err != nil {
		e.metrics.ProjectionApplied("error", time.Since(started).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return false, fmt.Errorf("decode %s: %w", evt.ID, err)
	}
	changed, err := e.store.ApplyOnce(ctx, evt, func(ctx context.Context, w storage.ProjectionWriter) (bool, error) {
		return handler(ctx, w, evt, snapshot)
	})
	if err != nil {
		e.metrics.ProjectionApplied("error", time.Since(started).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return false, fmt.Errorf("apply %s: %w", evt.ID, err)
	}
	outcome := "applied"
	if !changed {
		outcome = "skipped"
	}
	e.metrics.ProjectionApplied(outcome, time.Since(started).Seconds())
	return changed, nil
}

// Rebuild replays completed events into the read models. A zero from
// truncates everything first; otherwise only checkpoints at or after from
// are dropped. Per-event failures are logged and counted.
func (e *Engine) Rebuild(ctx context.Context, from time.Time) (RebuildResult, error) {
	if e.events == nil {
		return RebuildResult{}, errors.New("event store is required for rebuild")
	}
	from = from.UTC()
	if from.IsZero() {
		if err := e.store.Reset(ctx); err != nil {
			return RebuildResult{}, fmt.Errorf("reset projections: %w", err)
		}
	} else {
		forgotten, err := e.store.ForgetSince(ctx, from)
		if err != nil {
			return RebuildResult{}, fmt.Errorf("forget checkpoints: %w", err)
		}
		e.logger.Info("dropped projection checkpoints", "from", from, "count", forgotten)
	}

	var (
		result RebuildResult
		after  *storage.Cursor
	)
	for {
		page, err := e.events.ListReplay(ctx, storage.ReplayPage{
			Stage: event.StageCompleted,
			From:  from,
			After: after,
			Limit: e.pageSize,
		})
		if err != nil {
			return result, fmt.Errorf("list replay: %w", err)
		}
		for _, stored := range page {
			result.Processed++
			if _, err := e.Apply(ctx, stored.Event); err != nil {
				result.Errors++
				e.logger.Error("rebuild apply failed",
					"event_id", stored.ID,
					"event_type", string(stored.Type),
					"aggregate_id", stored.AggregateID,
					"error", err,
				)
			}
		}
		if len(page) < e.pageSize {
			return result, nil
		}
		cursor := page[len(page)-1].Cursor()
		after = &cursor
	}
}

// Snapshot returns the canonical dump of every read model row.
func (e *Engine) Snapshot(ctx context.Context) ([]byte, error) {
	return e.store.Dump(ctx)
}

// Subscribe consumes completed events from ch. It backstops the stage
// machine's in-process apply.
func (e *Engine) Subscribe(ctx context.Context, ch channel.Channel) error {
	return ch.Subscribe(ctx, "*.*."+string(event.StageCompleted), Group, e.Handle)
}

// Handle is a channel.Handler for completed events.
func (e *Engine) Handle(ctx context.Context, topic string, payload []byte) error {
	evt, err := event.Decode(payload)
	if err != nil {
		e.logger.Error("dropping undecodable projection message", "topic", topic, "error", err)
		return nil
	}
	_, err = e.Apply(ctx, evt)
	return err
}
