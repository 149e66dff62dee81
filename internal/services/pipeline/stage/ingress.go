package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/platform/id"
	platformotel "github.com/louisbranch/causeway/internal/platform/otel"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/observability"
	"github.com/louisbranch/causeway/internal/services/pipeline/publisher"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

// Publisher appends and relays stage events.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) (publisher.Receipt, error)
}

// Accepted is the synchronous answer to a command.
type Accepted struct {
	EventID       string `json:"eventId"`
	AggregateID   string `json:"aggregateId"`
	CorrelationID string `json:"correlationId"`
	// Duplicate is true when the request id was already accepted and
	// EventID names the original requested event.
	Duplicate bool `json:"duplicate,omitempty"`
}

// IngressConfig wires an Ingress.
type IngressConfig struct {
	Events    storage.EventStore
	Publisher Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	// NewID generates aggregate and correlation ids; nil uses id.NewID.
	NewID func() (string, error)
}

// Ingress accepts commands and records them as requested events.
type Ingress struct {
	events    storage.EventStore
	publisher Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	newID     func() (string, error)
	tracer    trace.Tracer
}

// NewIngress validates cfg and builds an Ingress.
func NewIngress(cfg IngressConfig) (*Ingress, error) {
	if cfg.Events == nil {
		return nil, errors.New("event store is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	return &Ingress{
		events:    cfg.Events,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		newID:     cfg.NewID,
		tracer:    platformotel.Tracer("stage"),
	}, nil
}

// Accept validates the envelope and appends the requested event. Only
// envelope and append errors are returned; payload problems surface later as
// a failed event.
func (i *Ingress) Accept(ctx context.Context, cmd command.Command) (Accepted, error) {
	cmd, key, err := cmd.Normalize()
	if err != nil {
		if errors.Is(err, command.ErrUnknownKey) {
			return Accepted{}, apperrors.Wrap(apperrors.CodeUnknownCommand, "unknown command", err)
		}
		return Accepted{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid command", err)
	}
	ctx, span := i.tracer.Start(ctx, "stage.Accept", trace.WithAttributes(
		attribute.String("command.key", key.String()),
		attribute.String("command.request_id", cmd.RequestID),
	))
	defer span.End()

	if original, found, err := i.findRequest(ctx, cmd); err != nil || found {
		return original, err
	}

	if cmd.AggregateID == "" {
		if cmd.AggregateID, err = i.newID(); err != nil {
			return Accepted{}, fmt.Errorf("generate aggregate id: %w", err)
		}
	}
	if cmd.CorrelationID == "" {
		if cmd.CorrelationID, err = i.newID(); err != nil {
			return Accepted{}, fmt.Errorf("generate correlation id: %w", err)
		}
	}

	receipt, err := i.publisher.Publish(ctx, event.Event{
		AggregateID:   cmd.AggregateID,
		AggregateType: string(key.AggregateType),
		Type:          key.EventType(event.StageRequested),
		PayloadJSON:   cmd.Data,
		UserID:        cmd.UserID,
		Source:        event.SourceExternalAPI,
		CorrelationID: cmd.CorrelationID,
		RequestID:     cmd.RequestID,
	})
	if errors.Is(err, storage.ErrDuplicateRequest) {
		// Lost a race with a concurrent submission of the same request.
		original, found, findErr := i.findRequest(ctx, cmd)
		if findErr != nil {
			return Accepted{}, findErr
		}
		if found {
			return original, nil
		}
	}
	if err != nil {
		return Accepted{}, err
	}
	i.metrics.StageTransition(key.String(), string(event.StageRequested))
	i.logger.Debug("command accepted",
		"event_id", receipt.EventID(),
		"aggregate_id", receipt.Event.AggregateID,
		"event_type", string(receipt.Event.Type),
		"relayed", receipt.Relayed,
	)
	return Accepted{
		EventID:       receipt.EventID(),
		AggregateID:   receipt.Event.AggregateID,
		CorrelationID: receipt.Event.CorrelationID,
	}, nil
}

func (i *Ingress) findRequest(ctx context.Context, cmd command.Command) (Accepted, bool, error) {
	original, err := i.events.FindByRequestID(ctx, cmd.UserID, cmd.RequestID)
	if errors.Is(err, storage.ErrNotFound) {
		return Accepted{}, false, nil
	}
	if err != nil {
		return Accepted{}, false, err
	}
	return Accepted{
		EventID:       original.ID,
		AggregateID:   original.AggregateID,
		CorrelationID: original.CorrelationID,
		Duplicate:     true,
	}, true, nil
}
