package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	platformotel "github.com/louisbranch/causeway/internal/platform/otel"
	"github.com/louisbranch/causeway/internal/services/pipeline/authz"
	"github.com/louisbranch/causeway/internal/services/pipeline/channel"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/catalog"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/observability"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

// Subscription groups used by the machine.
const (
	GroupRequested = "stage-requested"
	GroupValidated = "stage-validated"
)

// maxConflictRetries bounds how often a completed event is recomputed after
// losing an append race on its aggregate.
const maxConflictRetries = 3

// Projector applies completed events to the read models.
type Projector interface {
	Apply(ctx context.Context, evt event.Event) (bool, error)
}

// Config wires a Machine.
type Config struct {
	Catalog   *catalog.Catalog
	Registry  *Registry
	Events    storage.EventStore
	Publisher Publisher
	// Authz decides permissions. A nil checker denies every command.
	Authz authz.Checker
	// Projector, when set, receives completed events in-process.
	Projector Projector
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Machine advances requested and validated events.
type Machine struct {
	catalog   *catalog.Catalog
	registry  *Registry
	events    storage.EventStore
	publisher Publisher
	authz     authz.Checker
	projector Projector
	loader    stateLoader
	metrics   *observability.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewMachine validates cfg and builds a Machine.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("executor registry is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("event store is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		catalog:   cfg.Catalog,
		registry:  cfg.Registry,
		events:    cfg.Events,
		publisher: cfg.Publisher,
		authz:     cfg.Authz,
		projector: cfg.Projector,
		loader:    stateLoader{events: cfg.Events, payloads: cfg.Catalog.Events()},
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		tracer:    platformotel.Tracer("stage"),
	}, nil
}

// Subscribe registers the machine's handlers on ch.
func (m *Machine) Subscribe(ctx context.Context, ch channel.Channel) error {
	if err := ch.Subscribe(ctx, "*.*."+string(event.StageRequested), GroupRequested, m.Handle); err != nil {
		return fmt.Errorf("subscribe requested: %w", err)
	}
	if err := ch.Subscribe(ctx, "*.*."+string(event.StageValidated), GroupValidated, m.Handle); err != nil {
		return fmt.Errorf("subscribe validated: %w", err)
	}
	return nil
}

// Handle is a channel.Handler dispatching on the event stage. Messages that
// cannot be decoded are logged and acknowledged.
func (m *Machine) Handle(ctx context.Context, topic string, payload []byte) error {
	evt, err := event.Decode(payload)
	if err != nil {
		m.logger.Error("dropping undecodable stage message", "topic", topic, "error", err)
		return nil
	}
	switch evt.Type.Stage() {
	case event.StageRequested:
		return m.HandleRequested(ctx, evt)
	case event.StageValidated:
		return m.HandleValidated(ctx, evt)
	default:
		return nil
	}
}

// HandleRequested authorizes and validates a requested event, then appends
// its validated or failed follow-up.
func (m *Machine) HandleRequested(ctx context.Context, evt event.Event) error {
	key, ok := m.keyFor(evt, event.StageRequested)
	if !ok {
		return nil
	}
	ctx, span := m.startSpan(ctx, "stage.HandleRequested", evt)
	defer span.End()

	if done, err := m.alreadyHandled(ctx, evt); done || err != nil {
		return err
	}
	state, err := m.loader.Load(ctx, evt.AggregateID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if failure, denied := m.authorize(ctx, key, evt, state); denied {
		return m.fail(ctx, key, evt, failure)
	}
	if err := m.catalog.ValidateSchema(key, evt.PayloadJSON); err != nil {
		return m.fail(ctx, key, evt, event.Failure{
			Code:   string(apperrors.CodeValidationFailed),
			Reason: err.Error(),
			Cause:  string(apperrors.CodeInvalidArgument),
		})
	}
	if _, err := m.catalog.Events().Decode(evt.Type, evt.PayloadJSON); err != nil {
		return m.fail(ctx, key, evt, event.Failure{
			Code:   string(apperrors.CodeValidationFailed),
			Reason: err.Error(),
			Cause:  string(apperrors.CodeInvalidArgument),
		})
	}
	next, err := evt.Next(event.StageValidated, evt.PayloadJSON)
	if err != nil {
		return err
	}
	_, err = m.publish(ctx, key, next)
	return err
}

// HandleValidated runs the executor for a validated event and appends the
// completed snapshot or a failure. A completed event is also applied to the
// projector directly.
func (m *Machine) HandleValidated(ctx context.Context, evt event.Event) error {
	key, ok := m.keyFor(evt, event.StageValidated)
	if !ok {
		return nil
	}
	ctx, span := m.startSpan(ctx, "stage.HandleValidated", evt)
	defer span.End()

	if done, err := m.alreadyHandled(ctx, evt); done || err != nil {
		return err
	}
	exec, err := m.registry.Executor(key)
	if err != nil {
		return err
	}
	request, err := m.catalog.Events().Decode(evt.Type, evt.PayloadJSON)
	if err != nil {
		return m.fail(ctx, key, evt, event.Failure{
			Code:   string(apperrors.CodeValidationFailed),
			Reason: err.Error(),
			Cause:  string(apperrors.CodeInvalidArgument),
		})
	}

	for attempt := 1; ; attempt++ {
		state, err := m.loader.Load(ctx, evt.AggregateID)
		if err != nil {
			span.RecordError(err)
			return err
		}
		snapshot, execErr := exec.Execute(ctx, ExecuteInput{
			Event:   evt,
			Request: request,
			Current: state.Snapshot,
			At:      evt.Timestamp,
		})
		if execErr != nil {
			return m.fail(ctx, key, evt, event.Failure{
				Code:   string(apperrors.CodeExecutorFailed),
				Reason: execErr.Error(),
				Cause:  causeOf(execErr),
			})
		}
		data, err := event.Marshal(snapshot)
		if err != nil {
			return m.fail(ctx, key, evt, event.Failure{
				Code:   string(apperrors.CodeExecutorFailed),
				Reason: err.Error(),
			})
		}
		next, err := evt.Next(event.StageCompleted, data)
		if err != nil {
			return err
		}
		next.ExpectedVersion = state.Head

		completed, err := m.publish(ctx, key, next)
		if errors.Is(err, storage.ErrConcurrencyConflict) && attempt < maxConflictRetries {
			m.logger.Debug("aggregate moved during execution, retrying",
				"event_id", evt.ID,
				"aggregate_id", evt.AggregateID,
				"attempt", attempt,
			)
			continue
		}
		if err != nil || completed.ID == "" {
			return err
		}
		m.project(ctx, completed)
		return nil
	}
}

// keyFor resolves the key of evt and checks its stage; mismatches are logged
// and skipped.
func (m *Machine) keyFor(evt event.Event, want event.Stage) (command.Key, bool) {
	key, stage, err := command.KeyOf(evt.Type)
	if err != nil || stage != want {
		m.logger.Warn("skipping event outside stage handler",
			"event_id", evt.ID,
			"event_type", string(evt.Type),
			"want_stage", string(want),
		)
		return command.Key{}, false
	}
	return key, true
}

func (m *Machine) startSpan(ctx context.Context, name string, evt event.Event) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", string(evt.Type)),
		attribute.String("event.aggregate_id", evt.AggregateID),
	))
}

// alreadyHandled reports whether evt already has a follow-up.
func (m *Machine) alreadyHandled(ctx context.Context, evt event.Event) (bool, error) {
	followUp, err := m.events.FindByCausation(ctx, evt.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.logger.Debug("stage event already handled",
		"event_id", evt.ID,
		"follow_up_id", followUp.ID,
		"follow_up_type", string(followUp.Type),
	)
	return true, nil
}

// authorize returns a failure when the caller may not run the command.
func (m *Machine) authorize(ctx context.Context, key command.Key, evt event.Event, state aggregateState) (event.Failure, bool) {
	if state.Type != "" && state.Type != string(key.AggregateType) {
		return event.Failure{
			Code:   string(apperrors.CodeValidationFailed),
			Reason: fmt.Sprintf("aggregate %s is a %s", evt.AggregateID, state.Type),
			Cause:  string(apperrors.CodeInvalidArgument),
		}, true
	}

	var ref authz.ResourceRef
	level := authz.LevelEditor
	switch key.Verb {
	case command.VerbCreate:
		var scope snapshotScope
		_ = json.Unmarshal(evt.PayloadJSON, &scope)
		ref = authz.ScopeFor(scope.ProjectID, evt.UserID)
	default:
		if !state.Live() {
			return event.Failure{
				Code:   string(apperrors.CodeValidationFailed),
				Reason: fmt.Sprintf("%s %s not found", key.AggregateType, evt.AggregateID),
				Cause:  string(apperrors.CodeNotFound),
			}, true
		}
		ref = authz.ScopeFor(state.Scope.ProjectID, state.Scope.OwnerID)
		if key.Verb == command.VerbDelete {
			level = authz.LevelAdmin
		}
	}

	denied := event.Failure{
		Code:  string(apperrors.CodeValidationFailed),
		Cause: string(apperrors.CodePermissionDenied),
	}
	if m.authz == nil {
		denied.Reason = "authorization is not configured"
		return denied, true
	}
	decision, err := m.authz.CheckPermission(ctx, evt.UserID, ref, level)
	if err != nil {
		m.logger.Warn("authorization check failed",
			"event_id", evt.ID,
			"resource", ref.String(),
			"error", err,
		)
		denied.Reason = "authorization check failed"
		return denied, true
	}
	if !decision.Allowed {
		denied.Reason = fmt.Sprintf("%s requires %s on %s (%s)", key, level, ref, decision.ReasonCode)
		return denied, true
	}
	return event.Failure{}, false
}

// fail appends the failed follow-up for evt.
func (m *Machine) fail(ctx context.Context, key command.Key, evt event.Event, failure event.Failure) error {
	data, err := event.Marshal(failure)
	if err != nil {
		return err
	}
	next, err := evt.Next(event.StageFailed, data)
	if err != nil {
		return err
	}
	m.logger.Info("command failed",
		"event_id", evt.ID,
		"event_type", string(evt.Type),
		"aggregate_id", evt.AggregateID,
		"code", failure.Code,
		"cause", failure.Cause,
		"reason", failure.Reason,
	)
	_, err = m.publish(ctx, key, next)
	return err
}

// publish appends a follow-up. Losing the causation race to another worker
// counts as success and returns a zero event.
func (m *Machine) publish(ctx context.Context, key command.Key, next event.Event) (event.Event, error) {
	receipt, err := m.publisher.Publish(ctx, next)
	if errors.Is(err, storage.ErrAlreadyCaused) {
		m.logger.Debug("follow-up already recorded", "causation_id", next.CausationID, "event_type", string(next.Type))
		return event.Event{}, nil
	}
	if err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return event.Event{}, err
	}
	m.metrics.StageTransition(key.String(), string(next.Type.Stage()))
	return receipt.Event, nil
}

// project applies a completed event in-process. Failures are left to the
// completed-topic consumer.
func (m *Machine) project(ctx context.Context, completed event.Event) {
	if m.projector == nil {
		return
	}
	if _, err := m.projector.Apply(ctx, completed); err != nil {
		m.logger.Warn("in-process projection failed",
			"event_id", completed.ID,
			"aggregate_id", completed.AggregateID,
			"event_type", string(completed.Type),
			"error", err,
		)
	}
}

// causeOf reports the domain code behind an executor error, if any.
func causeOf(err error) string {
	if code := apperrors.CodeOf(err); code != apperrors.CodeUnknown {
		return string(code)
	}
	return ""
}
