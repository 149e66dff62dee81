package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/platform/id"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

const eventColumns = `position, id, aggregate_id, aggregate_type, event_type, payload_json, user_id, source,
	version, causation_id, correlation_id, request_id, timestamp`

// aggregateHead is the latest stored version of an aggregate and its timestamp.
type aggregateHead struct {
	version   uint64
	timestamp time.Time
}

// AppendEvent stores a single event. See AppendEvents.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	stored, err := s.AppendEvents(ctx, []event.Event{evt})
	if err != nil {
		return event.Event{}, err
	}
	return stored[0], nil
}

// AppendEvents stores events atomically. Each aggregate receives versions
// max+1, max+2, ... in slice order. Timestamps never move backwards within an
// aggregate so timestamp replay order agrees with version order.
func (s *Store) AppendEvents(ctx context.Context, evts []event.Event) ([]event.Event, error) {
	if len(evts) == 0 {
		return nil, fmt.Errorf("at least one event is required")
	}
	normalized := make([]event.Event, 0, len(evts))
	for i, evt := range evts {
		norm, err := evt.Normalize()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("event %d", i), err)
		}
		if i > 0 && norm.CorrelationID != normalized[0].CorrelationID {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "batched events must share a correlation id")
		}
		normalized = append(normalized, norm)
	}

	var stored []event.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stored = stored[:0]
		heads := make(map[string]aggregateHead)
		now := s.now().UTC().Truncate(time.Millisecond)
		for _, evt := range normalized {
			head, ok := heads[evt.AggregateID]
			if !ok {
				var err error
				head, err = loadAggregateHead(ctx, tx, evt.AggregateID)
				if err != nil {
					return err
				}
			}
			if evt.ExpectedVersion != 0 && evt.ExpectedVersion != head.version {
				return apperrors.WrapWithMetadata(apperrors.CodeConcurrencyConflict,
					"aggregate moved past expected version",
					map[string]string{"aggregate_id": evt.AggregateID},
					storage.ErrConcurrencyConflict)
			}
			evt.ExpectedVersion = 0
			evt.Version = head.version + 1
			if evt.ID == "" {
				eventID, err := id.NewID()
				if err != nil {
					return fmt.Errorf("generate event id: %w", err)
				}
				evt.ID = eventID
			}
			if evt.Timestamp.IsZero() {
				evt.Timestamp = now
			}
			evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
			if evt.Timestamp.Before(head.timestamp) {
				evt.Timestamp = head.timestamp
			}
			if err := insertEvent(ctx, tx, evt); err != nil {
				return err
			}
			heads[evt.AggregateID] = aggregateHead{version: evt.Version, timestamp: evt.Timestamp}
			stored = append(stored, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func loadAggregateHead(ctx context.Context, tx *sql.Tx, aggregateID string) (aggregateHead, error) {
	var (
		version   sql.NullInt64
		timestamp sql.NullInt64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT version, timestamp FROM events WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`,
		aggregateID,
	).Scan(&version, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return aggregateHead{}, nil
	}
	if err != nil {
		return aggregateHead{}, fmt.Errorf("load aggregate head: %w", err)
	}
	return aggregateHead{version: uint64(version.Int64), timestamp: fromMillis(timestamp.Int64)}, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO events (
	id, aggregate_id, aggregate_type, event_type, stage, payload_json, user_id, source,
	version, causation_id, correlation_id, request_id, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.AggregateID,
		evt.AggregateType,
		string(evt.Type),
		string(evt.Type.Stage()),
		[]byte(evt.PayloadJSON),
		evt.UserID,
		string(evt.Source),
		int64(evt.Version),
		nullString(evt.CausationID),
		evt.CorrelationID,
		evt.RequestID,
		toMillis(evt.Timestamp),
	)
	if err == nil {
		return nil
	}
	if isConstraintError(err) {
		return classifyEventConflict(evt, err)
	}
	return fmt.Errorf("insert event: %w", err)
}

// classifyEventConflict maps unique index violations to storage errors.
func classifyEventConflict(evt event.Event, err error) error {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "events.causation_id"):
		return apperrors.WrapWithMetadata(apperrors.CodeDuplicateFollowUp, "event already has a follow-up",
			map[string]string{"causation_id": evt.CausationID}, storage.ErrAlreadyCaused)
	case strings.Contains(message, "events.request_id"):
		return apperrors.WrapWithMetadata(apperrors.CodeDuplicateRequest, "request already accepted",
			map[string]string{"request_id": evt.RequestID}, storage.ErrDuplicateRequest)
	default:
		return apperrors.WrapWithMetadata(apperrors.CodeConcurrencyConflict, "aggregate version conflict",
			map[string]string{"aggregate_id": evt.AggregateID}, storage.ErrConcurrencyConflict)
	}
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (event.Event, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, eventID)
	stored, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event: %w", err)
	}
	return stored.Event, nil
}

// StreamByAggregate returns an aggregate's events in version order.
func (s *Store) StreamByAggregate(ctx context.Context, aggregateID string, fromVersion uint64, types ...event.Type) ([]event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE aggregate_id = ? AND version >= ?`
	args := []any{aggregateID, int64(fromVersion)}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND event_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY version`
	return s.queryEvents(ctx, query, args...)
}

// StreamByUser returns a user's events within window in timestamp order.
func (s *Store) StreamByUser(ctx context.Context, userID string, window storage.Window) ([]event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE user_id = ?`
	args := []any{userID}
	if !window.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, toMillis(window.From))
	}
	if !window.To.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, toMillis(window.To))
	}
	query += ` ORDER BY timestamp, position`
	return s.queryEvents(ctx, query, args...)
}

// StreamByCorrelation returns every event of one workflow in timestamp order.
func (s *Store) StreamByCorrelation(ctx context.Context, correlationID string) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE correlation_id = ? ORDER BY timestamp, position`,
		correlationID,
	)
}

// FindByRequestID returns the requested event accepted for (userID, requestID).
func (s *Store) FindByRequestID(ctx context.Context, userID, requestID string) (event.Event, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE user_id = ? AND request_id = ? AND stage = ?`,
		userID, requestID, string(event.StageRequested),
	)
	stored, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("find by request id: %w", err)
	}
	return stored.Event, nil
}

// FindByCausation returns the event caused by causationID.
func (s *Store) FindByCausation(ctx context.Context, causationID string) (event.Event, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE causation_id = ?`, causationID)
	stored, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("find by causation: %w", err)
	}
	return stored.Event, nil
}

// ListReplay pages events in ascending (timestamp, position) order.
func (s *Store) ListReplay(ctx context.Context, page storage.ReplayPage) ([]storage.StoredEvent, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE timestamp >= ?`
	args := []any{toMillis(page.From)}
	if page.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(page.Stage))
	}
	if page.After != nil {
		after := toMillis(page.After.Timestamp)
		query += ` AND (timestamp > ? OR (timestamp = ? AND position > ?))`
		args = append(args, after, after, page.After.Position)
	}
	query += ` ORDER BY timestamp, position LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list replay: %w", err)
	}
	defer rows.Close()

	var out []storage.StoredEvent
	for rows.Next() {
		stored, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replay event: %w", err)
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// ListUnfollowed finds events whose consumer never recorded a follow-up.
// Events with an outbox marker belong to the sweeper and are left out.
func (s *Store) ListUnfollowed(ctx context.Context, query storage.UnfollowedQuery) ([]event.Event, error) {
	if len(query.Stages) == 0 {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(query.Stages)), ", ")
	args := make([]any, 0, len(query.Stages)+2)
	for _, stage := range query.Stages {
		args = append(args, string(stage))
	}
	args = append(args, toMillis(query.Before), limit)
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events e
WHERE e.stage IN (`+placeholders+`) AND e.timestamp < ?
AND NOT EXISTS (SELECT 1 FROM events f WHERE f.causation_id = e.id)
AND NOT EXISTS (SELECT 1 FROM outbox_markers m WHERE m.event_id = e.id)
ORDER BY e.timestamp, e.position LIMIT ?`, args...)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		stored, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, stored.Event)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (storage.StoredEvent, error) {
	var (
		stored      storage.StoredEvent
		eventType   string
		payload     []byte
		source      string
		version     int64
		causationID sql.NullString
		timestamp   int64
	)
	if err := row.Scan(
		&stored.Position,
		&stored.ID,
		&stored.AggregateID,
		&stored.AggregateType,
		&eventType,
		&payload,
		&stored.UserID,
		&source,
		&version,
		&causationID,
		&stored.CorrelationID,
		&stored.RequestID,
		&timestamp,
	); err != nil {
		return storage.StoredEvent{}, err
	}
	stored.Type = event.Type(eventType)
	stored.PayloadJSON = payload
	stored.Source = event.Source(source)
	stored.Version = uint64(version)
	stored.CausationID = causationID.String
	stored.Timestamp = fromMillis(timestamp)
	return stored, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
