// Package storage defines the persistence contracts of the pipeline: the
// append-only event log, the relay outbox, the projection store and the
// hash-chained ledger.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrConcurrencyConflict indicates an append raced another append on the
	// same aggregate. The caller must re-read and retry.
	ErrConcurrencyConflict = apperrors.New(apperrors.CodeConcurrencyConflict, "aggregate version conflict")
	// ErrDuplicateRequest indicates a requested event with a (user, request id)
	// pair that was already accepted.
	ErrDuplicateRequest = apperrors.New(apperrors.CodeDuplicateRequest, "request already accepted")
	// ErrAlreadyCaused indicates the causing event already has a follow-up.
	ErrAlreadyCaused = apperrors.New(apperrors.CodeDuplicateFollowUp, "event already has a follow-up")
)

// Window bounds a time range; zero values leave that side open.
type Window struct {
	From time.Time
	To   time.Time
}

// Cursor is a keyset position in replay order: timestamp, then log position.
type Cursor struct {
	Timestamp time.Time
	Position  int64
}

// ReplayPage asks for the next page of events in replay order.
type ReplayPage struct {
	// Stage filters by event stage; empty means all stages.
	Stage event.Stage
	// From is inclusive; zero replays from the beginning.
	From  time.Time
	After *Cursor
	Limit int
}

// UnfollowedQuery selects events that nothing has followed up yet.
type UnfollowedQuery struct {
	Stages []event.Stage
	// Before is exclusive: only events older than it are returned.
	Before time.Time
	Limit  int
}

// StoredEvent is an event together with its global log position.
type StoredEvent struct {
	event.Event
	Position int64
}

// Cursor returns the replay position of the event.
func (e StoredEvent) Cursor() Cursor {
	return Cursor{Timestamp: e.Timestamp, Position: e.Position}
}

// EventStore is the append-only event log.
type EventStore interface {
	// AppendEvent assigns id, version and timestamp and stores the event
	// atomically. Version is max(aggregate)+1.
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	// AppendEvents stores related events sharing a correlation id in one
	// transaction, allocating versions contiguously per aggregate.
	AppendEvents(ctx context.Context, evts []event.Event) ([]event.Event, error)
	GetEvent(ctx context.Context, id string) (event.Event, error)
	// StreamByAggregate returns events with version >= fromVersion in strict
	// version order, optionally restricted to types.
	StreamByAggregate(ctx context.Context, aggregateID string, fromVersion uint64, types ...event.Type) ([]event.Event, error)
	StreamByUser(ctx context.Context, userID string, window Window) ([]event.Event, error)
	StreamByCorrelation(ctx context.Context, correlationID string) ([]event.Event, error)
	// FindByRequestID returns the requested event accepted for the pair.
	FindByRequestID(ctx context.Context, userID, requestID string) (event.Event, error)
	// FindByCausation returns the follow-up event caused by causationID.
	FindByCausation(ctx context.Context, causationID string) (event.Event, error)
	// ListReplay pages events in ascending (timestamp, position) order.
	ListReplay(ctx context.Context, page ReplayPage) ([]StoredEvent, error)
	// ListUnfollowed returns events of the given stages that no event names
	// as its cause and that have no outbox marker, oldest first.
	ListUnfollowed(ctx context.Context, query UnfollowedQuery) ([]event.Event, error)
}

// OutboxStatus is the state of an outbox marker.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxStuck      OutboxStatus = "stuck"
)

// OutboxMarker records a relay failure for one event. It never touches the
// event row itself.
type OutboxMarker struct {
	EventID       string
	Status        OutboxStatus
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	UpdatedAt     time.Time
}

// OutboxSummary aggregates outbox state for operators.
type OutboxSummary struct {
	Pending           int
	Processing        int
	Stuck             int
	OldestPendingAt   *time.Time
	OldestPendingID   string
	HighestRetryCount int
}

// OutboxStore tracks events whose relay failed.
type OutboxStore interface {
	// MarkRelayFailed creates or advances the marker for eventID: retry count
	// is incremented, the error recorded and the status set to pending, or
	// stuck when stuck is true.
	MarkRelayFailed(ctx context.Context, eventID, relayErr string, nextAttemptAt time.Time, stuck bool, now time.Time) (OutboxMarker, error)
	// ClaimDue leases up to limit markers that are due at now.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]OutboxMarker, error)
	// ClearMarker removes the marker after a successful relay.
	ClearMarker(ctx context.Context, eventID string) error
	GetMarker(ctx context.Context, eventID string) (OutboxMarker, error)
	Summary(ctx context.Context) (OutboxSummary, error)
	// RequeueStuck moves a stuck marker back to pending, due at now.
	RequeueStuck(ctx context.Context, eventID string, now time.Time) (bool, error)
}
