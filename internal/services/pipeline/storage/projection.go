package storage

import (
	"context"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
)

// TaskRecord is the read model row for a task.
type TaskRecord struct {
	ID          string
	ProjectID   string
	OwnerID     string
	Title       string
	Description string
	Status      string
	Deleted     bool
	// Version is the aggregate version of the completed event that last
	// wrote the row.
	Version     uint64
	LastEventID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DocumentRecord is the read model row for a document.
type DocumentRecord struct {
	ID          string
	ProjectID   string
	OwnerID     string
	Title       string
	Body        string
	Deleted     bool
	Version     uint64
	LastEventID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RelationRecord is the read model row for a relation.
type RelationRecord struct {
	ID          string
	ProjectID   string
	OwnerID     string
	FromID      string
	ToID        string
	Kind        string
	Deleted     bool
	Version     uint64
	LastEventID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectionWriter performs single-row projection writes inside the
// transaction opened by ProjectionStore.ApplyOnce. Each method reports
// whether it changed the row.
type ProjectionWriter interface {
	// Insert* adds the row unless one with the same id exists.
	InsertTask(ctx context.Context, rec TaskRecord) (bool, error)
	InsertDocument(ctx context.Context, rec DocumentRecord) (bool, error)
	InsertRelation(ctx context.Context, rec RelationRecord) (bool, error)
	// Put* inserts the row or replaces it when rec.Version is newer.
	PutTask(ctx context.Context, rec TaskRecord) (bool, error)
	PutDocument(ctx context.Context, rec DocumentRecord) (bool, error)
	PutRelation(ctx context.Context, rec RelationRecord) (bool, error)
}

// ProjectionReader serves direct reads of the read models.
type ProjectionReader interface {
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	GetDocument(ctx context.Context, id string) (DocumentRecord, error)
	GetRelation(ctx context.Context, id string) (RelationRecord, error)
	ListTasksByOwner(ctx context.Context, ownerID string) ([]TaskRecord, error)
}

// ProjectionStore owns the read models and their apply checkpoints.
type ProjectionStore interface {
	ProjectionReader
	// ApplyOnce reserves a checkpoint for evt.ID and runs apply in the same
	// transaction. It returns false without calling apply when the event was
	// already checkpointed.
	ApplyOnce(ctx context.Context, evt event.Event, apply func(context.Context, ProjectionWriter) (bool, error)) (bool, error)
	// Reset truncates every read model and checkpoint.
	Reset(ctx context.Context) error
	// ForgetSince drops checkpoints for events at or after from.
	ForgetSince(ctx context.Context, from time.Time) (int64, error)
	// Dump returns a canonical serialization of all read model rows and
	// checkpoints, suitable for byte comparison.
	Dump(ctx context.Context) ([]byte, error)
}
