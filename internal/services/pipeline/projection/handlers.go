package projection

import (
	"context"
	"fmt"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/document"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/relation"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/task"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

// handlerFunc writes one decoded snapshot.
type handlerFunc func(ctx context.Context, w storage.ProjectionWriter, evt event.Event, snapshot event.Payload) (bool, error)

// handlers maps each command key to the writer for its completed event.
var handlers = map[command.Key]handlerFunc{
	command.TaskCreate:     createTask,
	command.TaskUpdate:     putTask,
	command.TaskDelete:     putTask,
	command.DocumentCreate: createDocument,
	command.DocumentUpdate: putDocument,
	command.DocumentDelete: putDocument,
	command.RelationCreate: createRelation,
	command.RelationDelete: putRelation,
}

// Create keeps an existing row unless the new snapshot is newer, which only
// happens when a tombstoned id is created again.
func createTask(ctx context.Context, w storage.ProjectionWriter, evt event.Event, snapshot event.Payload) (bool, error) {
	rec, err := taskRecord(evt, snapshot)
	if err != nil {
		return false, err
	}
	inserted, err := w.InsertTask(ctx, rec)
	if err != nil || inserted {
		return inserted, err
	}
	return w.PutTask(ctx, rec)
}

func putTask(ctx context.Context, w storage.ProjectionWriter, evt event.Event, snapshot event.Payload) (bool, error) {
	rec, err := taskRecord(evt, snapshot)
	if err != nil {
		return false, err
	}
	return w.PutTask(ctx, rec)
}

func createDocument(ctx context.Context, w storage.ProjectionWriter, evt event.Event, snapshot event.Payload) (bool, error) {
	rec, err := documentRecord(evt, snapshot)
	if err != nil {
		return false, err
	}
	inserted, err := w.InsertDocument(ctx, rec)
	if err != nil || inserted {
		return inserted, err
	}
	return w.PutDocument(ctx, rec)
}

func putDocument(ctx context.Context, w storage.ProjectionWriter, evt event.Event, snapshot event.Payload) (bool, error) {
	rec, err := documentRecord(evt, snapshot)
	if err != nil {
		return false, err
	}
	return w.PutDocument(ctx, rec)
}

func createRelation(ctx context.Context, w storage.ProjectionWriter, evt event.Event, snapshot event.Payload) (bool, error) {
	rec, err := relationRecord(evt, snapshot)
	if err != nil {
		return false, err
	}
	inserted, err := w.InsertRelation(ctx, rec)
	if err != nil || inserted {
		return inserted, err
	}
	return w.PutRelation(ctx, rec)
}

func putRelation(ctx context.Context, w storage.ProjectionWriter, evt event.Event, snapshot event.Payload) (bool, error) {
	rec, err := relationRecord(evt, snapshot)
	if err != nil {
		return false, err
	}
	return w.PutRelation(ctx, rec)
}

func taskRecord(evt event.Event, snapshot event.Payload) (storage.TaskRecord, error) {
	snap, ok := snapshot.(*task.Task)
	if !ok {
		return storage.TaskRecord{}, fmt.Errorf("unexpected snapshot %T for %s", snapshot, evt.Type)
	}
	return storage.TaskRecord{
		ID:          snap.ID,
		ProjectID:   snap.ProjectID,
		OwnerID:     snap.OwnerID,
		Title:       snap.Title,
		Description: snap.Description,
		Status:      string(snap.Status),
		Deleted:     snap.Deleted,
		Version:     evt.Version,
		LastEventID: evt.ID,
		CreatedAt:   snap.CreatedAt.UTC(),
		UpdatedAt:   evt.Timestamp.UTC(),
	}, nil
}

func documentRecord(evt event.Event, snapshot event.Payload) (storage.DocumentRecord, error) {
	snap, ok := snapshot.(*document.Document)
	if !ok {
		return storage.DocumentRecord{}, fmt.Errorf("unexpected snapshot %T for %s", snapshot, evt.Type)
	}
	return storage.DocumentRecord{
		ID:          snap.ID,
		ProjectID:   snap.ProjectID,
		OwnerID:     snap.OwnerID,
		Title:       snap.Title,
		Body:        snap.Body,
		Deleted:     snap.Deleted,
		Version:     evt.Version,
		LastEventID: evt.ID,
		CreatedAt:   snap.CreatedAt.UTC(),
		UpdatedAt:   evt.Timestamp.UTC(),
	}, nil
}

func relationRecord(evt event.Event, snapshot event.Payload) (storage.RelationRecord, error) {
	snap, ok := snapshot.(*relation.Relation)
	if !ok {
		return storage.RelationRecord{}, fmt.Errorf("unexpected snapshot %T for %s", snapshot, evt.Type)
	}
	return storage.RelationRecord{
		ID:          snap.ID,
		ProjectID:   snap.ProjectID,
		OwnerID:     snap.OwnerID,
		FromID:      snap.FromID,
		ToID:        snap.ToID,
		Kind:        string(snap.Kind),
		Deleted:     snap.Deleted,
		Version:     evt.Version,
		LastEventID: evt.ID,
		CreatedAt:   snap.CreatedAt.UTC(),
		UpdatedAt:   evt.Timestamp.UTC(),
	}, nil
}
