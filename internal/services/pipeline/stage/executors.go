package stage

import (
	"context"
	"fmt"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/document"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/relation"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/task"
)

// DefaultExecutors returns the built-in executor for every known key.
func DefaultExecutors() map[command.Key]Executor {
	return map[command.Key]Executor{
		command.TaskCreate: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			req, current, err := unpack[task.CreatePayload, task.Task](in)
			if err != nil {
				return nil, err
			}
			snap, err := task.Create(in.Event.AggregateID, in.Event.UserID, in.At, current, *req)
			return &snap, err
		}),
		command.TaskUpdate: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			req, current, err := unpack[task.UpdatePayload, task.Task](in)
			if err != nil {
				return nil, err
			}
			snap, err := task.Update(current, *req)
			return &snap, err
		}),
		command.TaskDelete: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			_, current, err := unpack[task.DeletePayload, task.Task](in)
			if err != nil {
				return nil, err
			}
			snap, err := task.Delete(current)
			return &snap, err
		}),
		command.DocumentCreate: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			req, current, err := unpack[document.CreatePayload, document.Document](in)
			if err != nil {
				return nil, err
			}
			snap, err := document.Create(in.Event.AggregateID, in.Event.UserID, in.At, current, *req)
			return &snap, err
		}),
		command.DocumentUpdate: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			req, current, err := unpack[document.UpdatePayload, document.Document](in)
			if err != nil {
				return nil, err
			}
			snap, err := document.Update(current, *req)
			return &snap, err
		}),
		command.DocumentDelete: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			_, current, err := unpack[document.DeletePayload, document.Document](in)
			if err != nil {
				return nil, err
			}
			snap, err := document.Delete(current)
			return &snap, err
		}),
		command.RelationCreate: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			req, current, err := unpack[relation.CreatePayload, relation.Relation](in)
			if err != nil {
				return nil, err
			}
			snap, err := relation.Create(in.Event.AggregateID, in.Event.UserID, in.At, current, *req)
			return &snap, err
		}),
		command.RelationDelete: ExecutorFunc(func(_ context.Context, in ExecuteInput) (event.Payload, error) {
			_, current, err := unpack[relation.DeletePayload, relation.Relation](in)
			if err != nil {
				return nil, err
			}
			snap, err := relation.Delete(current)
			return &snap, err
		}),
	}
}

// unpack asserts the decoded request and current snapshot to the concrete
// types of one key. A nil Current yields a nil snapshot.
func unpack[Req, Snap any](in ExecuteInput) (*Req, *Snap, error) {
	req, ok := any(in.Request).(*Req)
	if !ok || req == nil {
		return nil, nil, fmt.Errorf("unexpected request payload %T for %s", in.Request, in.Event.Type)
	}
	if in.Current == nil {
		return req, nil, nil
	}
	current, ok := any(in.Current).(*Snap)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected snapshot payload %T for %s", in.Current, in.Event.Type)
	}
	return req, current, nil
}
