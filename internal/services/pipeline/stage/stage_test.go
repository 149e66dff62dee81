package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/services/pipeline/authz"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/task"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

func TestNewRegistryRequiresEveryKnownKey(t *testing.T) {
	executors := DefaultExecutors()
	delete(executors, command.DocumentUpdate)
	if _, err := NewRegistry(executors); !errors.Is(err, ErrExecutorMissing) {
		t.Fatalf("expected missing executor error, got %v", err)
	}

	executors = DefaultExecutors()
	executors[command.Key{AggregateType: "task", Verb: "archive"}] = ExecutorFunc(func(context.Context, ExecuteInput) (event.Payload, error) {
		return nil, nil
	})
	if _, err := NewRegistry(executors); !errors.Is(err, command.ErrUnknownKey) {
		t.Fatalf("expected unknown key error, got %v", err)
	}

	executors = DefaultExecutors()
	executors[command.TaskCreate] = nil
	if _, err := NewRegistry(executors); !errors.Is(err, ErrExecutorMissing) {
		t.Fatalf("expected nil executor to be rejected, got %v", err)
	}

	registry, err := NewRegistry(DefaultExecutors())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	for _, key := range command.Keys() {
		if _, err := registry.Executor(key); err != nil {
			t.Fatalf("executor for %s: %v", key, err)
		}
	}
}

func TestCreateTaskRunsToCompletion(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	ctx := context.Background()

	accepted, err := h.ingress.Accept(ctx, taskCreate("u1", "r1", `{"title":"Buy milk"}`))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.EventID == "" || accepted.AggregateID == "" || accepted.CorrelationID == "" {
		t.Fatalf("expected generated ids, got %+v", accepted)
	}
	requested, err := h.store.GetEvent(ctx, accepted.EventID)
	if err != nil {
		t.Fatalf("get requested: %v", err)
	}
	if requested.Type != "task.create.requested" || requested.Source != event.SourceExternalAPI {
		t.Fatalf("unexpected requested event %s from %s", requested.Type, requested.Source)
	}

	if err := h.machine.HandleRequested(ctx, requested); err != nil {
		t.Fatalf("handle requested: %v", err)
	}
	validated := h.followUp(t, requested.ID)
	if validated.Type != "task.create.validated" {
		t.Fatalf("expected validated, got %s", validated.Type)
	}
	if string(validated.PayloadJSON) != `{"title":"Buy milk"}` {
		t.Fatalf("validated data should match request, got %s", validated.PayloadJSON)
	}

	if err := h.machine.HandleValidated(ctx, validated); err != nil {
		t.Fatalf("handle validated: %v", err)
	}
	completed := h.followUp(t, validated.ID)
	if completed.Type != "task.create.completed" {
		t.Fatalf("expected completed, got %s", completed.Type)
	}

	var snapshot task.Task
	if err := json.Unmarshal(completed.PayloadJSON, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ID != accepted.AggregateID || snapshot.OwnerID != "u1" || snapshot.Title != "Buy milk" || snapshot.Status != task.StatusTodo {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if !snapshot.CreatedAt.Equal(validated.Timestamp) {
		t.Fatalf("expected created_at %v from validated event, got %v", validated.Timestamp, snapshot.CreatedAt)
	}

	for _, evt := range []event.Event{requested, validated, completed} {
		if evt.CorrelationID != accepted.CorrelationID || evt.RequestID != "r1" || evt.AggregateID != accepted.AggregateID {
			t.Fatalf("event %s lost workflow ids: %+v", evt.Type, evt)
		}
	}
	if validated.CausationID != requested.ID || completed.CausationID != validated.ID {
		t.Fatalf("unexpected causation chain")
	}
	if completed.Version != 3 {
		t.Fatalf("expected completed at version 3, got %d", completed.Version)
	}

	applied := h.projector.events()
	if len(applied) != 1 || applied[0].ID != completed.ID {
		t.Fatalf("expected completed event applied in-process, got %+v", applied)
	}
}

func TestIngressDedupsRequestID(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	ctx := context.Background()

	first, err := h.ingress.Accept(ctx, taskCreate("u1", "r1", `{"title":"Buy milk"}`))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	second, err := h.ingress.Accept(ctx, taskCreate("u1", "r1", `{"title":"Buy bread"}`))
	if err != nil {
		t.Fatalf("accept duplicate: %v", err)
	}
	if !second.Duplicate || second.EventID != first.EventID || second.AggregateID != first.AggregateID {
		t.Fatalf("expected original acceptance, got %+v vs %+v", second, first)
	}

	other, err := h.ingress.Accept(ctx, taskCreate("u2", "r1", `{"title":"Buy milk"}`))
	if err != nil {
		t.Fatalf("accept other user: %v", err)
	}
	if other.Duplicate || other.EventID == first.EventID {
		t.Fatalf("request ids are scoped per user, got %+v", other)
	}
}

func TestIngressRejectsBadEnvelopes(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name string
		cmd  command.Command
		code apperrors.Code
	}{
		{"unknown verb", command.Command{AggregateType: "relation", Verb: "update", AggregateID: "r", Data: json.RawMessage(`{}`), UserID: "u1", RequestID: "r1"}, apperrors.CodeUnknownCommand},
		{"unknown aggregate", command.Command{AggregateType: "invoice", Verb: "create", UserID: "u1", RequestID: "r1"}, apperrors.CodeUnknownCommand},
		{"missing user", taskCreate("", "r1", `{"title":"x"}`), apperrors.CodeInvalidArgument},
		{"missing request", taskCreate("u1", "", `{"title":"x"}`), apperrors.CodeInvalidArgument},
		{"update without target", command.Command{AggregateType: "task", Verb: "update", Data: json.RawMessage(`{}`), UserID: "u1", RequestID: "r1"}, apperrors.CodeInvalidArgument},
		{"array data", taskCreate("u1", "r1", `[1]`), apperrors.CodeInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ingress.Accept(context.Background(), tc.cmd)
			if got := apperrors.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
			}
		})
	}
}

func TestHandleRequestedIsIdempotent(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	ctx := context.Background()

	accepted, err := h.ingress.Accept(ctx, taskCreate("u1", "r1", `{"title":"Buy milk"}`))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	requested, err := h.store.GetEvent(ctx, accepted.EventID)
	if err != nil {
		t.Fatalf("get requested: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.machine.HandleRequested(ctx, requested); err != nil {
			t.Fatalf("handle requested #%d: %v", i, err)
		}
	}
	validated := h.followUp(t, requested.ID)
	for i := 0; i < 2; i++ {
		if err := h.machine.HandleValidated(ctx, validated); err != nil {
			t.Fatalf("handle validated #%d: %v", i, err)
		}
	}
	stream, err := h.store.StreamByAggregate(ctx, accepted.AggregateID, 0)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(stream) != 3 {
		t.Fatalf("expected requested, validated and completed only, got %d events", len(stream))
	}
	if got := len(h.projector.events()); got != 1 {
		t.Fatalf("expected one in-process apply, got %d", got)
	}
}

func TestSchemaViolationFailsValidation(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))

	tests := []struct {
		name string
		data string
	}{
		{"missing title", `{}`},
		{"blank title", `{"title":"   "}`},
		{"bad status", `{"title":"x","status":"blocked"}`},
		{"unknown field", `{"title":"x","priority":1}`},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			terminal := h.run(t, taskCreate("u1", "schema-"+string(rune('a'+i)), tc.data))
			failure := decodeFailure(t, terminal)
			if failure.Code != string(apperrors.CodeValidationFailed) || failure.Reason == "" {
				t.Fatalf("unexpected failure %+v", failure)
			}
			if terminal.Type != "task.create.failed" {
				t.Fatalf("unexpected failed type %s", terminal.Type)
			}
		})
	}
	if got := len(h.projector.events()); got != 0 {
		t.Fatalf("failed commands must not be projected, got %d", got)
	}
}

func TestAuthorizationDecisions(t *testing.T) {
	policy := openPolicy(t, authz.PolicyFile{
		Projects: map[string]authz.ProjectPolicy{
			"p1": {Members: map[string]string{"editor": "editor", "admin": "admin", "viewer": "viewer"}},
		},
	})
	h := newHarness(t, policy)

	viewer := h.run(t, taskCreate("viewer", "r1", `{"project_id":"p1","title":"Plan"}`))
	if failure := decodeFailure(t, viewer); failure.Cause != string(apperrors.CodePermissionDenied) {
		t.Fatalf("viewer create: expected permission denied, got %+v", failure)
	}
	outsider := h.run(t, taskCreate("outsider", "r1", `{"project_id":"p1","title":"Plan"}`))
	if failure := decodeFailure(t, outsider); failure.Cause != string(apperrors.CodePermissionDenied) {
		t.Fatalf("outsider create: expected permission denied, got %+v", failure)
	}

	created := h.run(t, taskCreate("editor", "r1", `{"project_id":"p1","title":"Plan"}`))
	if created.Type != "task.create.completed" {
		t.Fatalf("editor create: expected completed, got %s %s", created.Type, created.PayloadJSON)
	}

	editorDelete := h.run(t, command.Command{AggregateType: "task", Verb: "delete", AggregateID: created.AggregateID, UserID: "editor", RequestID: "r2"})
	if failure := decodeFailure(t, editorDelete); failure.Cause != string(apperrors.CodePermissionDenied) {
		t.Fatalf("editor delete: expected admin requirement, got %+v", failure)
	}

	update := h.run(t, command.Command{AggregateType: "task", Verb: "update", AggregateID: created.AggregateID, Data: json.RawMessage(`{"status":"doing"}`), UserID: "editor", RequestID: "r3"})
	if update.Type != "task.update.completed" {
		t.Fatalf("editor update: expected completed, got %s %s", update.Type, update.PayloadJSON)
	}

	deleted := h.run(t, command.Command{AggregateType: "task", Verb: "delete", AggregateID: created.AggregateID, UserID: "admin", RequestID: "r1"})
	if deleted.Type != "task.delete.completed" {
		t.Fatalf("admin delete: expected completed, got %s %s", deleted.Type, deleted.PayloadJSON)
	}
	var snapshot task.Task
	if err := json.Unmarshal(deleted.PayloadJSON, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snapshot.Deleted || snapshot.Status != task.StatusDoing || snapshot.OwnerID != "editor" {
		t.Fatalf("unexpected tombstone %+v", snapshot)
	}
}

func TestPersonalSpaceBelongsToOwner(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))

	created := h.run(t, taskCreate("u1", "r1", `{"title":"Buy milk"}`))
	if created.Type != "task.create.completed" {
		t.Fatalf("expected completed, got %s", created.Type)
	}
	foreign := h.run(t, command.Command{AggregateType: "task", Verb: "update", AggregateID: created.AggregateID, Data: json.RawMessage(`{"title":"Buy beer"}`), UserID: "u2", RequestID: "r1"})
	if failure := decodeFailure(t, foreign); failure.Cause != string(apperrors.CodePermissionDenied) {
		t.Fatalf("expected foreign personal space denial, got %+v", failure)
	}
	own := h.run(t, command.Command{AggregateType: "task", Verb: "update", AggregateID: created.AggregateID, Data: json.RawMessage(`{"title":"Buy oat milk"}`), UserID: "u1", RequestID: "r2"})
	if own.Type != "task.update.completed" {
		t.Fatalf("expected owner update to complete, got %s %s", own.Type, own.PayloadJSON)
	}
	if own.Version <= created.Version {
		t.Fatalf("expected versions to increase, got %d after %d", own.Version, created.Version)
	}
}

func TestMissingAggregateFailsNotFound(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	terminal := h.run(t, command.Command{AggregateType: "document", Verb: "update", AggregateID: "ghost", Data: json.RawMessage(`{"title":"x"}`), UserID: "u1", RequestID: "r1"})
	failure := decodeFailure(t, terminal)
	if failure.Code != string(apperrors.CodeValidationFailed) || failure.Cause != string(apperrors.CodeNotFound) {
		t.Fatalf("unexpected failure %+v", failure)
	}
}

func TestExecutorFailureOnLiveAggregate(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	first := h.run(t, taskCreate("u1", "r1", `{"title":"Buy milk"}`))

	again := taskCreate("u1", "r2", `{"title":"Buy milk again"}`)
	again.AggregateID = first.AggregateID
	terminal := h.run(t, again)
	failure := decodeFailure(t, terminal)
	if failure.Code != string(apperrors.CodeExecutorFailed) || failure.Cause != string(apperrors.CodeAlreadyExists) {
		t.Fatalf("unexpected failure %+v", failure)
	}
}

func TestAggregateTypeMismatchFailsValidation(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	created := h.run(t, taskCreate("u1", "r1", `{"title":"Buy milk"}`))

	terminal := h.run(t, command.Command{AggregateType: "document", Verb: "delete", AggregateID: created.AggregateID, UserID: "u1", RequestID: "r2"})
	failure := decodeFailure(t, terminal)
	if failure.Cause != string(apperrors.CodeInvalidArgument) {
		t.Fatalf("unexpected failure %+v", failure)
	}
}

func TestMissingCheckerDeniesEverything(t *testing.T) {
	h := newHarness(t, nil)
	terminal := h.run(t, taskCreate("u1", "r1", `{"title":"Buy milk"}`))
	failure := decodeFailure(t, terminal)
	if failure.Cause != string(apperrors.CodePermissionDenied) {
		t.Fatalf("unexpected failure %+v", failure)
	}
}

func TestRelationLifecycle(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	created := h.run(t, command.Command{
		AggregateType: "relation",
		Verb:          "create",
		Data:          json.RawMessage(`{"from_id":"t1","to_id":"t2","kind":"blocks"}`),
		UserID:        "u1",
		RequestID:     "r1",
	})
	if created.Type != "relation.create.completed" {
		t.Fatalf("expected completed, got %s %s", created.Type, created.PayloadJSON)
	}
	deleted := h.run(t, command.Command{AggregateType: "relation", Verb: "delete", AggregateID: created.AggregateID, UserID: "u1", RequestID: "r2"})
	if deleted.Type != "relation.delete.completed" {
		t.Fatalf("expected completed, got %s %s", deleted.Type, deleted.PayloadJSON)
	}
	again := h.run(t, command.Command{AggregateType: "relation", Verb: "delete", AggregateID: created.AggregateID, UserID: "u1", RequestID: "r3"})
	if failure := decodeFailure(t, again); failure.Cause != string(apperrors.CodeNotFound) {
		t.Fatalf("expected deleted relation to be gone, got %+v", failure)
	}
}

func TestHandleAcksUndecodableMessages(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.machine.Handle(context.Background(), "task.create.requested", []byte("not json")); err != nil {
		t.Fatalf("expected poison message to be acknowledged, got %v", err)
	}
}

func TestHandleSkipsWrongStage(t *testing.T) {
	h := newHarness(t, openPolicy(t, authz.PolicyFile{}))
	completed := h.run(t, taskCreate("u1", "r1", `{"title":"Buy milk"}`))
	if err := h.machine.HandleRequested(context.Background(), completed); err != nil {
		t.Fatalf("handle requested with completed event: %v", err)
	}
	h.noFollowUp(t, completed.ID)
}

// racingUpdate wraps the task update executor so that each of its first
// races calls lands another command on the aggregate before the completed
// event is appended.
func racingUpdate(h **harness, races int, calls *int) map[command.Key]Executor {
	executors := DefaultExecutors()
	update := executors[command.TaskUpdate]
	executors[command.TaskUpdate] = ExecutorFunc(func(ctx context.Context, in ExecuteInput) (event.Payload, error) {
		*calls++
		if *calls <= races {
			cmd := command.Command{
				AggregateType: "task",
				Verb:          "update",
				AggregateID:   in.Event.AggregateID,
				Data:          json.RawMessage(`{"status":"done"}`),
				UserID:        "u1",
				RequestID:     fmt.Sprintf("race-%d", *calls),
			}
			if _, err := (*h).ingress.Accept(ctx, cmd); err != nil {
				return nil, err
			}
		}
		return update.Execute(ctx, in)
	})
	return executors
}

func TestHandleValidatedRecomputesAfterConcurrentAppend(t *testing.T) {
	var h *harness
	calls := 0
	h = newHarnessWith(t, openPolicy(t, authz.PolicyFile{}), racingUpdate(&h, 1, &calls))
	ctx := context.Background()
	created := h.run(t, taskCreate("u1", "r1", `{"title":"Buy milk"}`))

	accepted, err := h.ingress.Accept(ctx, command.Command{
		AggregateType: "task",
		Verb:          "update",
		AggregateID:   created.AggregateID,
		Data:          json.RawMessage(`{"title":"Buy oat milk"}`),
		UserID:        "u1",
		RequestID:     "r2",
	})
	if err != nil {
		t.Fatalf("accept update: %v", err)
	}
	requested, err := h.store.GetEvent(ctx, accepted.EventID)
	if err != nil {
		t.Fatalf("get requested: %v", err)
	}
	if err := h.machine.HandleRequested(ctx, requested); err != nil {
		t.Fatalf("handle requested: %v", err)
	}
	validated := h.followUp(t, requested.ID)
	if err := h.machine.HandleValidated(ctx, validated); err != nil {
		t.Fatalf("handle validated: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected executor to run twice, ran %d times", calls)
	}
	completed := h.followUp(t, validated.ID)
	if completed.Type != "task.update.completed" {
		t.Fatalf("expected completed, got %s", completed.Type)
	}
	// create 1-3, update requested 4 and validated 5, racing request 6.
	if completed.Version != 7 {
		t.Fatalf("expected completed past the racing append at version 7, got %d", completed.Version)
	}
	var snapshot task.Task
	if err := json.Unmarshal(completed.PayloadJSON, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.Title != "Buy oat milk" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestHandleValidatedGivesUpAfterRepeatedConflicts(t *testing.T) {
	var h *harness
	calls := 0
	h = newHarnessWith(t, openPolicy(t, authz.PolicyFile{}), racingUpdate(&h, maxConflictRetries, &calls))
	ctx := context.Background()
	created := h.run(t, taskCreate("u1", "r1", `{"title":"Buy milk"}`))

	accepted, err := h.ingress.Accept(ctx, command.Command{
		AggregateType: "task",
		Verb:          "update",
		AggregateID:   created.AggregateID,
		Data:          json.RawMessage(`{"title":"Buy oat milk"}`),
		UserID:        "u1",
		RequestID:     "r2",
	})
	if err != nil {
		t.Fatalf("accept update: %v", err)
	}
	requested, err := h.store.GetEvent(ctx, accepted.EventID)
	if err != nil {
		t.Fatalf("get requested: %v", err)
	}
	if err := h.machine.HandleRequested(ctx, requested); err != nil {
		t.Fatalf("handle requested: %v", err)
	}
	validated := h.followUp(t, requested.ID)

	err = h.machine.HandleValidated(ctx, validated)
	if !errors.Is(err, storage.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if calls != maxConflictRetries {
		t.Fatalf("expected %d executions, got %d", maxConflictRetries, calls)
	}
	h.noFollowUp(t, validated.ID)
}
