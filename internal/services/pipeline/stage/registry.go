package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
)

// ErrExecutorMissing indicates a key without a registered executor.
var ErrExecutorMissing = errors.New("executor is not registered")

// ExecuteInput is what an executor sees for one validated event.
type ExecuteInput struct {
	// Event is the validated event being executed.
	Event event.Event
	// Request is the decoded validated payload.
	Request event.Payload
	// Current is the latest completed snapshot of the aggregate, or nil.
	Current event.Payload
	// At stamps creations; it is the validated event's timestamp.
	At time.Time
}

// Executor turns a validated command into the aggregate's next snapshot. A
// returned error becomes a failed event; it is never retried.
type Executor interface {
	Execute(ctx context.Context, in ExecuteInput) (event.Payload, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in ExecuteInput) (event.Payload, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in ExecuteInput) (event.Payload, error) {
	return f(ctx, in)
}

// Registry maps every known command key to its executor. It is built once and
// never mutated.
type Registry struct {
	executors map[command.Key]Executor
}

// NewRegistry validates that executors covers exactly the known keys.
func NewRegistry(executors map[command.Key]Executor) (*Registry, error) {
	frozen := make(map[command.Key]Executor, len(executors))
	for key, exec := range executors {
		if !key.Known() {
			return nil, fmt.Errorf("%w: %s", command.ErrUnknownKey, key)
		}
		if exec == nil {
			return nil, fmt.Errorf("%w: %s has a nil executor", ErrExecutorMissing, key)
		}
		frozen[key] = exec
	}
	var missing []string
	for _, key := range command.Keys() {
		if _, ok := frozen[key]; !ok {
			missing = append(missing, key.String())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %v", ErrExecutorMissing, missing)
	}
	return &Registry{executors: frozen}, nil
}

// Executor returns the executor for key.
func (r *Registry) Executor(key command.Key) (Executor, error) {
	exec, ok := r.executors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorMissing, key)
	}
	return exec, nil
}
