package stage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/authz"
	"github.com/louisbranch/causeway/internal/services/pipeline/channel"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/catalog"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/publisher"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/sqlite"
)

// discardChannel accepts every send.
type discardChannel struct{}

func (discardChannel) Send(context.Context, string, []byte) error { return nil }

func (discardChannel) Subscribe(context.Context, string, string, channel.Handler) error { return nil }

func (discardChannel) Close() error { return nil }

// recordingProjector remembers applied event ids.
type recordingProjector struct {
	mu      sync.Mutex
	applied []event.Event
}

func (p *recordingProjector) Apply(_ context.Context, evt event.Event) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, evt)
	return true, nil
}

func (p *recordingProjector) events() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.applied...)
}

type harness struct {
	store     *sqlite.Store
	ingress   *Ingress
	machine   *Machine
	projector *recordingProjector
}

// newHarness wires the stage machine over a temp SQLite log. A nil policy
// leaves the machine without an authz checker.
func newHarness(t *testing.T, policy *authz.Policy) *harness {
	t.Helper()
	return newHarnessWith(t, policy, DefaultExecutors())
}

func newHarnessWith(t *testing.T, policy *authz.Policy, executors map[command.Key]Executor) *harness {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := start
	store, err := sqlite.OpenEvents(filepath.Join(t.TempDir(), "events.sqlite"), sqlite.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	if err != nil {
		t.Fatalf("open events store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pub, err := publisher.New(publisher.Config{Events: store, Outbox: store, Channel: discardChannel{}})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	cat, err := catalog.New()
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	registry, err := NewRegistry(executors)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ingress, err := NewIngress(IngressConfig{Events: store, Publisher: pub})
	if err != nil {
		t.Fatalf("new ingress: %v", err)
	}
	projector := &recordingProjector{}
	cfg := Config{
		Catalog:   cat,
		Registry:  registry,
		Events:    store,
		Publisher: pub,
		Projector: projector,
	}
	if policy != nil {
		cfg.Authz = policy
	}
	machine, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return &harness{store: store, ingress: ingress, machine: machine, projector: projector}
}

func openPolicy(t *testing.T, file authz.PolicyFile) *authz.Policy {
	t.Helper()
	policy, err := authz.NewPolicy(file, authz.Options{})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	return policy
}

// run accepts cmd and drives it through every stage, returning the terminal
// event.
func (h *harness) run(t *testing.T, cmd command.Command) event.Event {
	t.Helper()
	ctx := context.Background()
	accepted, err := h.ingress.Accept(ctx, cmd)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	requested, err := h.store.GetEvent(ctx, accepted.EventID)
	if err != nil {
		t.Fatalf("get requested: %v", err)
	}
	if err := h.machine.HandleRequested(ctx, requested); err != nil {
		t.Fatalf("handle requested: %v", err)
	}
	next := h.followUp(t, requested.ID)
	if next.Type.Stage() != event.StageValidated {
		return next
	}
	if err := h.machine.HandleValidated(ctx, next); err != nil {
		t.Fatalf("handle validated: %v", err)
	}
	return h.followUp(t, next.ID)
}

func (h *harness) followUp(t *testing.T, causationID string) event.Event {
	t.Helper()
	evt, err := h.store.FindByCausation(context.Background(), causationID)
	if err != nil {
		t.Fatalf("find follow-up of %s: %v", causationID, err)
	}
	return evt
}

func (h *harness) noFollowUp(t *testing.T, causationID string) {
	t.Helper()
	_, err := h.store.FindByCausation(context.Background(), causationID)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no follow-up of %s, got %v", causationID, err)
	}
}

func decodeFailure(t *testing.T, evt event.Event) event.Failure {
	t.Helper()
	if evt.Type.Stage() != event.StageFailed {
		t.Fatalf("expected failed event, got %s", evt.Type)
	}
	var failure event.Failure
	if err := json.Unmarshal(evt.PayloadJSON, &failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	return failure
}

func taskCreate(userID, requestID, data string) command.Command {
	return command.Command{
		AggregateType: "task",
		Verb:          "create",
		Data:          json.RawMessage(data),
		UserID:        userID,
		RequestID:     requestID,
	}
}
