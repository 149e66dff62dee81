package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTypeParts(t *testing.T) {
	noun, verb, stage, err := Type("task.create.requested").Parts()
	if err != nil {
		t.Fatalf("parts: %v", err)
	}
	if noun != "task" || verb != "create" || stage != StageRequested {
		t.Fatalf("unexpected parts %s %s %s", noun, verb, stage)
	}

	for _, bad := range []Type{"", "task.create", "task..requested", "task.create.done", "a.b.c.d"} {
		if _, _, _, err := bad.Parts(); !errors.Is(err, ErrTypeInvalid) {
			t.Fatalf("expected ErrTypeInvalid for %q, got %v", bad, err)
		}
	}
}

func TestTypeWithStage(t *testing.T) {
	next, err := Type("document.update.validated").WithStage(StageCompleted)
	if err != nil {
		t.Fatalf("with stage: %v", err)
	}
	if next != "document.update.completed" {
		t.Fatalf("unexpected type %s", next)
	}
	if !next.Stage().Terminal() {
		t.Fatal("expected completed to be terminal")
	}
}

func TestNormalizeDefaultsAndValidates(t *testing.T) {
	evt, err := Event{
		AggregateID: " t1 ",
		Type:        "task.create.requested",
		UserID:      "u1",
	}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if evt.AggregateID != "t1" || evt.AggregateType != "task" {
		t.Fatalf("unexpected aggregate %q/%q", evt.AggregateID, evt.AggregateType)
	}
	if evt.Source != SourceSystem {
		t.Fatalf("expected system source default, got %s", evt.Source)
	}
	if string(evt.PayloadJSON) != "{}" {
		t.Fatalf("expected empty object payload, got %s", evt.PayloadJSON)
	}
}

func TestNormalizeRejects(t *testing.T) {
	base := Event{AggregateID: "t1", Type: "task.create.requested", UserID: "u1"}
	tests := []struct {
		name   string
		mutate func(*Event)
		want   error
	}{
		{"missing aggregate", func(e *Event) { e.AggregateID = " " }, ErrAggregateIDRequired},
		{"missing user", func(e *Event) { e.UserID = "" }, ErrUserIDRequired},
		{"bad source", func(e *Event) { e.Source = "cron" }, ErrSourceInvalid},
		{"bad type", func(e *Event) { e.Type = "task.create" }, ErrTypeInvalid},
		{"noun mismatch", func(e *Event) { e.AggregateType = "document" }, ErrAggregateTypeMismatch},
		{"array payload", func(e *Event) { e.PayloadJSON = json.RawMessage(`[1]`) }, ErrPayloadInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := base
			tt.mutate(&evt)
			if _, err := evt.Normalize(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNextCarriesWorkflowIdentifiers(t *testing.T) {
	parent := Event{
		ID:            "e1",
		AggregateID:   "t1",
		AggregateType: "task",
		Type:          "task.create.requested",
		UserID:        "u1",
		Source:        SourceExternalAPI,
		CorrelationID: "c1",
		RequestID:     "r1",
	}
	next, err := parent.Next(StageValidated, json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Type != "task.create.validated" || next.CausationID != "e1" || next.CorrelationID != "c1" || next.RequestID != "r1" {
		t.Fatalf("unexpected follow-up %+v", next)
	}
	if next.ID != "" || next.Version != 0 {
		t.Fatal("expected follow-up to be unstored")
	}
}

func TestWireRoundTripPreservesMillisecondTimestamp(t *testing.T) {
	evt := Event{
		ID:            "e1",
		AggregateID:   "t1",
		AggregateType: "task",
		Type:          "task.create.completed",
		PayloadJSON:   json.RawMessage(`{"id":"t1"}`),
		UserID:        "u1",
		Source:        SourceSystem,
		Version:       3,
		CausationID:   "e0",
		CorrelationID: "c1",
		RequestID:     "r1",
		Timestamp:     time.Date(2025, 1, 2, 3, 4, 5, 678_000_000, time.UTC),
	}
	raw, err := Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["timestamp"] != "2025-01-02T03:04:05.678Z" {
		t.Fatalf("unexpected wire timestamp %v", fields["timestamp"])
	}
	if fields["aggregateId"] != "t1" {
		t.Fatalf("unexpected aggregateId %v", fields["aggregateId"])
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Timestamp.Equal(evt.Timestamp) || got.Version != 3 || got.CausationID != "e0" {
		t.Fatalf("unexpected decoded event %+v", got)
	}
}

func TestEncodeRejectsUnstoredEvent(t *testing.T) {
	if _, err := Encode(Event{Type: "task.create.requested"}); err == nil {
		t.Fatal("expected error for unstored event")
	}
}

type titlePayload struct {
	Title string `json:"title"`
}

func (p titlePayload) Validate() error {
	if p.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

func TestRegistryDecodesTaggedPayloads(t *testing.T) {
	registry, err := NewRegistryBuilder().
		Register("task.create.requested", func() Payload { return &titlePayload{} }).
		Register("task.create.failed", func() Payload { return &Failure{} }).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	payload, err := registry.Decode("task.create.requested", json.RawMessage(`{"title":"Buy milk"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := payload.(*titlePayload).Title; got != "Buy milk" {
		t.Fatalf("unexpected title %q", got)
	}

	if _, err := registry.Decode("task.create.requested", json.RawMessage(`{"title":"x","extra":1}`)); err == nil {
		t.Fatal("expected unknown field rejection")
	}
	if _, err := registry.Decode("task.create.requested", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected validation failure")
	}
	if _, err := registry.Decode("task.delete.requested", json.RawMessage(`{}`)); !errors.Is(err, ErrTypeUnknown) {
		t.Fatalf("expected ErrTypeUnknown, got %v", err)
	}
}

func TestRegistryBuilderRejectsDuplicates(t *testing.T) {
	_, err := NewRegistryBuilder().
		Register("task.create.failed", func() Payload { return &Failure{} }).
		Register("task.create.failed", func() Payload { return &Failure{} }).
		Build()
	if !errors.Is(err, ErrTypeDuplicate) {
		t.Fatalf("expected ErrTypeDuplicate, got %v", err)
	}
}
