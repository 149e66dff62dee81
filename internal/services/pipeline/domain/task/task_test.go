package task

import (
	"errors"
	"testing"
	"time"
)

func TestCreateDefaultsStatus(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	got, err := Create("t1", "u1", at, nil, CreatePayload{Title: " Buy milk "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.Title != "Buy milk" || got.Status != StatusTodo || !got.CreatedAt.Equal(at) {
		t.Fatalf("unexpected task %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("snapshot validate: %v", err)
	}
}

func TestCreateRejectsLiveTask(t *testing.T) {
	live := &Task{ID: "t1", OwnerID: "u1", Title: "x", Status: StatusTodo}
	if _, err := Create("t1", "u1", time.Now(), live, CreatePayload{Title: "y"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	live.Deleted = true
	if _, err := Create("t1", "u1", time.Now(), live, CreatePayload{Title: "y"}); err != nil {
		t.Fatalf("expected deleted id to be reusable, got %v", err)
	}
}

func TestUpdateAppliesPatch(t *testing.T) {
	current := &Task{ID: "t1", OwnerID: "u1", Title: "x", Description: "keep", Status: StatusTodo}
	title := "Buy oat milk"
	status := StatusDone
	got, err := Update(current, UpdatePayload{Title: &title, Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != title || got.Status != StatusDone || got.Description != "keep" {
		t.Fatalf("unexpected task %+v", got)
	}
	if current.Title != "x" {
		t.Fatal("expected current snapshot to be left untouched")
	}
}

func TestUpdateAndDeleteRequireLiveTask(t *testing.T) {
	title := "x"
	if _, err := Update(nil, UpdatePayload{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	deleted := &Task{ID: "t1", Deleted: true}
	if _, err := Delete(deleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPayloadValidation(t *testing.T) {
	bad := Status("blocked")
	empty := " "
	tests := []struct {
		name    string
		payload interface{ Validate() error }
	}{
		{"create without title", CreatePayload{}},
		{"create bad status", CreatePayload{Title: "x", Status: bad}},
		{"empty update", UpdatePayload{}},
		{"blank title update", UpdatePayload{Title: &empty}},
		{"bad status update", UpdatePayload{Status: &bad}},
	}
	for _, tt := range tests {
		if err := tt.payload.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tt.name)
		}
	}
}
