package command

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
)

func TestParseKey(t *testing.T) {
	key, err := ParseKey(" Task ", "CREATE")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if key != TaskCreate {
		t.Fatalf("unexpected key %v", key)
	}
	if _, err := ParseKey("relation", "update"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey for relation.update, got %v", err)
	}
	if _, err := ParseKey("project", "create"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey for project.create, got %v", err)
	}
}

func TestKeyOfEventType(t *testing.T) {
	key, stage, err := KeyOf("document.delete.validated")
	if err != nil {
		t.Fatalf("key of: %v", err)
	}
	if key != DocumentDelete || stage != event.StageValidated {
		t.Fatalf("unexpected key %v stage %s", key, stage)
	}
	if key.EventType(event.StageFailed) != "document.delete.failed" {
		t.Fatalf("unexpected event type %s", key.EventType(event.StageFailed))
	}
}

func TestKeysAreStableCopies(t *testing.T) {
	keys := Keys()
	if len(keys) != 8 {
		t.Fatalf("expected 8 keys, got %d", len(keys))
	}
	keys[0] = Key{}
	if Keys()[0] != TaskCreate {
		t.Fatal("expected Keys to return a copy")
	}
}

func TestCommandNormalize(t *testing.T) {
	cmd, key, err := Command{
		AggregateType: "task",
		Verb:          "create",
		Data:          json.RawMessage(`{"title":"Buy milk"}`),
		UserID:        " u1 ",
		RequestID:     "r1",
	}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if key != TaskCreate || cmd.UserID != "u1" {
		t.Fatalf("unexpected normalized command %+v", cmd)
	}
}

func TestCommandNormalizeRejects(t *testing.T) {
	base := Command{AggregateType: "task", Verb: "update", AggregateID: "t1", UserID: "u1", RequestID: "r1"}
	tests := []struct {
		name   string
		mutate func(*Command)
		want   error
	}{
		{"unknown key", func(c *Command) { c.Verb = "archive" }, ErrUnknownKey},
		{"missing user", func(c *Command) { c.UserID = "" }, ErrUserIDRequired},
		{"missing request", func(c *Command) { c.RequestID = " " }, ErrRequestIDRequired},
		{"update without target", func(c *Command) { c.AggregateID = "" }, ErrAggregateIDRequired},
		{"non-object data", func(c *Command) { c.Data = json.RawMessage(`"x"`) }, ErrPayloadInvalid},
		{"null data", func(c *Command) { c.Data = json.RawMessage(`null`) }, ErrPayloadInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := base
			tt.mutate(&cmd)
			if _, _, err := cmd.Normalize(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
