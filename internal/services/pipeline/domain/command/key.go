package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
)

// ErrUnknownKey indicates an (aggregate type, verb) pair outside the closed set.
var ErrUnknownKey = errors.New("unknown command key")

// AggregateType names a kind of aggregate.
type AggregateType string

const (
	AggregateTask     AggregateType = "task"
	AggregateDocument AggregateType = "document"
	AggregateRelation AggregateType = "relation"
)

// Verb names an operation on an aggregate.
type Verb string

const (
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

// Key identifies one executable command.
type Key struct {
	AggregateType AggregateType
	Verb          Verb
}

// Known keys. Relations are immutable once created, so there is no update.
var (
	TaskCreate     = Key{AggregateTask, VerbCreate}
	TaskUpdate     = Key{AggregateTask, VerbUpdate}
	TaskDelete     = Key{AggregateTask, VerbDelete}
	DocumentCreate = Key{AggregateDocument, VerbCreate}
	DocumentUpdate = Key{AggregateDocument, VerbUpdate}
	DocumentDelete = Key{AggregateDocument, VerbDelete}
	RelationCreate = Key{AggregateRelation, VerbCreate}
	RelationDelete = Key{AggregateRelation, VerbDelete}
)

var allKeys = []Key{
	TaskCreate, TaskUpdate, TaskDelete,
	DocumentCreate, DocumentUpdate, DocumentDelete,
	RelationCreate, RelationDelete,
}

// Keys returns every known key in a stable order.
func Keys() []Key {
	out := make([]Key, len(allKeys))
	copy(out, allKeys)
	return out
}

// ParseKey resolves raw strings to a known key.
func ParseKey(aggregateType, verb string) (Key, error) {
	key := Key{
		AggregateType: AggregateType(strings.ToLower(strings.TrimSpace(aggregateType))),
		Verb:          Verb(strings.ToLower(strings.TrimSpace(verb))),
	}
	if !key.Known() {
		return Key{}, fmt.Errorf("%w: %s.%s", ErrUnknownKey, aggregateType, verb)
	}
	return key, nil
}

// KeyOf extracts the key from an event type.
func KeyOf(t event.Type) (Key, event.Stage, error) {
	noun, verb, stage, err := t.Parts()
	if err != nil {
		return Key{}, "", err
	}
	key, err := ParseKey(noun, verb)
	if err != nil {
		return Key{}, "", err
	}
	return key, stage, nil
}

// Known reports whether k is in the closed set.
func (k Key) Known() bool {
	for _, known := range allKeys {
		if k == known {
			return true
		}
	}
	return false
}

// EventType returns the event type of this key at the given stage.
func (k Key) EventType(stage event.Stage) event.Type {
	return event.NewType(string(k.AggregateType), string(k.Verb), stage)
}

// String renders the key as "<aggregateType>.<verb>".
func (k Key) String() string {
	return string(k.AggregateType) + "." + string(k.Verb)
}
