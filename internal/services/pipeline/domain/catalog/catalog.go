// Package catalog assembles the immutable description of every command the
// pipeline accepts: the payload each of its events carries and the JSON
// Schema its requested data must satisfy.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/document"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/relation"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/task"
)

// Entry describes one command key.
type Entry struct {
	Key command.Key
	// Request builds the payload of the requested and validated events.
	Request func() event.Payload
	// Snapshot builds the payload of the completed event.
	Snapshot func() event.Payload
	// Schemas and SchemaFile locate the JSON Schema for the requested data.
	Schemas    fs.FS
	SchemaFile string
}

// Entries lists the built-in command entries, one per known key.
func Entries() []Entry {
	return []Entry{
		{command.TaskCreate, func() event.Payload { return &task.CreatePayload{} }, func() event.Payload { return &task.Task{} }, task.Schemas, "schemas/create.json"},
		{command.TaskUpdate, func() event.Payload { return &task.UpdatePayload{} }, func() event.Payload { return &task.Task{} }, task.Schemas, "schemas/update.json"},
		{command.TaskDelete, func() event.Payload { return &task.DeletePayload{} }, func() event.Payload { return &task.Task{} }, task.Schemas, "schemas/delete.json"},
		{command.DocumentCreate, func() event.Payload { return &document.CreatePayload{} }, func() event.Payload { return &document.Document{} }, document.Schemas, "schemas/create.json"},
		{command.DocumentUpdate, func() event.Payload { return &document.UpdatePayload{} }, func() event.Payload { return &document.Document{} }, document.Schemas, "schemas/update.json"},
		{command.DocumentDelete, func() event.Payload { return &document.DeletePayload{} }, func() event.Payload { return &document.Document{} }, document.Schemas, "schemas/delete.json"},
		{command.RelationCreate, func() event.Payload { return &relation.CreatePayload{} }, func() event.Payload { return &relation.Relation{} }, relation.Schemas, "schemas/create.json"},
		{command.RelationDelete, func() event.Payload { return &relation.DeletePayload{} }, func() event.Payload { return &relation.Relation{} }, relation.Schemas, "schemas/delete.json"},
	}
}

// Catalog is the frozen result of compiling entries. It is safe for
// concurrent use.
type Catalog struct {
	events  *event.Registry
	schemas map[command.Key]*jsonschema.Schema
	keys    []command.Key
}

// New compiles the built-in entries.
func New() (*Catalog, error) {
	return Build(Entries())
}

// Build compiles entries. Every entry must name a known key and every known
// key must have exactly one entry.
func Build(entries []Entry) (*Catalog, error) {
	builder := event.NewRegistryBuilder()
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	schemas := make(map[command.Key]*jsonschema.Schema, len(entries))
	keys := make([]command.Key, 0, len(entries))

	for _, entry := range entries {
		if !entry.Key.Known() {
			return nil, fmt.Errorf("%w: %s", command.ErrUnknownKey, entry.Key)
		}
		if _, ok := schemas[entry.Key]; ok {
			return nil, fmt.Errorf("duplicate catalog entry for %s", entry.Key)
		}
		failure := func() event.Payload { return &event.Failure{} }
		builder.
			Register(entry.Key.EventType(event.StageRequested), entry.Request).
			Register(entry.Key.EventType(event.StageValidated), entry.Request).
			Register(entry.Key.EventType(event.StageCompleted), entry.Snapshot).
			Register(entry.Key.EventType(event.StageFailed), failure)

		raw, err := fs.ReadFile(entry.Schemas, entry.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", entry.Key, err)
		}
		url := "mem://causeway/" + entry.Key.String() + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", entry.Key, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", entry.Key, err)
		}
		schemas[entry.Key] = schema
		keys = append(keys, entry.Key)
	}
	for _, key := range command.Keys() {
		if _, ok := schemas[key]; !ok {
			return nil, fmt.Errorf("catalog is missing an entry for %s", key)
		}
	}

	registry, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return &Catalog{events: registry, schemas: schemas, keys: keys}, nil
}

// Events returns the payload registry for every stage of every key.
func (c *Catalog) Events() *event.Registry {
	return c.events
}

// Keys returns the keys in registration order.
func (c *Catalog) Keys() []command.Key {
	out := make([]command.Key, len(c.keys))
	copy(out, c.keys)
	return out
}

// ValidateSchema checks requested data against the key's JSON Schema.
func (c *Catalog) ValidateSchema(key command.Key, data json.RawMessage) error {
	schema, ok := c.schemas[key]
	if !ok {
		return fmt.Errorf("%w: %s", command.ErrUnknownKey, key)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
