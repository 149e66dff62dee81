package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTypeInvalid indicates a type that is not <noun>.<verb>.<stage>.
	ErrTypeInvalid = errors.New("event type must be <noun>.<verb>.<stage>")
	// ErrAggregateIDRequired indicates a missing aggregate id.
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	// ErrAggregateTypeMismatch indicates the type noun disagrees with the aggregate type.
	ErrAggregateTypeMismatch = errors.New("event type noun must match aggregate type")
	// ErrUserIDRequired indicates a missing owning user.
	ErrUserIDRequired = errors.New("user id is required")
	// ErrSourceInvalid indicates an unknown event source.
	ErrSourceInvalid = errors.New("event source is invalid")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = errors.New("payload json must be a valid object")
)

// Stage is the pipeline stage encoded in the last segment of an event type.
type Stage string

const (
	StageRequested Stage = "requested"
	StageValidated Stage = "validated"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Valid reports whether the stage is one of the four pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageRequested, StageValidated, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Terminal reports whether no further stage follows s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Source identifies what produced an event.
type Source string

const (
	SourceExternalAPI Source = "external-api"
	SourceAutomation  Source = "automation"
	SourceSync        Source = "sync"
	SourceMigration   Source = "migration"
	SourceSystem      Source = "system"
)

// Valid reports whether the source is a known enum value.
func (s Source) Valid() bool {
	switch s {
	case SourceExternalAPI, SourceAutomation, SourceSync, SourceMigration, SourceSystem:
		return true
	}
	return false
}

// Type is a dotted <noun>.<verb>.<stage> event name.
type Type string

// NewType builds an event type from its parts.
func NewType(noun, verb string, stage Stage) Type {
	return Type(noun + "." + verb + "." + string(stage))
}

// Parts splits the type into noun, verb and stage.
func (t Type) Parts() (noun, verb string, stage Stage, err error) {
	parts := strings.Split(string(t), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrTypeInvalid, string(t))
	}
	stage = Stage(parts[2])
	if !stage.Valid() {
		return "", "", "", fmt.Errorf("%w: unknown stage %q", ErrTypeInvalid, parts[2])
	}
	return parts[0], parts[1], stage, nil
}

// Stage returns the stage segment, or "" when the type is malformed.
func (t Type) Stage() Stage {
	_, _, stage, err := t.Parts()
	if err != nil {
		return ""
	}
	return stage
}

// WithStage returns the same noun and verb at another stage.
func (t Type) WithStage(stage Stage) (Type, error) {
	noun, verb, _, err := t.Parts()
	if err != nil {
		return "", err
	}
	return NewType(noun, verb, stage), nil
}

// Event is the canonical event envelope.
//
// ID, Version and Timestamp are assigned by the log when left empty; the
// remaining fields come from the producer.
type Event struct {
	ID            string
	AggregateID   string
	AggregateType string
	Type          Type
	PayloadJSON   json.RawMessage
	UserID        string
	Source        Source
	Version       uint64
	CausationID   string
	CorrelationID string
	RequestID     string
	Timestamp     time.Time

	// ExpectedVersion, when non-zero, is the aggregate version the producer
	// read before appending. The log rejects the append with a concurrency
	// conflict when the aggregate has moved on. It is not persisted.
	ExpectedVersion uint64
}

// Normalize trims identifiers, defaults the source and payload and validates
// the envelope prior to persistence.
func (e Event) Normalize() (Event, error) {
	e.AggregateID = strings.TrimSpace(e.AggregateID)
	e.AggregateType = strings.TrimSpace(e.AggregateType)
	e.UserID = strings.TrimSpace(e.UserID)
	e.CausationID = strings.TrimSpace(e.CausationID)
	e.CorrelationID = strings.TrimSpace(e.CorrelationID)
	e.RequestID = strings.TrimSpace(e.RequestID)
	if e.Source == "" {
		e.Source = SourceSystem
	}
	if len(e.PayloadJSON) == 0 {
		e.PayloadJSON = json.RawMessage(`{}`)
	}

	if e.AggregateID == "" {
		return Event{}, ErrAggregateIDRequired
	}
	if e.UserID == "" {
		return Event{}, ErrUserIDRequired
	}
	if !e.Source.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrSourceInvalid, e.Source)
	}
	noun, _, _, err := e.Type.Parts()
	if err != nil {
		return Event{}, err
	}
	if e.AggregateType == "" {
		e.AggregateType = noun
	}
	if e.AggregateType != noun {
		return Event{}, fmt.Errorf("%w: %s vs %s", ErrAggregateTypeMismatch, noun, e.AggregateType)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.PayloadJSON, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	return e, nil
}

// Next builds the follow-up event for another stage of the same command,
// carrying over aggregate, owner and workflow identifiers and setting the
// causation id to e.
func (e Event) Next(stage Stage, payload json.RawMessage) (Event, error) {
	next, err := e.Type.WithStage(stage)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Type:          next,
		PayloadJSON:   payload,
		UserID:        e.UserID,
		Source:        SourceSystem,
		CausationID:   e.ID,
		CorrelationID: e.CorrelationID,
		RequestID:     e.RequestID,
	}, nil
}
