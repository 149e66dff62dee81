package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTypeUnknown indicates an event type with no registered payload.
	ErrTypeUnknown = errors.New("event type is not registered")
	// ErrTypeDuplicate indicates a second registration of the same type.
	ErrTypeDuplicate = errors.New("event type already registered")
)

// Payload is implemented by every typed event payload.
type Payload interface {
	Validate() error
}

// Failure is the payload of every <noun>.<verb>.failed event.
type Failure struct {
	// Code is VALIDATION_FAILED or EXECUTOR_FAILED.
	Code string `json:"code"`
	// Reason is a human-readable explanation.
	Reason string `json:"reason"`
	// Cause is an optional finer-grained code, e.g. PERMISSION_DENIED.
	Cause string `json:"cause,omitempty"`
}

// Validate implements Payload.
func (f Failure) Validate() error {
	if f.Code == "" {
		return errors.New("failure code is required")
	}
	return nil
}

// Registry maps each event type to the concrete payload it carries. It is
// built once at start-up and read-only afterwards.
type Registry struct {
	factories map[Type]func() Payload
}

// RegistryBuilder accumulates payload registrations.
type RegistryBuilder struct {
	factories map[Type]func() Payload
	err       error
}

// NewRegistryBuilder starts an empty registration set.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{factories: make(map[Type]func() Payload)}
}

// Register binds a payload factory to an event type. The factory must return
// a pointer so the registry can decode into it.
func (b *RegistryBuilder) Register(t Type, factory func() Payload) *RegistryBuilder {
	if b.err != nil {
		return b
	}
	if _, _, _, err := t.Parts(); err != nil {
		b.err = err
		return b
	}
	if factory == nil {
		b.err = fmt.Errorf("payload factory is required for %s", t)
		return b
	}
	if _, ok := b.factories[t]; ok {
		b.err = fmt.Errorf("%w: %s", ErrTypeDuplicate, t)
		return b
	}
	b.factories[t] = factory
	return b
}

// Build freezes the registrations.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	factories := make(map[Type]func() Payload, len(b.factories))
	for t, f := range b.factories {
		factories[t] = f
	}
	return &Registry{factories: factories}, nil
}

// Has reports whether t is registered.
func (r *Registry) Has(t Type) bool {
	_, ok := r.factories[t]
	return ok
}

// Decode strictly decodes raw into the payload registered for t and
// validates it. Unknown fields are rejected.
func (r *Registry) Decode(t Type, raw json.RawMessage) (Payload, error) {
	factory, ok := r.factories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeUnknown, t)
	}
	payload := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s payload: %w", t, err)
	}
	return payload, nil
}

// Marshal encodes a payload after validating it.
func Marshal(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
