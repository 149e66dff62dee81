package command

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrUserIDRequired indicates a command without an issuing user.
	ErrUserIDRequired = errors.New("user id is required")
	// ErrRequestIDRequired indicates a command without an idempotency key.
	ErrRequestIDRequired = errors.New("request id is required")
	// ErrAggregateIDRequired indicates an update or delete without a target.
	ErrAggregateIDRequired = errors.New("aggregate id is required for update and delete")
	// ErrPayloadInvalid indicates data that is not a JSON object.
	ErrPayloadInvalid = errors.New("command data must be a json object")
)

// Command is the envelope accepted from the transport layer.
type Command struct {
	AggregateType string          `json:"aggregateType"`
	Verb          string          `json:"verb"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	Data          json.RawMessage `json:"data"`
	UserID        string          `json:"userId"`
	RequestID     string          `json:"requestId"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Normalize trims identifiers, resolves the key and checks envelope-level
// requirements. Payload contents are checked later by the stage machine.
func (c Command) Normalize() (Command, Key, error) {
	c.AggregateID = strings.TrimSpace(c.AggregateID)
	c.UserID = strings.TrimSpace(c.UserID)
	c.RequestID = strings.TrimSpace(c.RequestID)
	c.CorrelationID = strings.TrimSpace(c.CorrelationID)

	key, err := ParseKey(c.AggregateType, c.Verb)
	if err != nil {
		return Command{}, Key{}, err
	}
	c.AggregateType = string(key.AggregateType)
	c.Verb = string(key.Verb)

	if c.UserID == "" {
		return Command{}, Key{}, ErrUserIDRequired
	}
	if c.RequestID == "" {
		return Command{}, Key{}, ErrRequestIDRequired
	}
	if key.Verb != VerbCreate && c.AggregateID == "" {
		return Command{}, Key{}, ErrAggregateIDRequired
	}
	if len(c.Data) == 0 {
		c.Data = json.RawMessage(`{}`)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Data, &fields); err != nil || fields == nil {
		return Command{}, Key{}, ErrPayloadInvalid
	}
	return c, key, nil
}
