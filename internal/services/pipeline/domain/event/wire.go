package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireTimeLayout is the ISO-8601 layout used on the wire, at millisecond
// precision to match the log.
const WireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is the JSON shape relayed through the message channel.
type Message struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	UserID        string          `json:"userId"`
	Version       uint64          `json:"version"`
	Timestamp     string          `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	Source        Source          `json:"source,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
}

// Encode serializes a stored event into its wire message.
func Encode(evt Event) ([]byte, error) {
	if evt.ID == "" || evt.Version == 0 {
		return nil, fmt.Errorf("encode event: only stored events can be relayed")
	}
	data := evt.PayloadJSON
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return json.Marshal(Message{
		ID:            evt.ID,
		Type:          evt.Type,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		UserID:        evt.UserID,
		Version:       evt.Version,
		Timestamp:     evt.Timestamp.UTC().Format(WireTimeLayout),
		Data:          data,
		Source:        evt.Source,
		CausationID:   evt.CausationID,
		CorrelationID: evt.CorrelationID,
		RequestID:     evt.RequestID,
	})
}

// Decode parses a wire message back into an event.
func Decode(raw []byte) (Event, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if msg.ID == "" {
		return Event{}, fmt.Errorf("decode event: id is required")
	}
	if _, _, _, err := msg.Type.Parts(); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("decode event timestamp: %w", err)
	}
	return Event{
		ID:            msg.ID,
		AggregateID:   msg.AggregateID,
		AggregateType: msg.AggregateType,
		Type:          msg.Type,
		PayloadJSON:   msg.Data,
		UserID:        msg.UserID,
		Source:        msg.Source,
		Version:       msg.Version,
		CausationID:   msg.CausationID,
		CorrelationID: msg.CorrelationID,
		RequestID:     msg.RequestID,
		Timestamp:     ts.UTC(),
	}, nil
}
