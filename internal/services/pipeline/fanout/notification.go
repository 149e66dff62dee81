package fanout

import (
	"encoding/json"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
)

// Notification statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Notification is the message delivered to subscribers.
type Notification struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// FromEvent builds the notification for a terminal event. ok is false for
// events that do not finish a command.
func FromEvent(evt event.Event) (Notification, bool) {
	var status string
	switch evt.Type.Stage() {
	case event.StageCompleted:
		status = StatusSuccess
	case event.StageFailed:
		status = StatusError
	default:
		return Notification{}, false
	}
	data := evt.PayloadJSON
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return Notification{
		Type:      string(evt.Type),
		Data:      data,
		RequestID: evt.RequestID,
		Status:    status,
		Timestamp: evt.Timestamp.UTC(),
	}, true
}
