package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/louisbranch/causeway/internal/services/pipeline/observability"
)

const defaultQueueSize = 32

// HubOptions tune a Hub.
type HubOptions struct {
	// QueueSize is the per-session buffer.
	QueueSize int
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Hub tracks live sessions per user.
type Hub struct {
	queueSize int
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

// Session is one live subscriber connection.
type Session struct {
	userID string
	send   chan Notification
	closed bool
}

// UserID returns the session owner.
func (s *Session) UserID() string { return s.userID }

// Messages yields notifications until the session is unregistered.
func (s *Session) Messages() <-chan Notification { return s.send }

// NewHub builds an empty Hub.
func NewHub(opts HubOptions) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		queueSize: opts.QueueSize,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		sessions:  make(map[string]map[*Session]struct{}),
	}
}

// Register opens a session for userID.
func (h *Hub) Register(userID string) *Session {
	s := &Session{userID: userID, send: make(chan Notification, h.queueSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	h.metrics.FanoutSessions(1)
	return s
}

// Unregister closes s. It is safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	delete(h.sessions[s.userID], s)
	if len(h.sessions[s.userID]) == 0 {
		delete(h.sessions, s.userID)
	}
	h.metrics.FanoutSessions(-1)
}

// Notify queues n on every session of userID without blocking and returns
// how many sessions accepted it. Full queues drop the notification.
func (h *Hub) Notify(_ context.Context, userID string, n Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for s := range h.sessions[userID] {
		select {
		case s.send <- n:
			delivered++
			h.metrics.FanoutDelivered()
		default:
			h.metrics.FanoutDropped("queue_full")
			h.logger.Warn("dropping notification for slow session",
				"user_id", userID,
				"event_type", n.Type,
				"request_id", n.RequestID,
			)
		}
	}
	return delivered
}

// Sessions reports the number of live sessions for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}
