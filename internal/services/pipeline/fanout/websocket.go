package fanout

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/causeway/internal/platform/timeouts"
)

// SubscribePath is where Handler is mounted.
const SubscribePath = "/v1/subscribe"

const (
	pingInterval = 30 * time.Second
	readLimit    = 4096
)

// Handler upgrades authenticated requests to websocket sessions.
type Handler struct {
	hub      *Hub
	verifier *TokenVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the subscribe endpoint.
func NewHandler(hub *Hub, verifier *TokenVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Subscribers authenticate with a token rather than cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	userID, err := h.verifier.Verify(raw)
	if err != nil {
		if !errors.Is(err, ErrTokenMissing) {
			h.logger.Info("rejecting subscriber", "error", err)
		}
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	session := h.hub.Register(userID)
	h.logger.Debug("subscriber connected", "user_id", userID)

	go h.write(conn, session)
	h.read(conn)

	h.hub.Unregister(session)
	h.logger.Debug("subscriber disconnected", "user_id", userID)
}

// read drains client frames until the connection closes. Clients only send
// control frames.
func (h *Handler) read(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case n, ok := <-session.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(timeouts.WebsocketWrite))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				h.logger.Debug("subscriber write failed", "user_id", session.UserID(), "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(timeouts.WebsocketWrite))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
