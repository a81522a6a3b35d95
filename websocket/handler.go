package websocket

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Handler upgrades HTTP requests into hub clients. Authentication, when
// required, belongs to whatever sits in front of the relay.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler builds a handler accepting the given origins. An empty list or
// "*" accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.hub.hasCapacity() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, h.hub.opts.SendBuffer)
	if err := h.hub.Accept(client); err != nil {
		log.WithError(err).Warn("Rejecting connection")
		code := websocket.CloseTryAgainLater
		if errors.Is(err, ErrHubClosed) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
		return
	}

	h.hub.Serve(client)
}
