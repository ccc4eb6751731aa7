package extremities

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/khabaznak/alphonse-agent/internal/actions"
)

// WebhookExtremity pushes outbound messages over a persistent
// WebSocket connection for consumers that want duplex delivery instead
// of polling GET /events, built on github.com/gorilla/websocket the
// way internal/homeassistant's WSClient manages its connection, but
// inverted: this side accepts inbound connections rather than dialing
// out.
type WebhookExtremity struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{} // keyed by channel target
}

// NewWebhookExtremity constructs a WebhookExtremity. CheckOrigin is
// left permissive; callers behind the gateway's auth middleware are
// expected to have already authenticated.
func NewWebhookExtremity(logger *slog.Logger) *WebhookExtremity {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookExtremity{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (w *WebhookExtremity) Key() string { return "webhook" }

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it for the channel_target query parameter, pushing every
// outbound message delivered for that target until the connection
// closes. Intended to be mounted on the gateway's mux as
// GET /webhook.
func (w *WebhookExtremity) HandleUpgrade(rw http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("channel_target")
	if target == "" {
		http.Error(rw, "channel_target is required", http.StatusBadRequest)
		return
	}
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("webhook upgrade failed", "error", err)
		return
	}

	w.mu.Lock()
	if w.conns[target] == nil {
		w.conns[target] = make(map[*websocket.Conn]struct{})
	}
	w.conns[target][conn] = struct{}{}
	w.mu.Unlock()

	go w.drainClientCloses(target, conn)
}

// drainClientCloses blocks reading (and discarding) frames from conn
// until the client disconnects, then deregisters it. gorilla/websocket
// requires a reader goroutine to process control frames (ping/pong/close).
func (w *WebhookExtremity) drainClientCloses(target string, conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		delete(w.conns[target], conn)
		w.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Deliver pushes msg as a JSON text frame to every connection
// registered for msg.ChannelTarget.
func (w *WebhookExtremity) Deliver(_ context.Context, msg actions.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		w.logger.Error("failed to marshal webhook outbound message", "error", err)
		return
	}

	w.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(w.conns[msg.ChannelTarget]))
	for c := range w.conns[msg.ChannelTarget] {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			w.logger.Debug("failed to write webhook message, dropping connection", "error", err)
		}
	}
}
