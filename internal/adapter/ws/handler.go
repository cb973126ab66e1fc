// Package ws implements the WebSocket adapter that streams language server
// lifecycle events to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single write to a slow client.
const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection. A non-empty language restricts
// the connection to events about that language.
type conn struct {
	ws       *websocket.Conn
	cancel   context.CancelFunc
	language string
}

func (c *conn) wants(language string) bool {
	return c.language == "" || language == "" || c.language == language
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		conns:  make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request and serves the connection until the client
// goes away. The optional "language" query parameter filters events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests and non-browser clients are always accepted.
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, language: r.URL.Query().Get("language")}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket connected", "remote", r.RemoteAddr, "language", c.language)

	// Clients only listen; CloseRead consumes control frames and cancels
	// the context once the peer disconnects.
	ctx = ws.CloseRead(ctx)
	<-ctx.Done()

	h.remove(c)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

// Broadcast sends a message to every client interested in language.
// An empty language reaches every client.
func (h *Hub) Broadcast(ctx context.Context, msg Message, language string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !c.wants(language) {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.cancel()
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.logger.Info("websocket disconnected", "language", c.language)
	}
}
