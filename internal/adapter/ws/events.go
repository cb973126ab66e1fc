package ws

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/port/broadcast"
)

// BroadcastEvent marshals a typed event and broadcasts it. Lifecycle events
// only reach clients subscribed to their language (or to all languages).
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var language string
	switch ev := payload.(type) {
	case lsp.LifecycleEvent:
		language = ev.Language
	case *lsp.LifecycleEvent:
		language = ev.Language
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	}, language)
}

var _ broadcast.Broadcaster = (*Hub)(nil)
