// Package broadcast defines the port for fanning lifecycle events out to
// external listeners (WebSocket clients, message bus subscribers).
package broadcast

import "context"

// Event types published through a Broadcaster.
const (
	EventLSPLifecycle = "lsp.lifecycle"
)

// Broadcaster delivers events to external listeners. Delivery is best
// effort; implementations log failures instead of returning them.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all interested listeners.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
