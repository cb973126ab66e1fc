package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the API below /api/v1 on r. events, when non-nil,
// serves the lifecycle event stream at /ws.
func MountRoutes(r chi.Router, h *Handlers, events http.HandlerFunc) {
	r.Get("/health", h.Health)
	if events != nil {
		r.Get("/ws", events)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/lsp", func(r chi.Router) {
			r.Get("/servers", h.ListServers)
			r.Post("/servers/{language}/restart", h.RestartServer)
			r.Get("/symbols", h.SearchSymbols)
			r.Get("/document-symbols", h.DocumentSymbols)
			r.Post("/references", h.FindReferences)
		})
	})
}
