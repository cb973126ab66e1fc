package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	LSP *service.LSPService
}

type healthResponse struct {
	Status    string `json:"status"`
	Workspace string `json:"workspace"`
	Languages int    `json:"languages"`
}

// Health reports liveness. It never starts a server.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Workspace: h.LSP.Workspace(),
		Languages: len(h.LSP.Languages()),
	})
}

// ListServers handles GET /api/v1/lsp/servers
func (h *Handlers) ListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.LSP.Status())
}

// RestartServer handles POST /api/v1/lsp/servers/{language}/restart
func (h *Handlers) RestartServer(w http.ResponseWriter, r *http.Request) {
	language := chi.URLParam(r, "language")
	inst, err := h.LSP.Restart(r.Context(), language)
	if err != nil {
		writeLSPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Info())
}

// SearchSymbols handles GET /api/v1/lsp/symbols?q=&language=&file=
// The file parameter may repeat to scope the search to those files.
func (h *Handlers) SearchSymbols(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	files := q["file"]
	language := q.Get("language")
	if language == "" && len(files) == 0 {
		writeError(w, http.StatusBadRequest, "language or file is required")
		return
	}

	result, err := h.LSP.SearchSymbols(r.Context(), q.Get("q"), language, files...)
	if err != nil {
		writeLSPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DocumentSymbols handles GET /api/v1/lsp/document-symbols?path=
func (h *Handlers) DocumentSymbols(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !requireField(w, path, "path") {
		return
	}
	result, err := h.LSP.DocumentSymbols(r.Context(), path)
	if err != nil {
		writeLSPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type referencesRequest struct {
	Path               string             `json:"path"`
	Position           lspDomain.Position `json:"position"`
	IncludeDeclaration bool               `json:"include_declaration"`
}

// FindReferences handles POST /api/v1/lsp/references
func (h *Handlers) FindReferences(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[referencesRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, req.Path, "path") {
		return
	}
	if req.Position.Line < 0 || req.Position.Character < 0 {
		writeError(w, http.StatusBadRequest, "position must not be negative")
		return
	}

	result, err := h.LSP.FindReferences(r.Context(), req.Path, req.Position, req.IncludeDeclaration)
	if err != nil {
		writeLSPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
