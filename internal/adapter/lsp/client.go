// Package lsp is a Language Server Protocol client core: Content-Length
// framing over stdio, request correlation with per-request timeouts, and
// supervision of one server process per language.
package lsp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

// WorkspaceSymbols runs workspace/symbol for query.
func (i *Instance) WorkspaceSymbols(ctx context.Context, query string) ([]lspDomain.SymbolRecord, error) {
	if !i.Capabilities().WorkspaceSymbol && i.State().Serving() {
		return nil, notAdvertised(MethodWorkspaceSymbol, "workspaceSymbolProvider")
	}
	raw, err := i.call(ctx, MethodWorkspaceSymbol, workspaceSymbolParams{Query: query})
	if err != nil {
		return nil, err
	}
	return parseWorkspaceSymbols(raw)
}

// DocumentSymbols returns every symbol declared in path, flattened.
// The document must be open; see OpenDocument.
func (i *Instance) DocumentSymbols(ctx context.Context, path string) ([]lspDomain.SymbolRecord, error) {
	if !i.Capabilities().DocumentSymbol && i.State().Serving() {
		return nil, notAdvertised(MethodDocumentSymbol, "documentSymbolProvider")
	}
	params := documentSymbolParams{TextDocument: textDocumentIdentifier{URI: PathToURI(path)}}
	raw, err := i.call(ctx, MethodDocumentSymbol, params)
	if err != nil {
		return nil, err
	}
	return parseDocumentSymbols(raw, path)
}

// References returns every reference to the symbol at pos in path.
func (i *Instance) References(ctx context.Context, path string, pos lspDomain.Position, includeDeclaration bool) ([]lspDomain.Location, error) {
	if !i.Capabilities().References && i.State().Serving() {
		return nil, notAdvertised(MethodReferences, "referencesProvider")
	}
	params := referenceParams{
		TextDocument: textDocumentIdentifier{URI: PathToURI(path)},
		Position:     pos,
		Context:      referenceContext{IncludeDeclaration: includeDeclaration},
	}
	raw, err := i.call(ctx, MethodReferences, params)
	if err != nil {
		return nil, err
	}
	return parseLocations(raw)
}

// OpenDocument announces path to the server with didOpen. Opens are
// reference counted; only the first sends a notification.
func (i *Instance) OpenDocument(_ context.Context, path string) error {
	i.docMu.Lock()
	defer i.docMu.Unlock()

	if i.openDocs[path] > 0 {
		i.openDocs[path]++
		return nil
	}

	content, err := os.ReadFile(path) //nolint:gosec // path inside the workspace
	if err != nil {
		return fmt.Errorf("open document %s: %w", filepath.Base(path), err)
	}
	err = i.notify(MethodDidOpen, didOpenParams{TextDocument: textDocumentItem{
		URI:        PathToURI(path),
		LanguageID: languageIDForPath(i.desc.Language, path),
		Version:    1,
		Text:       string(content),
	}})
	if err != nil {
		return err
	}
	i.openDocs[path] = 1
	return nil
}

// CloseDocument releases one OpenDocument. The last release sends didClose.
func (i *Instance) CloseDocument(path string) error {
	i.docMu.Lock()
	defer i.docMu.Unlock()

	n := i.openDocs[path]
	switch {
	case n == 0:
		return nil
	case n > 1:
		i.openDocs[path] = n - 1
		return nil
	}
	delete(i.openDocs, path)
	return i.notify(MethodDidClose, didCloseParams{TextDocument: textDocumentIdentifier{URI: PathToURI(path)}})
}

// OpenDocuments returns how many distinct documents are open.
func (i *Instance) OpenDocuments() int {
	i.docMu.Lock()
	defer i.docMu.Unlock()
	return len(i.openDocs)
}

func (i *Instance) resetDocs() {
	i.docMu.Lock()
	defer i.docMu.Unlock()
	i.openDocs = make(map[string]int)
}

func notAdvertised(method, provider string) error {
	return &lspDomain.ProtocolError{
		Method:  method,
		Code:    lspDomain.CodeMethodNotFound,
		Message: "server does not advertise " + provider,
	}
}
