package lsp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

// Methods used by the core. Everything else the server offers is ignored.
const (
	MethodInitialize             = "initialize"
	MethodInitialized            = "initialized"
	MethodShutdown               = "shutdown"
	MethodExit                   = "exit"
	MethodWorkspaceSymbol        = "workspace/symbol"
	MethodDocumentSymbol         = "textDocument/documentSymbol"
	MethodReferences             = "textDocument/references"
	MethodDidOpen                = "textDocument/didOpen"
	MethodDidClose               = "textDocument/didClose"
	MethodCancelRequest          = "$/cancelRequest"
	MethodLogMessage             = "window/logMessage"
	MethodShowMessage            = "window/showMessage"
	MethodWorkspaceConfiguration = "workspace/configuration"
)

type cancelParams struct {
	ID int64 `json:"id"`
}

type configurationParams struct {
	Items []json.RawMessage `json:"items"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type didCloseParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

type workspaceSymbolParams struct {
	Query string `json:"query"`
}

type documentSymbolParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

type referenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

type referenceParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     lspDomain.Position     `json:"position"`
	Context      referenceContext       `json:"context"`
}

type logMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

type wireLocation struct {
	URI   string          `json:"uri"`
	Range lspDomain.Range `json:"range"`
}

// wireSymbol covers SymbolInformation and WorkspaceSymbol; the latter may
// omit the range.
type wireSymbol struct {
	Name          string               `json:"name"`
	Kind          lspDomain.SymbolKind `json:"kind"`
	ContainerName string               `json:"containerName"`
	Location      wireLocation         `json:"location"`
}

// wireDocumentSymbol is the hierarchical documentSymbol form.
type wireDocumentSymbol struct {
	Name           string               `json:"name"`
	Detail         string               `json:"detail"`
	Kind           lspDomain.SymbolKind `json:"kind"`
	Range          lspDomain.Range      `json:"range"`
	SelectionRange lspDomain.Range      `json:"selectionRange"`
	Children       []wireDocumentSymbol `json:"children"`
	// Present only when the server answered with SymbolInformation.
	Location *wireLocation `json:"location"`
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// parseWorkspaceSymbols converts a workspace/symbol result to records.
// Symbols whose location is not a file URI are skipped.
func parseWorkspaceSymbols(raw json.RawMessage) ([]lspDomain.SymbolRecord, error) {
	if isNull(raw) {
		return nil, nil
	}
	var wire []wireSymbol
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal workspace symbols: %w", err)
	}
	out := make([]lspDomain.SymbolRecord, 0, len(wire))
	for _, s := range wire {
		path, ok := URIToPath(s.Location.URI)
		if !ok {
			continue
		}
		out = append(out, lspDomain.SymbolRecord{
			Name:          s.Name,
			Kind:          s.Kind,
			Path:          path,
			Range:         s.Location.Range,
			ContainerName: s.ContainerName,
		})
	}
	return out, nil
}

// parseDocumentSymbols accepts both the flat SymbolInformation form and the
// hierarchical DocumentSymbol form, flattening the latter depth-first.
func parseDocumentSymbols(raw json.RawMessage, path string) ([]lspDomain.SymbolRecord, error) {
	if isNull(raw) {
		return nil, nil
	}
	var wire []wireDocumentSymbol
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal document symbols: %w", err)
	}
	var out []lspDomain.SymbolRecord
	var walk func(syms []wireDocumentSymbol, container string)
	walk = func(syms []wireDocumentSymbol, container string) {
		for _, s := range syms {
			rec := lspDomain.SymbolRecord{
				Name:          s.Name,
				Kind:          s.Kind,
				Path:          path,
				Range:         s.SelectionRange,
				Detail:        s.Detail,
				ContainerName: container,
			}
			if s.Location != nil {
				rec.Range = s.Location.Range
				if p, ok := URIToPath(s.Location.URI); ok {
					rec.Path = p
				}
			} else if rec.Range == (lspDomain.Range{}) {
				rec.Range = s.Range
			}
			out = append(out, rec)
			walk(s.Children, s.Name)
		}
	}
	walk(wire, "")
	return out, nil
}

func parseLocations(raw json.RawMessage) ([]lspDomain.Location, error) {
	if isNull(raw) {
		return nil, nil
	}
	var wire []wireLocation
	if err := json.Unmarshal(raw, &wire); err != nil {
		var single wireLocation
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("unmarshal locations: %w", err)
		}
		wire = []wireLocation{single}
	}
	out := make([]lspDomain.Location, 0, len(wire))
	for _, l := range wire {
		path, ok := URIToPath(l.URI)
		if !ok {
			continue
		}
		out = append(out, lspDomain.Location{Path: path, Range: l.Range})
	}
	return out, nil
}

// PathToURI converts an absolute file path to a file:// URI.
func PathToURI(path string) string {
	p := filepath.ToSlash(path)
	if runtime.GOOS == "windows" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// URIToPath converts a file:// URI to a native path.
func URIToPath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	p := u.Path
	if runtime.GOOS == "windows" && len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p), true
}

// languageIDForPath returns the textDocument languageId for a file of the
// given language. JSX and TSX have their own ids.
func languageIDForPath(language, path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return "typescriptreact"
	case ".jsx":
		return "javascriptreact"
	}
	return language
}
