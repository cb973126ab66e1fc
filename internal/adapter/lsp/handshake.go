package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

type clientInfo struct {
	Name string `json:"name"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type initializeParams struct {
	ProcessID             int               `json:"processId"`
	ClientInfo            clientInfo        `json:"clientInfo"`
	RootURI               string            `json:"rootUri"`
	RootPath              string            `json:"rootPath"`
	WorkspaceFolders      []workspaceFolder `json:"workspaceFolders"`
	Capabilities          map[string]any    `json:"capabilities"`
	InitializationOptions map[string]any    `json:"initializationOptions,omitempty"`
}

// serverCapabilities holds the provider flags the core inspects. Each may be
// a boolean or an options object; any object counts as support.
type serverCapabilities struct {
	WorkspaceSymbolProvider json.RawMessage `json:"workspaceSymbolProvider"`
	DocumentSymbolProvider  json.RawMessage `json:"documentSymbolProvider"`
	ReferencesProvider      json.RawMessage `json:"referencesProvider"`
}

type initializeResult struct {
	Capabilities serverCapabilities `json:"capabilities"`
}

func providerEnabled(raw json.RawMessage) bool {
	if isNull(raw) {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return true
}

func buildInitializeParams(workspace string, initOpts map[string]any) initializeParams {
	uri := PathToURI(workspace)
	return initializeParams{
		ProcessID:        os.Getpid(),
		ClientInfo:       clientInfo{Name: "symbolforge"},
		RootURI:          uri,
		RootPath:         workspace,
		WorkspaceFolders: []workspaceFolder{{URI: uri, Name: filepath.Base(workspace)}},
		Capabilities: map[string]any{
			"workspace": map[string]any{
				"symbol":           map[string]any{},
				"workspaceFolders": true,
				"configuration":    true,
			},
			"textDocument": map[string]any{
				"references": map[string]any{},
				"documentSymbol": map[string]any{
					"hierarchicalDocumentSymbolSupport": true,
				},
				"synchronization": map[string]any{
					"didSave": false,
				},
			},
			"window": map[string]any{},
		},
		InitializationOptions: initOpts,
	}
}

// handshake performs the initialize request and the initialized notification.
func handshake(ctx context.Context, mux *Mux, workspace string, initOpts map[string]any, timeout time.Duration) (lspDomain.Capabilities, error) {
	raw, err := mux.Request(ctx, MethodInitialize, buildInitializeParams(workspace, initOpts), timeout)
	if err != nil {
		return lspDomain.Capabilities{}, fmt.Errorf("initialize request: %w", err)
	}

	var res initializeResult
	if !isNull(raw) {
		if err := json.Unmarshal(raw, &res); err != nil {
			return lspDomain.Capabilities{}, fmt.Errorf("initialize result: %w", err)
		}
	}

	if err := mux.Notify(MethodInitialized, struct{}{}); err != nil {
		return lspDomain.Capabilities{}, fmt.Errorf("initialized notification: %w", err)
	}

	return lspDomain.Capabilities{
		WorkspaceSymbol: providerEnabled(res.Capabilities.WorkspaceSymbolProvider),
		DocumentSymbol:  providerEnabled(res.Capabilities.DocumentSymbolProvider),
		References:      providerEnabled(res.Capabilities.ReferencesProvider),
	}, nil
}
