// Package lsp defines domain types for the language server orchestration core.
// These types represent symbols, locations, and server lifecycle in a
// transport-independent way for use across the service and adapter layers.
package lsp

import (
	"fmt"
	"time"
)

// Position in a text document (0-based line and character).
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range in a text document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location links a file path to a range.
type Location struct {
	Path  string `json:"path"`
	Range Range  `json:"range"`
}

// SymbolKind mirrors the LSP SymbolKind enum.
type SymbolKind int

const (
	SymbolKindUnknown       SymbolKind = 0
	SymbolKindFile          SymbolKind = 1
	SymbolKindModule        SymbolKind = 2
	SymbolKindNamespace     SymbolKind = 3
	SymbolKindPackage       SymbolKind = 4
	SymbolKindClass         SymbolKind = 5
	SymbolKindMethod        SymbolKind = 6
	SymbolKindProperty      SymbolKind = 7
	SymbolKindField         SymbolKind = 8
	SymbolKindConstructor   SymbolKind = 9
	SymbolKindEnum          SymbolKind = 10
	SymbolKindInterface     SymbolKind = 11
	SymbolKindFunction      SymbolKind = 12
	SymbolKindVariable      SymbolKind = 13
	SymbolKindConstant      SymbolKind = 14
	SymbolKindString        SymbolKind = 15
	SymbolKindNumber        SymbolKind = 16
	SymbolKindBoolean       SymbolKind = 17
	SymbolKindArray         SymbolKind = 18
	SymbolKindObject        SymbolKind = 19
	SymbolKindKey           SymbolKind = 20
	SymbolKindNull          SymbolKind = 21
	SymbolKindEnumMember    SymbolKind = 22
	SymbolKindStruct        SymbolKind = 23
	SymbolKindEvent         SymbolKind = 24
	SymbolKindOperator      SymbolKind = 25
	SymbolKindTypeParameter SymbolKind = 26
)

var symbolKindNames = map[SymbolKind]string{
	SymbolKindFile:          "file",
	SymbolKindModule:        "module",
	SymbolKindNamespace:     "namespace",
	SymbolKindPackage:       "package",
	SymbolKindClass:         "class",
	SymbolKindMethod:        "method",
	SymbolKindProperty:      "property",
	SymbolKindField:         "field",
	SymbolKindConstructor:   "constructor",
	SymbolKindEnum:          "enum",
	SymbolKindInterface:     "interface",
	SymbolKindFunction:      "function",
	SymbolKindVariable:      "variable",
	SymbolKindConstant:      "constant",
	SymbolKindString:        "string",
	SymbolKindNumber:        "number",
	SymbolKindBoolean:       "boolean",
	SymbolKindArray:         "array",
	SymbolKindObject:        "object",
	SymbolKindKey:           "key",
	SymbolKindNull:          "null",
	SymbolKindEnumMember:    "enum_member",
	SymbolKindStruct:        "struct",
	SymbolKindEvent:         "event",
	SymbolKindOperator:      "operator",
	SymbolKindTypeParameter: "type_parameter",
}

func (k SymbolKind) String() string {
	if name, ok := symbolKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// SymbolSource records where a symbol record came from.
type SymbolSource string

const (
	SourceProtocol SymbolSource = "protocol"
	SourceFallback SymbolSource = "fallback"
	SourceCache    SymbolSource = "cache"
)

// SymbolRecord is a named code entity with a location and kind.
// Records are values; nothing mutates them after construction.
type SymbolRecord struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Path          string     `json:"path"`
	Range         Range      `json:"range"`
	Detail        string     `json:"detail,omitempty"`
	ContainerName string     `json:"container_name,omitempty"`
}

// SymbolSearchResult is the outcome of one symbol search.
type SymbolSearchResult struct {
	Language string         `json:"language"`
	Source   SymbolSource   `json:"source"`
	Symbols  []SymbolRecord `json:"symbols"`
}

// ReferenceResult is the outcome of a references lookup. Available is false
// when no ready server could answer; Locations is then always empty.
type ReferenceResult struct {
	Language  string     `json:"language"`
	Available bool       `json:"available"`
	Reason    string     `json:"reason,omitempty"`
	Locations []Location `json:"locations"`
}

// ServerState represents the lifecycle state of a managed language server.
type ServerState int

const (
	ServerStateStopped ServerState = iota
	ServerStateStarting
	ServerStateInitializing
	ServerStateReady
	ServerStateDegraded
	ServerStateCrashed
)

func (s ServerState) String() string {
	switch s {
	case ServerStateStopped:
		return "stopped"
	case ServerStateStarting:
		return "starting"
	case ServerStateInitializing:
		return "initializing"
	case ServerStateReady:
		return "ready"
	case ServerStateDegraded:
		return "degraded"
	case ServerStateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *ServerState) UnmarshalText(text []byte) error {
	for st := ServerStateStopped; st <= ServerStateCrashed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown server state %q", text)
}

// Serving reports whether requests other than the handshake may be issued.
func (s ServerState) Serving() bool {
	return s == ServerStateReady || s == ServerStateDegraded
}

// Capabilities is the subset of server capabilities the core relies on.
type Capabilities struct {
	WorkspaceSymbol bool `json:"workspace_symbol"`
	DocumentSymbol  bool `json:"document_symbol"`
	References      bool `json:"references"`
}

// ServerInfo describes a managed language server instance.
type ServerInfo struct {
	Language           string       `json:"language"`
	State              ServerState  `json:"state"`
	Command            string       `json:"command"`
	PID                int          `json:"pid,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
	LastActivity       time.Time    `json:"last_activity"`
	Error              string       `json:"error,omitempty"`
	Restarts           int          `json:"restarts"`
	ConsecutiveTimeout int          `json:"consecutive_timeouts"`
}

// EventKind identifies a lifecycle transition.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventReady
	EventCrashed
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventCrashed:
		return "crashed"
	case EventExited:
		return "exited"
	default:
		return "state_changed"
	}
}

// MarshalText renders the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// LifecycleEvent is emitted on every state transition of a server instance.
type LifecycleEvent struct {
	ID       string      `json:"id"`
	Kind     EventKind   `json:"kind"`
	Language string      `json:"language"`
	From     ServerState `json:"from"`
	To       ServerState `json:"to"`
	PID      int         `json:"pid,omitempty"`
	Error    string      `json:"error,omitempty"`
	At       time.Time   `json:"at"`
}
