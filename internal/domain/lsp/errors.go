package lsp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below match them with errors.Is.
var (
	ErrTransport             = errors.New("lsp transport failure")
	ErrTimeout               = errors.New("lsp request timeout")
	ErrServerCrashed         = errors.New("lsp server crashed")
	ErrServerStopped         = errors.New("lsp server stopped")
	ErrNotReady              = errors.New("lsp server not ready")
	ErrDependencyUnavailable = errors.New("lsp dependency unavailable")
	ErrUnsupportedLanguage   = errors.New("no language server configured")
	ErrRestartLimit          = errors.New("lsp restart limit reached")
	ErrShuttingDown          = errors.New("lsp router shutting down")
)

// JSON-RPC and LSP error codes the core inspects.
const (
	CodeParseError           = -32700
	CodeMethodNotFound       = -32601
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// TransportError is a framing or stream failure. It is fatal to the instance.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lsp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError is an error object returned by the server for one request.
// The instance stays ready.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("lsp %s: error %d: %s", e.Method, e.Code, e.Message)
}

// IsMethodNotFound reports whether the server does not implement the method.
func (e *ProtocolError) IsMethodNotFound() bool { return e.Code == CodeMethodNotFound }

// TimeoutError is returned when no response arrived in time.
type TimeoutError struct {
	Method string
	ID     int64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lsp %s (id %d): no response after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CrashError is delivered to every pending request when the process dies.
type CrashError struct {
	Language string
	ExitCode int // -1 when unknown
	Err      error
}

func (e *CrashError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("lsp server %s crashed (exit code %d): %v", e.Language, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("lsp server %s crashed: %v", e.Language, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

func (e *CrashError) Is(target error) bool { return target == ErrServerCrashed }

// NotReadyError is returned when a request is issued against an instance that
// has not reached Ready (or has left it).
type NotReadyError struct {
	Language string
	State    ServerState
	Err      error
}

func (e *NotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lsp server %s is %s: %v", e.Language, e.State, e.Err)
	}
	return fmt.Sprintf("lsp server %s is %s", e.Language, e.State)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// DependencyUnavailableError aborts startup of a language whose required
// server dependency could not be resolved.
type DependencyUnavailableError struct {
	Language string
	Spec     DependencySpec
	Reason   string
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("lsp server %s: required dependency %s unavailable: %s", e.Language, e.Spec.Name, e.Reason)
}

func (e *DependencyUnavailableError) Is(target error) bool { return target == ErrDependencyUnavailable }

// UnsupportedLanguageError is returned when no descriptor matches.
type UnsupportedLanguageError struct {
	Language string
	Path     string
}

func (e *UnsupportedLanguageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("no language server configured for %s", e.Path)
	}
	return fmt.Sprintf("no language server configured for language %q", e.Language)
}

func (e *UnsupportedLanguageError) Is(target error) bool { return target == ErrUnsupportedLanguage }
