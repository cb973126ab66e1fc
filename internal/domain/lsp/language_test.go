package lsp

import (
	"errors"
	"fmt"
	"testing"
)

func TestLanguageForPath(t *testing.T) {
	table := BuildExtensionTable(DefaultDescriptors())

	tests := []struct {
		path string
		want string
	}{
		{"/w/main.go", "go"},
		{"/w/pkg/util.PY", "python"},
		{"/w/src/app.tsx", "typescript"},
		{"/w/src/index.mjs", "javascript"},
		{"/w/lib.rs", "rust"},
		{"/w/README.md", ""},
		{"/w/Makefile", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := table.LanguageForPath(tt.path); got != tt.want {
				t.Errorf("LanguageForPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestBuildExtensionTable_FirstDescriptorWins(t *testing.T) {
	table := BuildExtensionTable([]LanguageServerDescriptor{
		{Language: "a", Extensions: []string{"x"}},
		{Language: "b", Extensions: []string{".X"}},
	})
	if got := table.LanguageForPath("f.x"); got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
}

func TestRecoveryHookOnlyForTypeScriptFamily(t *testing.T) {
	for _, d := range DefaultDescriptors() {
		hasHook := d.Recovery != nil
		wantHook := d.Language == "typescript" || d.Language == "javascript"
		if hasHook != wantHook {
			t.Errorf("%s: recovery hook = %v, want %v", d.Language, hasHook, wantHook)
		}
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		err    error
		target error
	}{
		{&TransportError{Op: "read", Err: errors.New("eof")}, ErrTransport},
		{&TimeoutError{Method: "workspace/symbol", ID: 3}, ErrTimeout},
		{&CrashError{Language: "go", ExitCode: 2, Err: errors.New("exit status 2")}, ErrServerCrashed},
		{&NotReadyError{Language: "go", State: ServerStateStarting}, ErrNotReady},
		{&DependencyUnavailableError{Language: "go"}, ErrDependencyUnavailable},
		{&UnsupportedLanguageError{Path: "x.zz"}, ErrUnsupportedLanguage},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("outer: %w", tt.err)
		if !errors.Is(wrapped, tt.target) {
			t.Errorf("%T does not match %v", tt.err, tt.target)
		}
	}
}

func TestServerStateServing(t *testing.T) {
	serving := map[ServerState]bool{
		ServerStateStopped:      false,
		ServerStateStarting:     false,
		ServerStateInitializing: false,
		ServerStateReady:        true,
		ServerStateDegraded:     true,
		ServerStateCrashed:      false,
	}
	for state, want := range serving {
		if got := state.Serving(); got != want {
			t.Errorf("%s.Serving() = %v, want %v", state, got, want)
		}
	}
}

func TestServerStateText(t *testing.T) {
	for st := ServerStateStopped; st <= ServerStateCrashed; st++ {
		text, _ := st.MarshalText()
		var got ServerState
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if got != st {
			t.Errorf("round trip of %s gave %s", st, got)
		}
	}
	var s ServerState
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("expected error for unknown state")
	}
}
