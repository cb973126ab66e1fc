package lsptest

import (
	"os"
	"testing"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

// Descriptor returns a launch descriptor that re-executes the running test
// binary as a fake server in the given mode.
func Descriptor(t testing.TB, language string, mode Mode, extensions ...string) lspDomain.LanguageServerDescriptor {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return lspDomain.LanguageServerDescriptor{
		Language:   language,
		Command:    exe,
		Extensions: extensions,
		Env:        Env(mode),
	}
}
