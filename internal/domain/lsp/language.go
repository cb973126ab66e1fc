package lsp

import (
	"path/filepath"
	"strings"
	"time"
)

// RecoveryHook is an optional per-language retry applied when a workspace
// symbol query comes back empty. OpenFiles workspace files of the language are
// announced with didOpen, the server is given Settle to index them, and the
// query is retried exactly once.
type RecoveryHook struct {
	OpenFiles int
	Settle    time.Duration
}

// typescriptProjectSettle is how long tsserver needs after the first didOpen
// to load the enclosing project; before that workspace/symbol returns nothing.
const typescriptProjectSettle = 1500 * time.Millisecond

// LanguageServerDescriptor defines how to launch a language server for a given
// language. Descriptors are built once when the router is configured.
type LanguageServerDescriptor struct {
	Language   string          // e.g. "go"
	Command    string          // binary name or path, e.g. "gopls"
	Args       []string        // e.g. ["serve"]
	Extensions []string        // lower-case, with leading dot
	Env        []string        // extra environment, KEY=VALUE
	InitOpts   map[string]any  // LSP initializationOptions (optional)
	Dependency *DependencySpec // how to obtain Command when it is missing (optional)
	Recovery   *RecoveryHook   // empty-result retry (optional)
}

// CommandLine returns the launch command joined for display.
func (d LanguageServerDescriptor) CommandLine() string {
	return strings.TrimSpace(d.Command + " " + strings.Join(d.Args, " "))
}

// DefaultDescriptors returns the built-in launch table. All servers
// communicate via stdio.
func DefaultDescriptors() []LanguageServerDescriptor {
	tsRecovery := &RecoveryHook{OpenFiles: 3, Settle: typescriptProjectSettle}
	return []LanguageServerDescriptor{
		{
			Language:   "go",
			Command:    "gopls",
			Args:       []string{"serve"},
			Extensions: []string{".go"},
			Dependency: &DependencySpec{Name: "gopls", Binary: "gopls", Package: "golang.org/x/tools/gopls", Version: "latest", Installer: InstallerGo},
		},
		{
			Language:   "python",
			Command:    "pyright-langserver",
			Args:       []string{"--stdio"},
			Extensions: []string{".py", ".pyi"},
			Dependency: &DependencySpec{Name: "pyright", Binary: "pyright-langserver", Package: "pyright", Version: "latest", Installer: InstallerNPM},
		},
		{
			Language:   "typescript",
			Command:    "typescript-language-server",
			Args:       []string{"--stdio"},
			Extensions: []string{".ts", ".tsx", ".mts", ".cts"},
			Dependency: &DependencySpec{Name: "typescript-language-server", Binary: "typescript-language-server", Package: "typescript-language-server", Version: "latest", Installer: InstallerNPM},
			Recovery:   tsRecovery,
		},
		{
			Language:   "javascript",
			Command:    "typescript-language-server",
			Args:       []string{"--stdio"},
			Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
			Dependency: &DependencySpec{Name: "typescript-language-server", Binary: "typescript-language-server", Package: "typescript-language-server", Version: "latest", Installer: InstallerNPM},
			Recovery:   tsRecovery,
		},
		{
			Language:   "rust",
			Command:    "rust-analyzer",
			Extensions: []string{".rs"},
			Dependency: &DependencySpec{Name: "rust-analyzer", Binary: "rust-analyzer", Package: "rust-analyzer", Installer: InstallerSystem},
		},
		{
			Language:   "java",
			Command:    "jdtls",
			Extensions: []string{".java"},
			Dependency: &DependencySpec{Name: "jdtls", Binary: "jdtls", Package: "jdtls", Installer: InstallerSystem},
		},
	}
}

// ExtensionTable maps a lower-case file extension to a language id.
type ExtensionTable map[string]string

// BuildExtensionTable indexes descriptors by extension. When two descriptors
// claim the same extension the first one wins.
func BuildExtensionTable(descriptors []LanguageServerDescriptor) ExtensionTable {
	table := make(ExtensionTable)
	for _, d := range descriptors {
		for _, ext := range d.Extensions {
			ext = normalizeExt(ext)
			if _, taken := table[ext]; !taken {
				table[ext] = d.Language
			}
		}
	}
	return table
}

// LanguageForPath returns the language for a file path, or "" when no
// descriptor claims its extension.
func (t ExtensionTable) LanguageForPath(path string) string {
	return t[normalizeExt(filepath.Ext(path))]
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
