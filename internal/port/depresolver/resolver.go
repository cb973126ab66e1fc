// Package depresolver defines the port through which the orchestration core
// obtains language server binaries that are missing from PATH.
package depresolver

import (
	"context"

	"github.com/Strob0t/symbolforge/internal/domain/lsp"
)

// Resolver determines install feasibility for a server dependency. The core
// treats it as opaque: it only asks whether a binary is present and, when it
// is not, asks for it to be provided.
type Resolver interface {
	// CheckInstalled reports whether spec.Binary can be launched.
	CheckInstalled(ctx context.Context, spec lsp.DependencySpec) bool
	// Resolve makes spec available if feasible. Failures and skips are
	// reported in the result, never as a panic or error.
	Resolve(ctx context.Context, spec lsp.DependencySpec) lsp.InstallResult
}
