// Package installer implements the dependency resolver port by probing PATH
// and, when enabled, running the package manager named by a dependency spec.
package installer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/symbolforge/internal/domain/lsp"
)

// maxOutputTail bounds how much installer output is kept in a failure reason.
const maxOutputTail = 512

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec, returning combined output.
type ExecRunner struct{}

// Run executes name with args.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // package manager from a fixed table
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Options configures an Installer.
type Options struct {
	AutoInstall bool
	Timeout     time.Duration
	Runner      Runner
	LookPath    func(file string) (string, error)
	Logger      *slog.Logger
}

// Installer resolves dependencies through go, npm, pip, or cargo.
// Concurrent resolutions of the same dependency share one install.
type Installer struct {
	autoInstall bool
	timeout     time.Duration
	runner      Runner
	lookPath    func(string) (string, error)
	logger      *slog.Logger
	group       singleflight.Group
}

// New creates an Installer.
func New(opts Options) *Installer {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Installer{
		autoInstall: opts.AutoInstall,
		timeout:     opts.Timeout,
		runner:      opts.Runner,
		lookPath:    opts.LookPath,
		logger:      opts.Logger,
	}
}

// CheckInstalled reports whether the dependency's binary is on PATH.
func (in *Installer) CheckInstalled(_ context.Context, spec lsp.DependencySpec) bool {
	_, err := in.lookPath(binaryOf(spec))
	return err == nil
}

// Resolve installs spec when it is missing and auto-install is enabled.
func (in *Installer) Resolve(ctx context.Context, spec lsp.DependencySpec) lsp.InstallResult {
	if in.CheckInstalled(ctx, spec) {
		return lsp.InstallResult{Success: true, Version: spec.Version, Reason: "already installed"}
	}
	if !in.autoInstall {
		return lsp.InstallResult{Skipped: true, Reason: "auto-install disabled"}
	}

	v, _, _ := in.group.Do(spec.Name, func() (any, error) {
		return in.install(ctx, spec), nil
	})
	return v.(lsp.InstallResult)
}

func (in *Installer) install(ctx context.Context, spec lsp.DependencySpec) lsp.InstallResult {
	name, args, ok := installCommand(spec)
	if !ok {
		return lsp.InstallResult{
			Skipped: true,
			Reason:  fmt.Sprintf("%s must be installed with the system package manager", spec.Name),
		}
	}
	if _, err := in.lookPath(name); err != nil {
		return lsp.InstallResult{Reason: fmt.Sprintf("%s not found on PATH", name)}
	}

	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	in.logger.Info("installing language server dependency",
		"dependency", spec.Name, "installer", string(spec.Installer), "command", name+" "+strings.Join(args, " "))
	start := time.Now()
	out, err := in.runner.Run(ctx, name, args...)
	if err != nil {
		in.logger.Warn("dependency install failed", "dependency", spec.Name, "error", err, "duration", time.Since(start))
		return lsp.InstallResult{Reason: fmt.Sprintf("%s: %v%s", name, err, outputTail(out))}
	}

	if !in.CheckInstalled(ctx, spec) {
		return lsp.InstallResult{Reason: fmt.Sprintf("installed %s but %s is still not on PATH", spec.Package, binaryOf(spec))}
	}
	in.logger.Info("dependency installed", "dependency", spec.Name, "duration", time.Since(start))
	return lsp.InstallResult{Success: true, Version: versionOrLatest(spec.Version)}
}

// installCommand returns the package manager invocation for spec. System
// dependencies have none.
func installCommand(spec lsp.DependencySpec) (string, []string, bool) {
	pkg := spec.Package
	if pkg == "" {
		pkg = spec.Name
	}
	version := spec.Version
	pinned := version != "" && version != "latest"

	switch spec.Installer {
	case lsp.InstallerGo:
		return "go", []string{"install", pkg + "@" + versionOrLatest(version)}, true
	case lsp.InstallerNPM:
		if pinned {
			pkg += "@" + version
		}
		return "npm", []string{"install", "-g", pkg}, true
	case lsp.InstallerPip:
		if pinned {
			pkg += "==" + version
		}
		return "pip", []string{"install", "--user", pkg}, true
	case lsp.InstallerCargo:
		args := []string{"install", pkg}
		if pinned {
			args = append(args, "--version", version)
		}
		return "cargo", args, true
	default:
		return "", nil, false
	}
}

func binaryOf(spec lsp.DependencySpec) string {
	if spec.Binary != "" {
		return spec.Binary
	}
	return spec.Name
}

func versionOrLatest(v string) string {
	if v == "" {
		return "latest"
	}
	return v
}

func outputTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return ""
	}
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	return ": " + s
}
