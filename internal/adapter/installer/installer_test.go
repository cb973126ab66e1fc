package installer

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/port/depresolver"
)

var _ depresolver.Resolver = (*Installer)(nil)

// fakePath is a mutable PATH.
type fakePath struct {
	mu   sync.Mutex
	bins map[string]bool
}

func newFakePath(bins ...string) *fakePath {
	p := &fakePath{bins: make(map[string]bool)}
	for _, b := range bins {
		p.bins[b] = true
	}
	return p
}

func (p *fakePath) add(bin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bins[bin] = true
}

func (p *fakePath) LookPath(file string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bins[file] {
		return "/usr/bin/" + file, nil
	}
	return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	count atomic.Int32
	onRun func(name string, args []string) ([]byte, error)
	delay time.Duration
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.count.Add(1)
	r.mu.Lock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.onRun != nil {
		return r.onRun(name, args)
	}
	return nil, nil
}

var goplsSpec = lsp.DependencySpec{Name: "gopls", Binary: "gopls", Package: "golang.org/x/tools/gopls", Version: "latest", Installer: lsp.InstallerGo}

func TestCheckInstalled(t *testing.T) {
	path := newFakePath("gopls")
	in := New(Options{LookPath: path.LookPath})
	if !in.CheckInstalled(context.Background(), goplsSpec) {
		t.Fatal("expected gopls to be installed")
	}
	if in.CheckInstalled(context.Background(), lsp.DependencySpec{Name: "pyright", Binary: "pyright-langserver"}) {
		t.Fatal("expected pyright to be missing")
	}
}

func TestResolve_AlreadyInstalled(t *testing.T) {
	runner := &fakeRunner{}
	in := New(Options{AutoInstall: true, LookPath: newFakePath("gopls").LookPath, Runner: runner})

	res := in.Resolve(context.Background(), goplsSpec)
	if !res.Success || res.Skipped {
		t.Fatalf("unexpected result: %+v", res)
	}
	if runner.count.Load() != 0 {
		t.Fatal("runner invoked for an installed dependency")
	}
}

func TestResolve_AutoInstallDisabled(t *testing.T) {
	runner := &fakeRunner{}
	in := New(Options{LookPath: newFakePath("go").LookPath, Runner: runner})

	res := in.Resolve(context.Background(), goplsSpec)
	if res.Success || !res.Skipped {
		t.Fatalf("expected skip, got %+v", res)
	}
	if runner.count.Load() != 0 {
		t.Fatal("runner invoked with auto-install disabled")
	}
}

func TestResolve_InstallsAndVerifies(t *testing.T) {
	path := newFakePath("go")
	runner := &fakeRunner{onRun: func(string, []string) ([]byte, error) {
		path.add("gopls")
		return []byte("ok"), nil
	}}
	in := New(Options{AutoInstall: true, LookPath: path.LookPath, Runner: runner})

	res := in.Resolve(context.Background(), goplsSpec)
	if diff := cmp.Diff(lsp.InstallResult{Success: true, Version: "latest"}, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"go install golang.org/x/tools/gopls@latest"}, runner.calls); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
}

func TestResolve_InstallFailureCarriesOutput(t *testing.T) {
	runner := &fakeRunner{onRun: func(string, []string) ([]byte, error) {
		return []byte("npm ERR! 404 not found\n"), errors.New("exit status 1")
	}}
	in := New(Options{AutoInstall: true, LookPath: newFakePath("npm").LookPath, Runner: runner})

	res := in.Resolve(context.Background(), lsp.DependencySpec{Name: "pyright", Binary: "pyright-langserver", Package: "pyright", Installer: lsp.InstallerNPM})
	if res.Success || res.Skipped {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Reason, "npm ERR! 404") {
		t.Fatalf("reason lacks installer output: %q", res.Reason)
	}
}

func TestResolve_MissingPackageManager(t *testing.T) {
	in := New(Options{AutoInstall: true, LookPath: newFakePath().LookPath, Runner: &fakeRunner{}})
	res := in.Resolve(context.Background(), goplsSpec)
	if res.Success || !strings.Contains(res.Reason, "go not found") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestResolve_SystemDependencyIsSkipped(t *testing.T) {
	runner := &fakeRunner{}
	in := New(Options{AutoInstall: true, LookPath: newFakePath().LookPath, Runner: runner})
	res := in.Resolve(context.Background(), lsp.DependencySpec{Name: "jdtls", Binary: "jdtls", Installer: lsp.InstallerSystem})
	if !res.Skipped || res.Success {
		t.Fatalf("expected skip, got %+v", res)
	}
	if runner.count.Load() != 0 {
		t.Fatal("runner invoked for a system dependency")
	}
}

func TestResolve_ConcurrentCallsShareOneInstall(t *testing.T) {
	path := newFakePath("npm")
	runner := &fakeRunner{delay: 100 * time.Millisecond, onRun: func(string, []string) ([]byte, error) {
		path.add("typescript-language-server")
		return nil, nil
	}}
	in := New(Options{AutoInstall: true, LookPath: path.LookPath, Runner: runner})
	spec := lsp.DependencySpec{Name: "typescript-language-server", Binary: "typescript-language-server", Package: "typescript-language-server", Installer: lsp.InstallerNPM}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := in.Resolve(context.Background(), spec); !res.Success {
				t.Errorf("resolve failed: %+v", res)
			}
		}()
	}
	wg.Wait()
	if n := runner.count.Load(); n != 1 {
		t.Fatalf("expected one install, got %d", n)
	}
}

func TestInstallCommand(t *testing.T) {
	tests := []struct {
		spec lsp.DependencySpec
		want string
	}{
		{lsp.DependencySpec{Package: "golang.org/x/tools/gopls", Version: "v0.16.0", Installer: lsp.InstallerGo}, "go install golang.org/x/tools/gopls@v0.16.0"},
		{lsp.DependencySpec{Package: "pyright", Installer: lsp.InstallerNPM}, "npm install -g pyright"},
		{lsp.DependencySpec{Package: "pyright", Version: "1.1.380", Installer: lsp.InstallerNPM}, "npm install -g pyright@1.1.380"},
		{lsp.DependencySpec{Package: "python-lsp-server", Version: "1.12.0", Installer: lsp.InstallerPip}, "pip install --user python-lsp-server==1.12.0"},
		{lsp.DependencySpec{Name: "taplo-cli", Version: "0.9.3", Installer: lsp.InstallerCargo}, "cargo install taplo-cli --version 0.9.3"},
	}
	for _, tt := range tests {
		name, args, ok := installCommand(tt.spec)
		if !ok {
			t.Fatalf("%+v: no command", tt.spec)
		}
		if got := name + " " + strings.Join(args, " "); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
	if _, _, ok := installCommand(lsp.DependencySpec{Installer: lsp.InstallerSystem}); ok {
		t.Error("system installer should have no command")
	}
}
