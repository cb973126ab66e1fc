package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Strob0t/symbolforge/internal/adapter/lsp/lsptest"
	"github.com/Strob0t/symbolforge/internal/service"
)

func startWatcher(t *testing.T, root string, changes chan<- string) {
	t.Helper()
	fw, err := service.NewFileWatcher(root, []string{"node_modules"}, func(_ context.Context, path string) {
		select {
		case changes <- path:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = fw.Close()
		<-done
	})
}

// awaitChange rewrites path until the watcher reports it.
func awaitChange(t *testing.T, changes <-chan string, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := os.WriteFile(path, []byte("func x() {}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-changes:
			if got == path {
				return
			}
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no change reported for %s", path)
		}
	}
}

func TestFileWatcher_ReportsWrites(t *testing.T) {
	root := t.TempDir()
	changes := make(chan string, 64)
	startWatcher(t, root, changes)

	awaitChange(t, changes, filepath.Join(root, "a.fk"))

	sub := filepath.Join(root, "pkg", "deep")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	awaitChange(t, changes, filepath.Join(sub, "b.fk"))
}

func TestFileWatcher_SkipsExcludedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "node_modules", "dep", "index.fk"), "x")
	changes := make(chan string, 64)
	startWatcher(t, root, changes)

	excluded := filepath.Join(root, "node_modules", "dep", "index.fk")
	if err := os.WriteFile(excluded, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	awaitChange(t, changes, filepath.Join(root, "main.fk"))

	for {
		select {
		case got := <-changes:
			if got == excluded {
				t.Fatalf("change reported inside excluded directory")
			}
		default:
			return
		}
	}
}

func TestInvalidatingWatcher_DropsCachedSymbols(t *testing.T) {
	svc, ws := newTestService(t, nil, service.LSPDeps{Descriptors: fakeDescriptors(t, lsptest.ModeNormal)})
	file := filepath.Join(ws, "widget.fk")
	writeFile(t, file, widgetSource)
	ctx := context.Background()

	if _, err := svc.DocumentSymbols(ctx, file); err != nil {
		t.Fatal(err)
	}
	if svc.Cache().Len() != 1 {
		t.Fatalf("cache len = %d, want 1", svc.Cache().Len())
	}

	fw, err := service.InvalidatingWatcher(svc, nil, nil)
	if err != nil {
		t.Fatalf("InvalidatingWatcher: %v", err)
	}
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		fw.Run(wctx)
		close(done)
	}()
	defer func() {
		cancel()
		_ = fw.Close()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for svc.Cache().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cache entry survived a write to its file")
		}
		writeFile(t, file, widgetSource+"func later() {}\n")
		time.Sleep(50 * time.Millisecond)
	}
}
