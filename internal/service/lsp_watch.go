package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher reports file changes below a workspace root. Directories
// created after start are watched too; excluded directory names never are.
type FileWatcher struct {
	w        *fsnotify.Watcher
	root     string
	exclude  map[string]bool
	onChange func(ctx context.Context, path string)
	logger   *slog.Logger
}

// NewFileWatcher watches root recursively. onChange is called from Run's
// goroutine for every written, created, removed, or renamed file.
func NewFileWatcher(root string, excludeDirs []string, onChange func(ctx context.Context, path string), logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("file watcher: %w", err)
	}
	fw := &FileWatcher{
		w:        w,
		root:     root,
		exclude:  make(map[string]bool, len(excludeDirs)),
		onChange: onChange,
		logger:   logger,
	}
	for _, d := range excludeDirs {
		fw.exclude[d] = true
	}
	if err := fw.addTree(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	return fw, nil
}

// InvalidatingWatcher returns a watcher that drops cached symbols of every
// changed file of svc's workspace.
func InvalidatingWatcher(svc *LSPService, excludeDirs []string, logger *slog.Logger) (*FileWatcher, error) {
	return NewFileWatcher(svc.Workspace(), excludeDirs, func(ctx context.Context, path string) {
		if svc.LanguageForPath(path) != "" {
			svc.InvalidateFile(ctx, path)
		}
	}, logger)
}

func (fw *FileWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != fw.root && fw.exclude[d.Name()] {
			return filepath.SkipDir
		}
		if err := fw.w.Add(path); err != nil {
			fw.logger.Warn("watch directory failed", "dir", path, "error", err)
		}
		return nil
	})
}

// Run delivers changes until ctx is done or the watcher is closed.
func (fw *FileWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			fw.handle(ctx, ev)
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if fw.exclude[filepath.Base(ev.Name)] {
				return
			}
			if err := fw.addTree(ev.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				fw.logger.Warn("watch new directory failed", "dir", ev.Name, "error", err)
			}
			return
		}
	}
	fw.onChange(ctx, ev.Name)
}

// Close stops watching.
func (fw *FileWatcher) Close() error {
	return fw.w.Close()
}
