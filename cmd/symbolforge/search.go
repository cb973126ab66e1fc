package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/logger"
	"github.com/Strob0t/symbolforge/internal/service"
)

// cliFlags are shared by the one-shot subcommands.
type cliFlags struct {
	workspace  string
	configPath string
	jsonOut    bool
	verbose    bool
}

func (f *cliFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.workspace, "workspace", "", "workspace root (default: current directory)")
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.BoolVar(&f.jsonOut, "json", false, "print JSON instead of a table")
	fs.BoolVar(&f.verbose, "v", false, "log to stderr at the configured level")
}

// withService runs fn against a fresh service and stops every server it
// started before returning.
func withService(f *cliFlags, fn func(ctx context.Context, svc *service.LSPService) error) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !f.verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Async = false
	cfg.Watch.Enabled = false
	log, closeLog := logger.NewWithWriter(cfg.Logging, os.Stderr)
	defer closeLog.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer in.close()

	svc, err := newService(cfg, f.workspace, in, log)
	if err != nil {
		return fmt.Errorf("lsp service: %w", err)
	}

	runErr := fn(ctx, svc)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.LSP.StopAllTimeout+cfg.LSP.KillGrace)
	defer cancel()
	return errors.Join(runErr, svc.StopAll(stopCtx))
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	var f cliFlags
	f.register(fs)
	language := fs.String("language", "", "language id (default: derived from --file)")
	var files stringList
	fs.Var(&files, "file", "restrict the search to this file (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: symbolforge search [options] <query>")
	}
	query := fs.Arg(0)

	return withService(&f, func(ctx context.Context, svc *service.LSPService) error {
		result, err := svc.SearchSymbols(ctx, query, *language, files...)
		if err != nil {
			return err
		}
		if f.jsonOut {
			return printJSON(os.Stdout, result)
		}
		return printSymbols(os.Stdout, svc.Workspace(), result)
	})
}

func runRefs(args []string) error {
	fs := flag.NewFlagSet("refs", flag.ContinueOnError)
	var f cliFlags
	f.register(fs)
	line := fs.Int("line", 0, "zero-based line of the symbol")
	character := fs.Int("character", 0, "zero-based UTF-16 column of the symbol")
	includeDecl := fs.Bool("include-declaration", false, "include the declaration itself")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: symbolforge refs [options] <file>")
	}
	path := fs.Arg(0)

	return withService(&f, func(ctx context.Context, svc *service.LSPService) error {
		result, err := svc.FindReferences(ctx, path, lspDomain.Position{Line: *line, Character: *character}, *includeDecl)
		if err != nil {
			return err
		}
		if f.jsonOut {
			return printJSON(os.Stdout, result)
		}
		if !result.Available {
			return fmt.Errorf("references unavailable for %s: %s", result.Language, result.Reason)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, loc := range result.Locations {
			fmt.Fprintf(w, "%s:%d:%d\n", relPath(svc.Workspace(), loc.Path), loc.Range.Start.Line+1, loc.Range.Start.Character+1)
		}
		return w.Flush()
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSymbols(out io.Writer, workspace string, result lspDomain.SymbolSearchResult) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tLOCATION\tCONTAINER")
	for _, sym := range result.Symbols {
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\n",
			sym.Name, sym.Kind, relPath(workspace, sym.Path), sym.Range.Start.Line+1, sym.ContainerName)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d symbols (%s, %s)\n", len(result.Symbols), result.Language, result.Source)
	return err
}

// relPath shortens paths below the workspace for display.
func relPath(workspace, path string) string {
	if rel, err := filepath.Rel(workspace, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
