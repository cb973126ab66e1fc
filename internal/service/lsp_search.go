package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lspAdapter "github.com/Strob0t/symbolforge/internal/adapter/lsp"
	cfotel "github.com/Strob0t/symbolforge/internal/adapter/otel"
	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/logger"
)

// SearchSymbols finds symbols matching query in language. With target files
// the search is scoped to them and answered from complete per-file symbol
// lists, which are cached; otherwise the server's workspace index is
// queried. When the protocol path yields nothing usable a text scan
// answers instead. The language may be empty when files are given.
//
// Errors are returned only for invalid input; an unreachable server is not
// an error.
func (s *LSPService) SearchSymbols(ctx context.Context, query, language string, files ...string) (result lspDomain.SymbolSearchResult, err error) {
	targets := make([]string, 0, len(files))
	for _, f := range files {
		targets = append(targets, s.absPath(f))
	}
	if language == "" {
		if len(targets) == 0 {
			return result, errors.New("search symbols: language or target files required")
		}
		language = s.LanguageForPath(targets[0])
		if language == "" {
			return result, &lspDomain.UnsupportedLanguageError{Path: targets[0]}
		}
	}
	if _, ok := s.descriptors[language]; !ok {
		return result, &lspDomain.UnsupportedLanguageError{Language: language}
	}

	ctx = logger.WithLanguage(ctx, language)
	ctx, span := cfotel.StartSearchSpan(ctx, language, query, len(targets))
	defer func() { cfotel.EndSpan(span, err) }()

	if len(targets) > 0 {
		result = s.searchFiles(ctx, query, language, targets)
	} else {
		result = s.searchWorkspace(ctx, query, language)
	}
	s.metrics.SearchCompleted(ctx, language, result.Source)
	return result, nil
}

func (s *LSPService) searchWorkspace(ctx context.Context, query, language string) lspDomain.SymbolSearchResult {
	log := logger.From(ctx)

	inst, err := s.EnsureStarted(ctx, language)
	if err != nil {
		log.Info("lsp unavailable, using text fallback", "error", err)
		return s.fallbackResult(ctx, query, language, nil)
	}

	symbols, err := inst.WorkspaceSymbols(ctx, query)
	if err != nil {
		log.Warn("workspace symbol query failed, using text fallback", "error", err)
		return s.fallbackResult(ctx, query, language, nil)
	}
	if len(symbols) == 0 {
		if hook := inst.Descriptor().Recovery; hook != nil {
			symbols, err = s.retryAfterRecovery(ctx, inst, query, hook)
			if err != nil {
				log.Warn("workspace symbol retry failed, using text fallback", "error", err)
			}
		}
	}
	if len(symbols) == 0 {
		return s.fallbackResult(ctx, query, language, nil)
	}
	return lspDomain.SymbolSearchResult{Language: language, Source: lspDomain.SourceProtocol, Symbols: symbols}
}

// retryAfterRecovery opens a few workspace files so the server loads its
// project, waits the hook's settle delay, and queries once more.
func (s *LSPService) retryAfterRecovery(ctx context.Context, inst *lspAdapter.Instance, query string, hook *lspDomain.RecoveryHook) ([]lspDomain.SymbolRecord, error) {
	log := logger.From(ctx)
	opened := make([]string, 0, hook.OpenFiles)
	for _, path := range s.fallback.Files(ctx, inst.Language(), hook.OpenFiles) {
		if err := inst.OpenDocument(ctx, path); err != nil {
			log.Debug("recovery open failed", "file", path, "error", err)
			continue
		}
		opened = append(opened, path)
	}
	defer func() {
		for _, path := range opened {
			_ = inst.CloseDocument(path)
		}
	}()
	log.Debug("workspace symbols empty, retrying after recovery", "opened", len(opened), "settle", hook.Settle)

	t := time.NewTimer(hook.Settle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return inst.WorkspaceSymbols(ctx, query)
}

func (s *LSPService) searchFiles(ctx context.Context, query, language string, targets []string) lspDomain.SymbolSearchResult {
	log := logger.From(ctx)
	result := lspDomain.SymbolSearchResult{Language: language, Source: lspDomain.SourceCache, Symbols: []lspDomain.SymbolRecord{}}

	var misses []string
	for _, path := range targets {
		if symbols, ok := s.cache.Get(ctx, path); ok {
			result.Symbols = append(result.Symbols, filterSymbols(symbols, query)...)
			continue
		}
		misses = append(misses, path)
	}
	// Every target answered from cache: an empty match is still authoritative.
	if len(misses) == 0 {
		return result
	}

	var unanswered []string
	if len(misses) > 0 {
		inst, err := s.EnsureStarted(ctx, language)
		if err != nil {
			log.Info("lsp unavailable, using text fallback", "error", err)
			unanswered = misses
		} else {
			for _, path := range misses {
				symbols, err := s.fileSymbols(ctx, inst, path)
				if err != nil {
					log.Warn("document symbol query failed", "file", path, "error", err)
					unanswered = append(unanswered, path)
					continue
				}
				s.cache.Put(ctx, path, symbols)
				result.Source = lspDomain.SourceProtocol
				result.Symbols = append(result.Symbols, filterSymbols(symbols, query)...)
			}
		}
	}

	if len(result.Symbols) == 0 {
		return s.fallbackResult(ctx, query, language, targets)
	}
	if len(unanswered) > 0 {
		result.Source = lspDomain.SourceFallback
		result.Symbols = append(result.Symbols, s.fallback.Search(ctx, query, language, unanswered)...)
	}
	return result
}

// fileSymbols returns the complete symbol list of path from the server.
func (s *LSPService) fileSymbols(ctx context.Context, inst *lspAdapter.Instance, path string) ([]lspDomain.SymbolRecord, error) {
	if err := inst.OpenDocument(ctx, path); err != nil {
		return nil, err
	}
	defer func() { _ = inst.CloseDocument(path) }()
	return inst.DocumentSymbols(ctx, path)
}

func (s *LSPService) fallbackResult(ctx context.Context, query, language string, files []string) lspDomain.SymbolSearchResult {
	return lspDomain.SymbolSearchResult{
		Language: language,
		Source:   lspDomain.SourceFallback,
		Symbols:  s.fallback.Search(ctx, query, language, files),
	}
}

// DocumentSymbols returns every symbol declared in path. Cached lists are
// served while fresh; a failed protocol query falls back to a text scan of
// the file.
func (s *LSPService) DocumentSymbols(ctx context.Context, path string) (lspDomain.SymbolSearchResult, error) {
	path = s.absPath(path)
	language := s.LanguageForPath(path)
	if language == "" {
		return lspDomain.SymbolSearchResult{}, &lspDomain.UnsupportedLanguageError{Path: path}
	}
	ctx = logger.WithLanguage(ctx, language)
	if err := checkFile(path); err != nil {
		return lspDomain.SymbolSearchResult{}, fmt.Errorf("document symbols: %w", err)
	}

	if symbols, ok := s.cache.Get(ctx, path); ok {
		return lspDomain.SymbolSearchResult{Language: language, Source: lspDomain.SourceCache, Symbols: symbols}, nil
	}

	inst, err := s.EnsureStarted(ctx, language)
	if err == nil {
		var symbols []lspDomain.SymbolRecord
		symbols, err = s.fileSymbols(ctx, inst, path)
		if err == nil {
			s.cache.Put(ctx, path, symbols)
			return lspDomain.SymbolSearchResult{Language: language, Source: lspDomain.SourceProtocol, Symbols: symbols}, nil
		}
	}
	if ctx.Err() != nil {
		return lspDomain.SymbolSearchResult{}, ctx.Err()
	}
	logger.From(ctx).Info("document symbols unavailable, using text fallback", "file", path, "error", err)
	return s.fallbackResult(ctx, "", language, []string{path}), nil
}

// FindReferences returns the references to the symbol at pos in path. It has
// no fallback: without a serving instance the result is marked unavailable.
// Errors returned by a serving instance are passed to the caller.
func (s *LSPService) FindReferences(ctx context.Context, path string, pos lspDomain.Position, includeDeclaration bool) (result lspDomain.ReferenceResult, err error) {
	path = s.absPath(path)
	language := s.LanguageForPath(path)
	if language == "" {
		return result, &lspDomain.UnsupportedLanguageError{Path: path}
	}
	ctx = logger.WithLanguage(ctx, language)
	ctx, span := cfotel.StartReferencesSpan(ctx, language, path)
	defer func() { cfotel.EndSpan(span, err) }()
	if err := checkFile(path); err != nil {
		return result, fmt.Errorf("find references: %w", err)
	}

	result = lspDomain.ReferenceResult{Language: language, Locations: []lspDomain.Location{}}

	inst, err := s.EnsureStarted(ctx, language)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Reason = err.Error()
		return result, nil
	}

	if err := inst.OpenDocument(ctx, path); err != nil {
		if serverLost(err) {
			result.Reason = err.Error()
			return result, nil
		}
		return result, fmt.Errorf("find references: %w", err)
	}
	defer func() { _ = inst.CloseDocument(path) }()

	locations, err := inst.References(ctx, path, pos, includeDeclaration)
	switch {
	case err == nil:
	case serverLost(err):
		result.Reason = err.Error()
		return result, nil
	default:
		return result, err
	}

	result.Available = true
	if locations != nil {
		result.Locations = locations
	}
	return result, nil
}

// serverLost reports whether err means the instance went away mid-request,
// as opposed to a failure of the request itself.
func serverLost(err error) bool {
	return errors.Is(err, lspDomain.ErrNotReady) ||
		errors.Is(err, lspDomain.ErrServerCrashed) ||
		errors.Is(err, lspDomain.ErrTransport)
}

// checkFile fails with a wrapped fs.ErrNotExist when path is missing.
func checkFile(path string) error {
	_, err := os.Stat(path)
	return err
}

// InvalidateFile drops cached symbols for a file that changed on disk.
func (s *LSPService) InvalidateFile(ctx context.Context, path string) {
	s.cache.Invalidate(ctx, s.absPath(path))
}

// Cache exposes the symbol cache.
func (s *LSPService) Cache() *SymbolCache { return s.cache }

func (s *LSPService) absPath(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.workspace, path)
	}
	return filepath.Clean(path)
}

// filterSymbols keeps the records whose name contains query, ignoring case.
func filterSymbols(symbols []lspDomain.SymbolRecord, query string) []lspDomain.SymbolRecord {
	if query == "" {
		return symbols
	}
	needle := strings.ToLower(query)
	var out []lspDomain.SymbolRecord
	for _, sym := range symbols {
		if strings.Contains(strings.ToLower(sym.Name), needle) {
			out = append(out, sym)
		}
	}
	return out
}
