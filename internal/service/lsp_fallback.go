package service

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/symbolforge/internal/adapter/otel"
	"github.com/Strob0t/symbolforge/internal/config"
	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

// Declaration patterns for the text fallback. Each yields the symbol name
// as its last capture group.
var (
	goMethodDecl = regexp.MustCompile(`^\s*func\s+\([^)]*\)\s*([A-Za-z_]\w*)`)
	goTypeDecl   = regexp.MustCompile(`^\s*type\s+([A-Za-z_]\w*)(?:\[[^\]]*\])?\s+(struct|interface)\b`)
	keywordDecl  = regexp.MustCompile(`^\s*(?:(?:export|default|declare|pub(?:\([^)]*\))?|public|private|protected|internal|static|abstract|final|async|sealed|unsafe|open|data)\s+)*` +
		`(class|interface|struct|enum|trait|func|fn|function|def|type|const|let|var|module|namespace)\s+([A-Za-z_$][\w$]*)`)
)

var keywordKinds = map[string]lspDomain.SymbolKind{
	"class":     lspDomain.SymbolKindClass,
	"interface": lspDomain.SymbolKindInterface,
	"struct":    lspDomain.SymbolKindStruct,
	"enum":      lspDomain.SymbolKindEnum,
	"trait":     lspDomain.SymbolKindInterface,
	"func":      lspDomain.SymbolKindFunction,
	"fn":        lspDomain.SymbolKindFunction,
	"function":  lspDomain.SymbolKindFunction,
	"def":       lspDomain.SymbolKindFunction,
	"type":      lspDomain.SymbolKindClass,
	"const":     lspDomain.SymbolKindConstant,
	"let":       lspDomain.SymbolKindVariable,
	"var":       lspDomain.SymbolKindVariable,
	"module":    lspDomain.SymbolKindModule,
	"namespace": lspDomain.SymbolKindNamespace,
}

// TextSearcher finds symbol-like declarations by scanning source text. It is
// the recovery path for symbol search, so it never returns an error: read
// failures are logged and the scan continues with what it has.
type TextSearcher struct {
	root    string
	cfg     config.Fallback
	table   lspDomain.ExtensionTable
	exclude map[string]bool
	logger  *slog.Logger
	metrics *cfotel.Metrics
}

// NewTextSearcher creates a searcher over the workspace at root.
func NewTextSearcher(root string, cfg config.Fallback, table lspDomain.ExtensionTable, logger *slog.Logger, metrics *cfotel.Metrics) *TextSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	exclude := make(map[string]bool, len(cfg.ExcludeDirs))
	for _, d := range cfg.ExcludeDirs {
		exclude[d] = true
	}
	return &TextSearcher{root: root, cfg: cfg, table: table, exclude: exclude, logger: logger, metrics: metrics}
}

// Search returns declarations whose name contains query, case-insensitively.
// When files is empty the workspace files of language are enumerated, up to
// the configured file bound. An empty query matches every declaration.
func (s *TextSearcher) Search(ctx context.Context, query, language string, files []string) []lspDomain.SymbolRecord {
	if len(files) == 0 {
		files = s.Files(ctx, language, s.cfg.MaxFiles)
	} else if len(files) > s.cfg.MaxFiles {
		files = files[:s.cfg.MaxFiles]
	}
	needle := strings.ToLower(query)

	var (
		mu      sync.Mutex
		results []lspDomain.SymbolRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, path := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			found := s.scanFile(path, needle)
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			results = append(results, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		s.logger.Warn("fallback scan interrupted", "language", language, "error", err)
	}
	s.metrics.FallbackScanned(ctx, language, len(files))

	slices.SortFunc(results, func(a, b lspDomain.SymbolRecord) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return a.Range.Start.Line - b.Range.Start.Line
	})
	if s.cfg.MaxResults > 0 && len(results) > s.cfg.MaxResults {
		results = results[:s.cfg.MaxResults]
	}
	if results == nil {
		results = []lspDomain.SymbolRecord{}
	}
	return results
}

// Files enumerates up to limit workspace files belonging to language, in
// lexical walk order, skipping excluded directories and globs.
func (s *TextSearcher) Files(ctx context.Context, language string, limit int) []string {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("fallback walk error", "file", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != s.root && (s.exclude[d.Name()] || s.excludedByGlob(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.excludedByGlob(rel) {
			return nil
		}
		if s.table.LanguageForPath(path) != language {
			return nil
		}
		files = append(files, path)
		if limit > 0 && len(files) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("fallback walk failed", "language", language, "error", err)
	}
	return files
}

func (s *TextSearcher) excludedByGlob(rel string) bool {
	for _, pattern := range s.cfg.ExcludeGlobs {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (s *TextSearcher) scanFile(path, needle string) []lspDomain.SymbolRecord {
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Warn("fallback stat failed", "file", path, "error", err)
		return nil
	}
	if s.cfg.MaxFileBytes > 0 && info.Size() > s.cfg.MaxFileBytes {
		s.logger.Debug("fallback skipped large file", "file", path, "size", info.Size())
		return nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path enumerated inside the workspace
	if err != nil {
		s.logger.Warn("fallback read failed", "file", path, "error", err)
		return nil
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil
	}

	var out []lspDomain.SymbolRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), len(data)+1)
	for line := 0; sc.Scan(); line++ {
		rec, ok := matchDeclaration(sc.Text())
		if !ok || !strings.Contains(strings.ToLower(rec.Name), needle) {
			continue
		}
		rec.Path = path
		rec.Range.Start.Line = line
		rec.Range.End.Line = line
		out = append(out, rec)
	}
	return out
}

// matchDeclaration extracts a declaration from one source line. The returned
// record carries name, kind, and columns; path and line are the caller's.
func matchDeclaration(line string) (lspDomain.SymbolRecord, bool) {
	if m := goMethodDecl.FindStringSubmatchIndex(line); m != nil {
		return declRecord(line, m[2], m[3], lspDomain.SymbolKindMethod), true
	}
	if m := goTypeDecl.FindStringSubmatchIndex(line); m != nil {
		kind := lspDomain.SymbolKindStruct
		if line[m[4]:m[5]] == "interface" {
			kind = lspDomain.SymbolKindInterface
		}
		return declRecord(line, m[2], m[3], kind), true
	}
	if m := keywordDecl.FindStringSubmatchIndex(line); m != nil {
		return declRecord(line, m[4], m[5], keywordKinds[line[m[2]:m[3]]]), true
	}
	return lspDomain.SymbolRecord{}, false
}

func declRecord(line string, start, end int, kind lspDomain.SymbolKind) lspDomain.SymbolRecord {
	startCol := utf16Len(line[:start])
	return lspDomain.SymbolRecord{
		Name: line[start:end],
		Kind: kind,
		Range: lspDomain.Range{
			Start: lspDomain.Position{Character: startCol},
			End:   lspDomain.Position{Character: startCol + utf16Len(line[start:end])},
		},
		Detail: detail(line),
	}
}

// utf16Len counts UTF-16 code units, the unit of LSP character offsets.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

const maxDetailLen = 160

// detail trims line to at most maxDetailLen bytes without splitting a rune.
func detail(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= maxDetailLen {
		return line
	}
	n := maxDetailLen
	for n > 0 && !utf8.RuneStart(line[n]) {
		n--
	}
	return line[:n]
}
